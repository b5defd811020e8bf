// Package email normalizes subscriber addresses so that every store keys
// them the same way.
package email

import (
	"fmt"
	"net/mail"
	"strings"
)

// Normalize trims and lowercases an address without validating it
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Parse validates addr and returns the normalized bare address. A display
// name ("Ann <ann@example.com>") is dropped.
func Parse(addr string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("invalid email %q: %w", addr, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", fmt.Errorf("invalid email %q", addr)
	}
	return Normalize(parsed.Address), nil
}
