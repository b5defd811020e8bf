// Package errs defines the error taxonomy shared by drivers, the list
// registry, the contact pipeline and the intent queue.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error
type Kind int

const (
	Other Kind = iota
	InvalidInput
	NotFound
	ProviderUnavailable
	ProviderError
	NotVerified
	RetryExhausted
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case ProviderUnavailable:
		return "provider_unavailable"
	case ProviderError:
		return "provider_error"
	case NotVerified:
		return "not_verified"
	case RetryExhausted:
		return "retry_exhausted"
	default:
		return "other"
	}
}

// Error is a classified error
type Error struct {
	Kind     Kind
	Op       string // operation, e.g. "mailchimp.AddContact"
	Provider string // provider slug, if any
	Message  string
	Err      error
}

var _ error = &Error{}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so that
// errors.Is(err, errs.ErrNotFound) works through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is checks
var (
	ErrInvalidInput        = &Error{Kind: InvalidInput}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrProviderUnavailable = &Error{Kind: ProviderUnavailable}
	ErrProviderError       = &Error{Kind: ProviderError}
	ErrNotVerified         = &Error{Kind: NotVerified}
	ErrRetryExhausted      = &Error{Kind: RetryExhausted}
)

// E builds a classified error
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
// Joined errors report the kind of their first classified member.
func KindOf(err error) Kind {
	if err == nil {
		return Other
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to an HTTP status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case NotVerified:
		return http.StatusForbidden
	case ProviderUnavailable:
		return http.StatusServiceUnavailable
	case ProviderError:
		return http.StatusBadGateway
	case RetryExhausted:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
