package email

import "testing"

func TestNormalize(t *testing.T) {
	if got := Normalize("  Ann@Example.COM "); got != "ann@example.com" {
		t.Errorf("Normalize() = %q", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected string
		wantErr  bool
	}{
		{"simple", "user@example.com", "user@example.com", false},
		{"with name", "User Name <user@example.com>", "user@example.com", false},
		{"uppercase", "USER@EXAMPLE.COM", "user@example.com", false},
		{"surrounding space", "  user@example.com\t", "user@example.com", false},
		{"no at", "invalid", "", true},
		{"empty local part", "@example.com", "", true},
		{"empty domain", "user@", "", true},
		{"empty", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.addr)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tc.addr, err, tc.wantErr)
			}
			if got != tc.expected {
				t.Errorf("Parse(%q) = %q, want %q", tc.addr, got, tc.expected)
			}
		})
	}
}
