package identity

import (
	"strings"
	"testing"
)

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1234567890", "1234567890"},
		{"12345 67890", "1234567890"},
		{"  12345\t67890  ", "1234567890"},
		{"1 2 3 4 5 6 7 8 9 0", "1234567890"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeUsername(tt.in); got != tt.want {
			t.Errorf("NormalizeUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1234567890", "12345 67890"},
		{"1234567", "12345 67"},
		{"123", "123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := FormatUsername(tt.in); got != tt.want {
			t.Errorf("FormatUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatNormalizeRoundTrip(t *testing.T) {
	u, err := GenerateUsername()
	if err != nil {
		t.Fatal(err)
	}
	if got := NormalizeUsername(FormatUsername(u)); got != u {
		t.Errorf("round trip = %q, want %q", got, u)
	}
}

func TestPasswordsMatch(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"ABCD2345", "ABCD2345", true},
		{"ABCD2345", "abcd2345", true},
		{"ABCD2345", "ABCD2346", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := PasswordsMatch(tt.a, tt.b); got != tt.want {
			t.Errorf("PasswordsMatch(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestGeneratedCredentialShape(t *testing.T) {
	u, err := GenerateUsername()
	if err != nil {
		t.Fatal(err)
	}
	if len(u) != UsernameLength {
		t.Errorf("username length = %d, want %d", len(u), UsernameLength)
	}
	for _, c := range u {
		if c < '0' || c > '9' {
			t.Errorf("username %q contains non-digit", u)
		}
	}

	p, err := GeneratePassword()
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != PasswordLength {
		t.Errorf("password length = %d, want %d", len(p), PasswordLength)
	}
	for _, c := range p {
		if !strings.ContainsRune(passwordAlphabet, c) {
			t.Errorf("password %q contains %q outside the alphabet", p, c)
		}
	}
}
