package identity

import (
	"crypto/rand"
	"strings"
)

// Credential shape: usernames are fixed-width numeric so they can be
// read over the phone; passwords come from an ambiguity-safe alphabet
// (uppercase + digits, minus O/0-lookalikes) and match case-insensitively.
const (
	UsernameLength = 10
	PasswordLength = 8

	usernameGroup    = 5
	passwordAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	digits           = "0123456789"
)

// GenerateUsername returns a random fixed-width numeric username.
// Uniqueness against live registrations is the caller's concern.
func GenerateUsername() (string, error) {
	return randomFrom(digits, UsernameLength)
}

// GeneratePassword returns a random fixed-length password.
func GeneratePassword() (string, error) {
	return randomFrom(passwordAlphabet, PasswordLength)
}

// NormalizeUsername strips all whitespace so the display grouping
// ("12345 67890") round-trips through manual entry.
func NormalizeUsername(username string) string {
	return strings.Join(strings.Fields(username), "")
}

// FormatUsername inserts a space every usernameGroup digits for display.
func FormatUsername(username string) string {
	var parts []string
	for i := 0; i < len(username); i += usernameGroup {
		end := i + usernameGroup
		if end > len(username) {
			end = len(username)
		}
		parts = append(parts, username[i:end])
	}
	return strings.Join(parts, " ")
}

// PasswordsMatch compares passwords case-insensitively.
func PasswordsMatch(a, b string) bool {
	return strings.EqualFold(a, b)
}

func randomFrom(alphabet string, length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range b {
		out[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(out), nil
}
