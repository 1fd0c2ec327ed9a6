package auth

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Limits on user-supplied identity fields.
const (
	MinUsernameLen    = 1
	MaxUsernameLen    = 32
	MinDisplayNameLen = 1
	MaxDisplayNameLen = 64
	MinPasswordLen    = 8
)

var foldCaser = cases.Fold()

// PrepareUsername trims and case-folds a username into its canonical stored
// form. Returns "" if the result is not a valid username.
func PrepareUsername(username string) string {
	username = strings.TrimSpace(username)
	username = foldCaser.String(norm.NFKC.String(username))

	if n := len([]rune(username)); n < MinUsernameLen || n > MaxUsernameLen {
		return ""
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ""
		}
	}
	return username
}

// ValidDisplayName reports whether a display name is acceptable.
func ValidDisplayName(name string) bool {
	if n := len([]rune(name)); n < MinDisplayNameLen || n > MaxDisplayNameLen {
		return false
	}
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// ValidPassword reports whether a password meets the strength requirements.
func ValidPassword(password string) bool {
	return len(password) >= MinPasswordLen
}
