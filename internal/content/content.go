package content

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// PreviewLimit is the maximum length of a reply preview body.
const PreviewLimit = 80

var (
	policy = bluemonday.StrictPolicy()

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize strips all HTML from the input string. Message bodies are stored
// and broadcast as plain text.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Truncate shortens s to at most limit characters, appending "..." when
// anything was cut off. Counts runes, not bytes, so multibyte text is never
// split mid-character.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// Preview returns the reply-preview rendering of a message body.
func Preview(s string) string {
	return Truncate(s, PreviewLimit)
}

// NormalizeRoom trims the requested room name. An empty result means the
// caller should fall back to the default room.
func NormalizeRoom(room string) string {
	return strings.TrimSpace(room)
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is at least 3 characters long.
func ValidateUsername(username string) error {
	if len(username) < 3 {
		return errors.New("username must be at least 3 characters")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
