// Package security provides input validation, sanitization, and hard
// limits for facade operations. Everything here runs synchronously,
// before a job is created.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/maxbigdig/bigdig/pkg/core"
)

// Limits for facade inputs. Bulk caps bound worst-case run time and
// resource usage per job.
const (
	// MaxSessionNameLength is the maximum length for session names
	MaxSessionNameLength = 64

	// MaxMessageLength is the maximum length in runes for outgoing messages
	MaxMessageLength = 4096

	// MaxBulkTargets is the hard cap on targets per bulk send
	MaxBulkTargets = 1000

	// MaxVerifyNumbers is the hard cap on phone numbers per verify batch
	MaxVerifyNumbers = 500

	// MaxInviteUsers is the hard cap on users per invite batch
	MaxInviteUsers = 200

	// MaxParticipantLimit is the hard cap on a participant listing
	MaxParticipantLimit = 10000

	// MaxDialogLimit is the hard cap on a dialog listing
	MaxDialogLimit = 500

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 2048
)

// validSessionName matches alphanumeric, hyphens, underscores, and dots.
var validSessionName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// validPhone matches international phone numbers with an optional plus.
var validPhone = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// ValidateSessionName validates a session name.
func ValidateSessionName(name string) error {
	if name == "" {
		return core.Invalid("session name", "must not be empty")
	}
	if len(name) > MaxSessionNameLength {
		return core.Invalid("session name", "too long")
	}
	if !validSessionName.MatchString(name) {
		return core.Invalid("session name", "must be alphanumeric, starting with a letter")
	}
	return nil
}

// ValidatePhone validates a single phone number.
func ValidatePhone(phone string) error {
	if phone == "" {
		return core.Invalid("phone", "must not be empty")
	}
	if !validPhone.MatchString(phone) {
		return core.Invalid("phone", "must be 7-15 digits with optional leading +")
	}
	return nil
}

// ValidateMessage validates outgoing message text.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return core.Invalid("message", "must not be empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return core.Invalid("message", "too long")
	}
	return nil
}

// ValidateLimit validates a positive listing limit and clamps it to max.
func ValidateLimit(limit, max int) (int, error) {
	if limit <= 0 {
		return 0, core.Invalid("limit", "must be positive")
	}
	if limit > max {
		return max, nil
	}
	return limit, nil
}

// ValidateBatchSize rejects empty or oversized bulk batches.
func ValidateBatchSize(field string, n, max int) error {
	if n == 0 {
		return core.Invalid(field, "must not be empty")
	}
	if n > max {
		return core.Invalid(field, "exceeds batch limit")
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages before they
// are stored or shown to the user.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove null bytes and control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}
