package errors

import (
	"strings"
	"unicode"
)

// maxIDLength bounds segmentation and viewport identifiers.
const maxIDLength = 256

// ValidateID validates a segmentation, viewport or annotation identifier.
//
// Identifiers are embedded in cache keys of the form "viewport:normal:slice",
// so the separator characters used there are rejected along with control
// characters and empty strings.
func ValidateID(kind, id string) error {
	if id == "" {
		return New(ErrCodeInvalidInput, "%s id cannot be empty", kind)
	}
	if len(id) > maxIDLength {
		return New(ErrCodeInvalidInput, "%s id too long (max %d characters)", kind, maxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidInput, "%s id contains invalid control characters", kind)
		}
	}
	if strings.ContainsAny(id, ":,") {
		return New(ErrCodeInvalidInput, "%s id contains reserved characters: %q", kind, id)
	}
	return nil
}
