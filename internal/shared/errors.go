package shared

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a uniqueness conflict.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden indicates the operation is not allowed for the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized indicates a missing or unknown principal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// UserSafeMessage converts an error into text that can be shown on a page.
// Known sentinels keep their message, anything else is reported generically.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range []error{ErrNotFound, ErrDuplicate, ErrValidation, ErrForbidden} {
		if errors.Is(err, known) {
			return capitalize(err.Error())
		}
	}
	return "Something went wrong, please try again"
}

func capitalize(msg string) string {
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
