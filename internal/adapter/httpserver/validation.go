package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateID validates a path identifier (session, student or level id).
func ValidateID(field, id string) ValidationResult {
	if id == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: field, Code: "REQUIRED", Message: field + " is required"},
			},
		}
	}
	if len(id) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: field, Code: "TOO_LONG", Message: field + " is too long (max 100 characters)"},
			},
		}
	}
	if !validIdentifier.MatchString(id) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: field, Code: "INVALID_FORMAT", Message: field + " contains invalid characters"},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// SanitizeString sanitizes a free-form string input.
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 1000 {
		input = input[:1000]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
