package auth

import (
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
)

// Password length limits. bcrypt ignores input past 72 bytes, so longer
// passwords are rejected rather than silently truncated.
const (
	MinPasswordLength   = 12
	MaxPasswordBytes    = 72
	maxEmailLength      = 254
	emailValidationRule = "required,email"
)

// NormalizeEmail trims and case-folds an email address.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

func validateRegistration(v *validator.Validate, email, password string) error {
	fields := make(map[string]string)
	if len(email) > maxEmailLength {
		fields["email"] = "must be at most 254 characters"
	} else if err := v.Var(email, emailValidationRule); err != nil {
		fields["email"] = "must be a valid email address"
	}
	switch {
	case utf8.RuneCountInString(password) < MinPasswordLength:
		fields["password"] = "must be at least 12 characters"
	case len(password) > MaxPasswordBytes:
		fields["password"] = "must be at most 72 bytes"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
