package auth

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateAccount indicates the email is already registered.
	ErrDuplicateAccount = errors.New("account already exists")
	// ErrInvalidCredentials covers both unknown emails and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a lock window is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrHashing indicates the password hasher failed for infrastructure reasons.
	ErrHashing = errors.New("password hashing failed")
	// ErrTokenInvalid indicates a malformed token or a signature mismatch.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired indicates a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrStorageUnreachable indicates the credential store did not answer.
	ErrStorageUnreachable = errors.New("storage unreachable")

	// ErrNotFound is returned by repositories when no record matches.
	ErrNotFound = errors.New("not found")
	// ErrStaleLockout is returned by UpdateLockout when the stored counters
	// no longer match the expected state.
	ErrStaleLockout = errors.New("lockout state changed concurrently")
	// ErrLockoutContention is returned when compare-and-update keeps losing.
	ErrLockoutContention = errors.New("lockout update contention")
)

// ValidationError lists user-correctable problems with the input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
