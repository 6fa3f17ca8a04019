package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost lands around 100ms per hash on current commodity CPUs.
const DefaultHashCost = 11

// PasswordHasher derives and checks one-way password digests.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) (bool, error)
}

// BcryptHasher implements PasswordHasher with salted bcrypt digests.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher constructs a hasher, clamping cost into bcrypt's range.
func NewBcryptHasher(cost int) *BcryptHasher {
	switch {
	case cost == 0:
		cost = DefaultHashCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{cost: cost}
}

// Cost returns the work factor used for new digests.
func (h *BcryptHasher) Cost() int {
	return h.cost
}

// Hash returns a salted digest for password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	return string(digest), nil
}

// Verify compares password against digest in constant time. A mismatch is
// reported as false with a nil error; only an unreadable digest is an error.
func (h *BcryptHasher) Verify(password, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword), errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrHashing, err)
	}
}

var _ PasswordHasher = (*BcryptHasher)(nil)
