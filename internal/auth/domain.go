package auth

import "time"

// Role grants coarse-grained privileges to an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// LockoutState is the brute-force bookkeeping stored on every account.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// Equal compares two states, treating lock times by instant.
func (s LockoutState) Equal(other LockoutState) bool {
	if s.FailedAttempts != other.FailedAttempts {
		return false
	}
	if s.LockedUntil == nil || other.LockedUntil == nil {
		return s.LockedUntil == nil && other.LockedUntil == nil
	}
	return s.LockedUntil.Equal(*other.LockedUntil)
}

// Account represents a registered identity.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	Lockout      LockoutState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Token is a signed bearer credential handed out on login.
type Token struct {
	Value     string
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Principal is the verified identity attached to authenticated requests.
type Principal struct {
	AccountID string
	Role      Role
	ExpiresAt time.Time
}
