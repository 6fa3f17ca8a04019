package auth

import "time"

// Lockout defaults applied when the policy is built with zero values.
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 15 * time.Minute
)

// LockoutPolicy decides how failed logins translate into temporary locks.
// An account is Open while its counter is below Threshold and Locked while
// LockedUntil lies in the future.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
}

// NewLockoutPolicy fills in defaults for non-positive arguments.
func NewLockoutPolicy(threshold int, window time.Duration) LockoutPolicy {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	return LockoutPolicy{Threshold: threshold, Window: window}
}

// Locked reports whether state rejects logins at now.
func (p LockoutPolicy) Locked(state LockoutState, now time.Time) bool {
	return state.LockedUntil != nil && now.Before(*state.LockedUntil)
}

// Effective applies lock expiry: once the window has passed the account is
// Open again with a zero counter.
func (p LockoutPolicy) Effective(state LockoutState, now time.Time) LockoutState {
	if state.LockedUntil != nil && !now.Before(*state.LockedUntil) {
		return LockoutState{}
	}
	return state
}

// Fail records a failed verification. Reaching the threshold starts a lock;
// the counter stays frozen while locked.
func (p LockoutPolicy) Fail(state LockoutState, now time.Time) LockoutState {
	state = p.Effective(state, now)
	if p.Locked(state, now) {
		return state
	}
	state.FailedAttempts++
	if state.FailedAttempts >= p.Threshold {
		until := now.Add(p.Window)
		state.LockedUntil = &until
	}
	return state
}

// Succeed records a successful verification.
func (p LockoutPolicy) Succeed() LockoutState {
	return LockoutState{}
}
