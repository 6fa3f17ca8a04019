package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps accounts in process memory. It is meant for local
// runs and tests; data does not survive a restart.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*Account
	byEmail map[string]string
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

// FindByEmail returns a copy of the stored account.
func (r *MemoryRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(r.byID[id]), nil
}

// FindByID returns a copy of the stored account.
func (r *MemoryRepository) FindByID(ctx context.Context, id string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(account), nil
}

// Insert stores account unless its email is taken.
func (r *MemoryRepository) Insert(ctx context.Context, account Account) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[account.Email]; ok {
		return "", ErrDuplicateAccount
	}
	account.UpdatedAt = account.CreatedAt
	r.byID[account.ID] = cloneAccount(&account)
	r.byEmail[account.Email] = account.ID
	return account.ID, nil
}

// UpdateLockout swaps the lockout fields when they still equal expected.
func (r *MemoryRepository) UpdateLockout(ctx context.Context, id string, expected, next LockoutState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !account.Lockout.Equal(expected) {
		return ErrStaleLockout
	}
	account.Lockout = cloneLockout(next)
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (r *MemoryRepository) Close() error {
	return nil
}

func cloneAccount(a *Account) *Account {
	c := *a
	c.Lockout = cloneLockout(a.Lockout)
	return &c
}

func cloneLockout(s LockoutState) LockoutState {
	if s.LockedUntil != nil {
		t := *s.LockedUntil
		s.LockedUntil = &t
	}
	return s
}

var _ Store = (*MemoryRepository)(nil)
