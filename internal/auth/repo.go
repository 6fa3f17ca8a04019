package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the persistence contract the auth service needs.
type Repository interface {
	// FindByEmail returns ErrNotFound when no account uses email.
	FindByEmail(ctx context.Context, email string) (*Account, error)
	// Insert returns ErrDuplicateAccount when email is already taken.
	Insert(ctx context.Context, account Account) (string, error)
	// UpdateLockout atomically replaces expected with next. It returns
	// ErrStaleLockout when the stored state differs from expected and
	// ErrNotFound when the account does not exist.
	UpdateLockout(ctx context.Context, id string, expected, next LockoutState) error
	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// Store is a Repository that owns a connection.
type Store interface {
	Repository
	Close() error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches an account by normalized email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	const query = `SELECT id, email, password_hash, role, failed_attempts, locked_until, created_at, updated_at
		FROM accounts WHERE email = $1`
	var (
		account Account
		role    string
	)
	err := r.pool.QueryRow(ctx, query, email).Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&role,
		&account.Lockout.FailedAttempts,
		&account.Lockout.LockedUntil,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	account.Role = Role(role)
	return &account, nil
}

// Insert persists a new account and relies on the unique email index.
func (r *PGRepository) Insert(ctx context.Context, account Account) (string, error) {
	const query = `INSERT INTO accounts (id, email, password_hash, role, failed_attempts, locked_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`
	var id string
	err := r.pool.QueryRow(ctx, query,
		account.ID,
		account.Email,
		account.PasswordHash,
		string(account.Role),
		account.Lockout.FailedAttempts,
		pgTime(account.Lockout.LockedUntil),
		account.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrDuplicateAccount
		}
		return "", err
	}
	return id, nil
}

// UpdateLockout performs a conditional update so concurrent attempts against
// one account cannot overwrite each other's counters.
func (r *PGRepository) UpdateLockout(ctx context.Context, id string, expected, next LockoutState) error {
	const query = `UPDATE accounts
		SET failed_attempts = $2, locked_until = $3, updated_at = now()
		WHERE id = $1 AND failed_attempts = $4 AND locked_until IS NOT DISTINCT FROM $5`
	tag, err := r.pool.Exec(ctx, query, id,
		next.FailedAttempts, pgTime(next.LockedUntil),
		expected.FailedAttempts, pgTime(expected.LockedUntil),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleLockout
}

// Ping checks database reachability.
func (r *PGRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *PGRepository) Close() error {
	r.pool.Close()
	return nil
}

// pgTime normalizes lock timestamps to timestamptz precision.
func pgTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}

var _ Store = (*PGRepository)(nil)
