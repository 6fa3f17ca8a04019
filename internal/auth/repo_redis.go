package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository stores accounts as Redis hashes with a secondary email
// index. Lockout updates use WATCH/MULTI so they behave as compare-and-swap.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisRepository constructs a repository on top of client.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client, prefix: "odyssey:account"}
}

func (r *RedisRepository) accountKey(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

func (r *RedisRepository) emailKey(email string) string {
	return fmt.Sprintf("%s:email:%s", r.prefix, email)
}

// FindByEmail resolves the email index and loads the account hash.
func (r *RedisRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	id, err := r.client.Get(ctx, r.emailKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	fields, err := r.client.HGetAll(ctx, r.accountKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeAccount(fields)
}

// Insert claims the email index with SETNX before writing the hash.
func (r *RedisRepository) Insert(ctx context.Context, account Account) (string, error) {
	claimed, err := r.client.SetNX(ctx, r.emailKey(account.Email), account.ID, 0).Result()
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", ErrDuplicateAccount
	}
	created := account.CreatedAt.UTC().Format(time.RFC3339Nano)
	err = r.client.HSet(ctx, r.accountKey(account.ID),
		"id", account.ID,
		"email", account.Email,
		"password_hash", account.PasswordHash,
		"role", string(account.Role),
		"failed_attempts", account.Lockout.FailedAttempts,
		"locked_until", encodeLockTime(account.Lockout.LockedUntil),
		"created_at", created,
		"updated_at", created,
	).Err()
	if err != nil {
		if delErr := r.client.Del(ctx, r.emailKey(account.Email)).Err(); delErr != nil {
			return "", errors.Join(err, delErr)
		}
		return "", err
	}
	return account.ID, nil
}

// UpdateLockout watches the account hash and commits only if the stored
// counters still match expected.
func (r *RedisRepository) UpdateLockout(ctx context.Context, id string, expected, next LockoutState) error {
	key := r.accountKey(id)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.HMGet(ctx, key, "id", "failed_attempts", "locked_until").Result()
		if err != nil {
			return err
		}
		if values[0] == nil {
			return ErrNotFound
		}
		current, err := decodeLockout(stringValue(values[1]), stringValue(values[2]))
		if err != nil {
			return err
		}
		if !current.Equal(expected) {
			return ErrStaleLockout
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"failed_attempts", next.FailedAttempts,
				"locked_until", encodeLockTime(next.LockedUntil),
				"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStaleLockout
	}
	return err
}

// Ping checks Redis reachability.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func decodeAccount(fields map[string]string) (*Account, error) {
	lockout, err := decodeLockout(fields["failed_attempts"], fields["locked_until"])
	if err != nil {
		return nil, err
	}
	account := &Account{
		ID:           fields["id"],
		Email:        fields["email"],
		PasswordHash: fields["password_hash"],
		Role:         Role(fields["role"]),
		Lockout:      lockout,
	}
	if account.CreatedAt, err = parseStoredTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if account.UpdatedAt, err = parseStoredTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	return account, nil
}

func decodeLockout(attempts, lockedUntil string) (LockoutState, error) {
	var state LockoutState
	if attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return LockoutState{}, fmt.Errorf("auth: decode failed_attempts: %w", err)
		}
		state.FailedAttempts = n
	}
	if lockedUntil != "" {
		t, err := time.Parse(time.RFC3339Nano, lockedUntil)
		if err != nil {
			return LockoutState{}, fmt.Errorf("auth: decode locked_until: %w", err)
		}
		state.LockedUntil = &t
	}
	return state, nil
}

func encodeLockTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

var _ Store = (*RedisRepository)(nil)
