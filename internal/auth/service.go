package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultStoreTimeout bounds every repository call made by the service.
const DefaultStoreTimeout = 3 * time.Second

// maxLockoutRetries caps compare-and-update rounds for a single login.
const maxLockoutRetries = 32

// Login outcomes reported to the Recorder.
const (
	OutcomeSuccess = "success"
	OutcomeInvalid = "invalid"
	OutcomeLocked  = "locked"
	OutcomeError   = "error"
)

// LockoutNotifier is told when an account enters a lock window.
type LockoutNotifier interface {
	NotifyLockout(ctx context.Context, account Account, until time.Time) error
}

// Recorder receives login telemetry.
type Recorder interface {
	ObserveLogin(outcome string)
	ObserveLockout()
}

// ServiceConfig carries optional collaborators and tunables.
type ServiceConfig struct {
	Hasher       PasswordHasher
	Policy       LockoutPolicy
	Logger       *slog.Logger
	Notifier     LockoutNotifier
	Metrics      Recorder
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// Service wraps registration and login business rules.
type Service struct {
	repo         Repository
	tokens       *TokenIssuer
	hasher       PasswordHasher
	policy       LockoutPolicy
	logger       *slog.Logger
	notifier     LockoutNotifier
	metrics      Recorder
	storeTimeout time.Duration
	now          func() time.Time
	validate     *validator.Validate

	decoyOnce sync.Once
	decoyHash string
}

// NewService constructs a new Service.
func NewService(repo Repository, tokens *TokenIssuer, cfg ServiceConfig) *Service {
	s := &Service{
		repo:         repo,
		tokens:       tokens,
		hasher:       cfg.Hasher,
		policy:       cfg.Policy,
		logger:       cfg.Logger,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		storeTimeout: cfg.StoreTimeout,
		now:          cfg.Clock,
		validate:     validator.New(),
	}
	if s.hasher == nil {
		s.hasher = NewBcryptHasher(DefaultHashCost)
	}
	if s.policy.Threshold <= 0 || s.policy.Window <= 0 {
		s.policy = NewLockoutPolicy(s.policy.Threshold, s.policy.Window)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = DefaultStoreTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Policy exposes the lockout policy in force.
func (s *Service) Policy() LockoutPolicy {
	return s.policy
}

// Register creates a new account and returns its id.
func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	email = NormalizeEmail(email)
	if err := validateRegistration(s.validate, email, password); err != nil {
		return "", err
	}
	digest, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Error("hash password", slog.Any("error", err))
		return "", err
	}
	now := s.now().UTC()
	account := Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: digest,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	id, err := s.repo.Insert(storeCtx, account)
	if err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			return "", ErrDuplicateAccount
		}
		err = storageError("insert account", err)
		s.logger.Error("insert account", slog.Any("error", err))
		return "", err
	}
	return id, nil
}

// Login verifies credentials under the lockout policy and issues a token.
// Unknown emails and wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Token, error) {
	email = NormalizeEmail(email)

	var (
		verifiedDigest string
		matched        bool
	)
	for round := 0; round < maxLockoutRetries; round++ {
		account, err := s.findByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			s.burnDecoy(password)
			s.observe(OutcomeInvalid)
			return Token{}, ErrInvalidCredentials
		}
		if err != nil {
			s.logger.Error("find account", slog.Any("error", err))
			s.observe(OutcomeError)
			return Token{}, err
		}

		now := s.now()
		if s.policy.Locked(account.Lockout, now) {
			s.observe(OutcomeLocked)
			return Token{}, ErrAccountLocked
		}

		if account.PasswordHash != verifiedDigest {
			ok, err := s.hasher.Verify(password, account.PasswordHash)
			if err != nil {
				s.logger.Error("verify password", slog.String("account_id", account.ID), slog.Any("error", err))
				s.observe(OutcomeError)
				return Token{}, err
			}
			verifiedDigest, matched = account.PasswordHash, ok
		}

		next := s.policy.Succeed()
		if !matched {
			next = s.policy.Fail(account.Lockout, now)
		}
		if !next.Equal(account.Lockout) {
			err := s.updateLockout(ctx, account.ID, account.Lockout, next)
			if errors.Is(err, ErrStaleLockout) {
				continue
			}
			if err != nil {
				s.logger.Error("update lockout", slog.String("account_id", account.ID), slog.Any("error", err))
				s.observe(OutcomeError)
				return Token{}, err
			}
		}

		if !matched {
			if next.LockedUntil != nil {
				locked := *account
				locked.Lockout = next
				s.onLocked(ctx, locked, *next.LockedUntil)
			}
			s.observe(OutcomeInvalid)
			return Token{}, ErrInvalidCredentials
		}

		token, err := s.tokens.Issue(account.ID, account.Role)
		if err != nil {
			s.logger.Error("issue token", slog.String("account_id", account.ID), slog.Any("error", err))
			s.observe(OutcomeError)
			return Token{}, err
		}
		s.observe(OutcomeSuccess)
		return token, nil
	}
	s.logger.Error("lockout update retries exhausted", slog.String("email", email))
	s.observe(OutcomeError)
	return Token{}, ErrLockoutContention
}

// VerifyToken checks a bearer token issued by this service.
func (s *Service) VerifyToken(raw string) (Principal, error) {
	return s.tokens.Verify(raw)
}

func (s *Service) findByEmail(ctx context.Context, email string) (*Account, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	account, err := s.repo.FindByEmail(storeCtx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageError("find account", err)
	}
	return account, nil
}

func (s *Service) updateLockout(ctx context.Context, id string, expected, next LockoutState) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	err := s.repo.UpdateLockout(storeCtx, id, expected, next)
	if err == nil || errors.Is(err, ErrStaleLockout) {
		return err
	}
	return storageError("update lockout", err)
}

func (s *Service) onLocked(ctx context.Context, account Account, until time.Time) {
	s.logger.Warn("account locked",
		slog.String("account_id", account.ID),
		slog.Time("locked_until", until),
	)
	if s.metrics != nil {
		s.metrics.ObserveLockout()
	}
	if s.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.notifier.NotifyLockout(notifyCtx, account, until); err != nil {
		s.logger.Warn("notify lockout", slog.String("account_id", account.ID), slog.Any("error", err))
	}
}

// burnDecoy spends one verification on a fixed digest so unknown emails
// take about as long as wrong passwords.
func (s *Service) burnDecoy(password string) {
	s.decoyOnce.Do(func() {
		digest, err := s.hasher.Hash("odyssey-decoy-password")
		if err != nil {
			s.logger.Warn("prepare decoy digest", slog.Any("error", err))
			return
		}
		s.decoyHash = digest
	})
	if s.decoyHash != "" {
		_, _ = s.hasher.Verify(password, s.decoyHash)
	}
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveLogin(outcome)
	}
}

func storageError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("auth: %s: %w: %w", op, ErrStorageUnreachable, err)
	}
	return fmt.Errorf("auth: %s: %w", op, err)
}
