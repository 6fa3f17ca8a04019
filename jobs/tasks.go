package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pay/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSecurityLockout notifies an account holder that their account was
	// locked after repeated failed logins.
	TaskSecurityLockout = "security:lockout"

	lockoutJobName = "security_lockout"
)

// LockoutNoticePayload describes one lockout transition.
type LockoutNoticePayload struct {
	AccountID      string    `json:"account_id"`
	Email          string    `json:"email"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until"`
}

// NewLockoutNoticeTask constructs an Asynq task. The task id is derived from
// the account and lock expiry so a retried enqueue cannot notify twice.
func NewLockoutNoticeTask(payload LockoutNoticePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s:%s:%d", TaskSecurityLockout, payload.AccountID, payload.LockedUntil.UnixNano())
	return asynq.NewTask(TaskSecurityLockout, data,
		asynq.TaskID(id),
		asynq.MaxRetry(5),
		asynq.Queue(QueueDefault),
	), nil
}

// NoticeSender delivers a lockout notice to the account holder.
type NoticeSender interface {
	SendLockoutNotice(ctx context.Context, payload LockoutNoticePayload) error
}

// LogSender writes notices to the log. It stands in until a mail provider
// is configured.
type LogSender struct {
	Logger *slog.Logger
}

// SendLockoutNotice implements NoticeSender.
func (s LogSender) SendLockoutNotice(_ context.Context, payload LockoutNoticePayload) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("lockout notice",
		slog.String("account_id", payload.AccountID),
		slog.String("email", payload.Email),
		slog.Int("failed_attempts", payload.FailedAttempts),
		slog.Time("locked_until", payload.LockedUntil),
	)
	return nil
}

// LockoutNoticeJob handles TaskSecurityLockout tasks.
type LockoutNoticeJob struct {
	sender  NoticeSender
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	now     func() time.Time
}

// NewLockoutNoticeJob constructs the handler. metrics may be nil.
func NewLockoutNoticeJob(sender NoticeSender, logger *slog.Logger, metrics *jobmetrics.Metrics) *LockoutNoticeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockoutNoticeJob{sender: sender, logger: logger, metrics: metrics, now: time.Now}
}

// Handle processes one task. Notices for locks that already expired are
// dropped.
func (j *LockoutNoticeJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LockoutNoticePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.metrics.Drop(lockoutJobName, "malformed")
		return fmt.Errorf("decode lockout notice: %v: %w", err, asynq.SkipRetry)
	}
	if payload.AccountID == "" {
		j.metrics.Drop(lockoutJobName, "malformed")
		return fmt.Errorf("lockout notice without account: %w", asynq.SkipRetry)
	}
	if !payload.LockedUntil.After(j.now()) {
		j.metrics.Drop(lockoutJobName, "expired")
		j.logger.Info("lockout already expired, notice dropped", slog.String("account_id", payload.AccountID))
		return nil
	}
	tracker := j.metrics.Track(lockoutJobName)
	if err := j.sender.SendLockoutNotice(ctx, payload); err != nil {
		j.logger.Warn("send lockout notice", slog.String("account_id", payload.AccountID), slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}
