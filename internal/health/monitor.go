// Package health aggregates process and dependency liveness into a snapshot
// used by the /healthz endpoint and external process managers.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/odyssey-erp/odyssey-pay/internal/platform/httpx"
)

// Overall statuses reported in a Snapshot.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// DefaultProbeTimeout bounds the storage probe.
const DefaultProbeTimeout = 2 * time.Second

// Pinger is implemented by storage backends that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MemoryUsage describes the memory footprint of the current process.
type MemoryUsage struct {
	RSSBytes       uint64 `json:"rss_bytes"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
}

// Snapshot is computed on demand and never stored.
type Snapshot struct {
	Status           string      `json:"status"`
	StorageReachable bool        `json:"storage_reachable"`
	UptimeSeconds    float64     `json:"uptime_seconds"`
	Memory           MemoryUsage `json:"memory"`
	CheckedAt        time.Time   `json:"checked_at"`
}

// Monitor probes storage and reports process vitals.
type Monitor struct {
	storage Pinger
	timeout time.Duration
	started time.Time
	now     func() time.Time
	memory  func(ctx context.Context) MemoryUsage
	logger  *slog.Logger
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithStartTime overrides the recorded process start.
func WithStartTime(t time.Time) Option {
	return func(m *Monitor) { m.started = t }
}

// WithMemoryReader overrides how memory usage is sampled.
func WithMemoryReader(fn func(ctx context.Context) MemoryUsage) Option {
	return func(m *Monitor) { m.memory = fn }
}

// WithLogger attaches a logger for probe failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// NewMonitor constructs a Monitor probing storage with timeout.
func NewMonitor(storage Pinger, timeout time.Duration, opts ...Option) *Monitor {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	m := &Monitor{
		storage: storage,
		timeout: timeout,
		now:     time.Now,
		memory:  ReadMemory,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.started.IsZero() {
		m.started = m.now()
	}
	return m
}

// Snapshot probes storage and returns the aggregated status. It returns no
// later than the probe timeout even if the probe itself never returns.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	sampled := make(chan MemoryUsage, 1)
	go func() {
		sampled <- m.memory(probeCtx)
	}()
	reachable := m.probe(probeCtx)
	memory := m.awaitMemory(probeCtx, sampled)
	status := StatusOK
	if !reachable {
		status = StatusDegraded
	}
	now := m.now()
	return Snapshot{
		Status:           status,
		StorageReachable: reachable,
		UptimeSeconds:    now.Sub(m.started).Seconds(),
		Memory:           memory,
		CheckedAt:        now.UTC(),
	}
}

// awaitMemory falls back to runtime statistics when the sampler misses the
// probe deadline.
func (m *Monitor) awaitMemory(ctx context.Context, sampled <-chan MemoryUsage) MemoryUsage {
	select {
	case usage := <-sampled:
		return usage
	default:
	}
	select {
	case usage := <-sampled:
		return usage
	case <-ctx.Done():
		m.logger.Warn("memory sample timed out", slog.Duration("timeout", m.timeout))
		return runtimeMemory()
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.storage == nil {
		return false
	}
	result := make(chan error, 1)
	go func() {
		result <- m.storage.Ping(ctx)
	}()
	select {
	case err := <-result:
		if err != nil {
			m.logger.Warn("storage probe failed", slog.Any("error", err))
			return false
		}
		return true
	case <-ctx.Done():
		m.logger.Warn("storage probe timed out", slog.Duration("timeout", m.timeout))
		return false
	}
}

// Handler serves the snapshot as JSON, answering 503 when degraded so
// process managers can act on the status code alone.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot(r.Context())
		code := http.StatusOK
		if snap.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Cache-Control", "no-store")
		httpx.JSON(w, code, snap)
	}
}

// ReadMemory samples resident set size through gopsutil and Go heap
// statistics from the runtime.
func ReadMemory(ctx context.Context) MemoryUsage {
	usage := runtimeMemory()

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return usage
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return usage
	}
	usage.RSSBytes = info.RSS
	return usage
}

func runtimeMemory() MemoryUsage {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return MemoryUsage{HeapAllocBytes: stats.HeapAlloc, SysBytes: stats.Sys}
}
