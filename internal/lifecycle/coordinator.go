// Package lifecycle drains a worker's HTTP server and releases its
// resources when a termination signal arrives.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pay/internal/platform/httpx"
)

// DefaultDrainTimeout caps how long in-flight requests may run after a
// termination signal.
const DefaultDrainTimeout = 10 * time.Second

// ErrDrainTimeout reports that in-flight requests were abandoned.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

// State is the coordinator's position in Serving -> Draining -> Closed.
type State int32

const (
	StateServing State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateServing:
		return "serving"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Server is the part of *http.Server the coordinator drives.
type Server interface {
	Shutdown(ctx context.Context) error
	Close() error
}

type closer struct {
	name string
	fn   func() error
}

// Coordinator owns the drain sequence of one worker process.
type Coordinator struct {
	server  Server
	timeout time.Duration
	logger  *slog.Logger

	state   atomic.Int32
	mu      sync.Mutex
	closers []closer
	onDrain []func()

	once sync.Once
	err  error
}

// New constructs a Coordinator for server.
func New(server Server, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{server: server, timeout: timeout, logger: logger}
}

// OnClose registers a resource released after the server has drained.
// Resources close in registration order.
func (c *Coordinator) OnClose(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// OnDrain registers fn to run as soon as draining starts, before in-flight
// requests are awaited.
func (c *Coordinator) OnDrain(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrain = append(c.onDrain, fn)
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Middleware refuses new requests once draining has started. Requests that
// were already admitted keep running.
func (c *Coordinator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.State() != StateServing {
			w.Header().Set("Connection", "close")
			w.Header().Set("Retry-After", "1")
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "server is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled or serve fails, then drains. serve
// should block like (*http.Server).Serve; http.ErrServerClosed is treated as
// a clean stop.
func (c *Coordinator) Run(ctx context.Context, serve func() error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("lifecycle: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.Shutdown(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

// Shutdown moves to Draining, waits up to the drain timeout for in-flight
// requests, force-closes the server if they do not finish, releases every
// registered resource and ends in Closed. Repeated calls return the result
// of the first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.shutdown(ctx)
	})
	return c.err
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.state.Store(int32(StateDraining))
	c.logger.Info("draining", slog.Duration("timeout", c.timeout))
	c.mu.Lock()
	hooks := append([]func(){}, c.onDrain...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	started := time.Now()

	var errs []error
	if err := c.drain(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Error("drain timeout exceeded, forcing close; in-flight requests are abandoned",
				slog.Duration("timeout", c.timeout))
			errs = append(errs, ErrDrainTimeout)
		} else {
			c.logger.Error("graceful shutdown", slog.Any("error", err))
			errs = append(errs, err)
		}
		if err := c.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: force close: %w", err))
		}
	}

	c.mu.Lock()
	closers := append([]closer(nil), c.closers...)
	c.mu.Unlock()
	for _, cl := range closers {
		if err := cl.fn(); err != nil {
			c.logger.Error("release resource", slog.String("resource", cl.name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("lifecycle: close %s: %w", cl.name, err))
			continue
		}
		c.logger.Info("resource released", slog.String("resource", cl.name))
	}

	c.state.Store(int32(StateClosed))
	c.logger.Info("closed", slog.Duration("elapsed", time.Since(started)))
	return errors.Join(errs...)
}

// drain calls Shutdown but never waits past the timeout, even if the server
// ignores its context.
func (c *Coordinator) drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.server.Shutdown(drainCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-drainCtx.Done():
		return drainCtx.Err()
	}
}
