// Package supervisor forks and babysits worker processes. It holds no
// request-serving logic: workers are independent processes and the
// supervisor only observes their exits and relays signals to them.
//
// A worker that exits without being asked to is replaced immediately, with
// no backoff and no crash-loop ceiling. A worker that crashes on startup
// will therefore be restarted forever.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// Status is the lifecycle position of one worker slot.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// spawnRetryDelay spaces out attempts when the fork itself fails.
const spawnRetryDelay = time.Second

// Process is a started worker.
type Process interface {
	Pid() int
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts the worker for a slot.
type Spawner interface {
	Spawn(index int) (Process, error)
}

// Worker is a read-only view of one slot.
type Worker struct {
	Index     int
	PID       int
	Status    Status
	Restarts  int
	StartedAt time.Time
	LastExit  string
}

// Config configures a Supervisor.
type Config struct {
	Workers int
	Spawner Spawner
	Logger  *slog.Logger
	// StopSignal is forwarded to workers on shutdown. Defaults to SIGTERM.
	StopSignal os.Signal
	// KillTimeout is how long workers may take to exit after StopSignal
	// before they are killed. Zero waits forever.
	KillTimeout time.Duration
}

type exitEvent struct {
	index int
	pid   int
	err   error
}

type slot struct {
	worker Worker
	proc   Process
}

// Supervisor owns a fixed set of worker slots.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	slots []*slot
}

// New constructs a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Workers <= 0 {
		return nil, errors.New("supervisor: worker count must be positive")
	}
	if cfg.Spawner == nil {
		return nil, errors.New("supervisor: spawner required")
	}
	if cfg.StopSignal == nil {
		cfg.StopSignal = syscall.SIGTERM
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	slots := make([]*slot, cfg.Workers)
	for i := range slots {
		slots[i] = &slot{worker: Worker{Index: i, Status: StatusExited}}
	}
	return &Supervisor{cfg: cfg, logger: logger, slots: slots}, nil
}

// Workers returns a snapshot of every slot.
func (s *Supervisor) Workers() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Worker, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.worker
	}
	return out
}

// Run starts every worker and supervises them until ctx is cancelled. On
// cancellation the stop signal is forwarded to all workers, exits are no
// longer answered with replacements, and Run returns once every worker
// has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	exits := make(chan exitEvent)
	retries := make(chan int)
	running := 0

	for i := range s.slots {
		if err := s.spawn(i, exits); err != nil {
			s.stopAll()
			for running > 0 {
				ev := <-exits
				s.markExited(ev)
				running--
			}
			return err
		}
		running++
	}
	s.logger.Info("workers started", slog.Int("count", running))

	var (
		stopping bool
		done     = ctx.Done()
		killC    <-chan time.Time
		pending  int
	)
	for {
		select {
		case ev := <-exits:
			running--
			s.markExited(ev)
			if stopping {
				s.logger.Info("worker stopped", slog.Int("worker", ev.index), slog.Int("pid", ev.pid))
				if running == 0 && pending == 0 {
					return nil
				}
				continue
			}
			s.logger.Warn("worker exited unexpectedly, restarting",
				slog.Int("worker", ev.index),
				slog.Int("pid", ev.pid),
				slog.Any("error", ev.err),
			)
			if err := s.respawn(ev.index, exits); err != nil {
				s.logger.Error("respawn worker", slog.Int("worker", ev.index), slog.Any("error", err))
				pending++
				go s.retryLater(ctx, ev.index, retries)
				continue
			}
			running++

		case idx := <-retries:
			pending--
			if stopping {
				if running == 0 && pending == 0 {
					return nil
				}
				continue
			}
			if err := s.respawn(idx, exits); err != nil {
				s.logger.Error("respawn worker", slog.Int("worker", idx), slog.Any("error", err))
				pending++
				go s.retryLater(ctx, idx, retries)
				continue
			}
			running++

		case <-done:
			done = nil
			stopping = true
			s.logger.Info("shutdown requested, stopping workers", slog.Int("running", running))
			if running == 0 && pending == 0 {
				return nil
			}
			s.stopAll()
			if s.cfg.KillTimeout > 0 {
				timer := time.NewTimer(s.cfg.KillTimeout)
				defer timer.Stop()
				killC = timer.C
			}

		case <-killC:
			killC = nil
			s.killAll()
		}
	}
}

func (s *Supervisor) spawn(index int, exits chan<- exitEvent) error {
	s.setStatus(index, StatusStarting)
	proc, err := s.cfg.Spawner.Spawn(index)
	if err != nil {
		s.setStatus(index, StatusExited)
		return fmt.Errorf("supervisor: spawn worker %d: %w", index, err)
	}
	s.mu.Lock()
	sl := s.slots[index]
	sl.proc = proc
	sl.worker.PID = proc.Pid()
	sl.worker.Status = StatusRunning
	sl.worker.StartedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("worker running", slog.Int("worker", index), slog.Int("pid", proc.Pid()))
	go func() {
		err := proc.Wait()
		exits <- exitEvent{index: index, pid: proc.Pid(), err: err}
	}()
	return nil
}

func (s *Supervisor) respawn(index int, exits chan<- exitEvent) error {
	s.mu.Lock()
	s.slots[index].worker.Restarts++
	s.mu.Unlock()
	return s.spawn(index, exits)
}

func (s *Supervisor) retryLater(ctx context.Context, index int, retries chan<- int) {
	timer := time.NewTimer(spawnRetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	retries <- index
}

func (s *Supervisor) markExited(ev exitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[ev.index]
	sl.proc = nil
	sl.worker.Status = StatusExited
	if ev.err != nil {
		sl.worker.LastExit = ev.err.Error()
	} else {
		sl.worker.LastExit = "exit status 0"
	}
}

func (s *Supervisor) setStatus(index int, status Status) {
	s.mu.Lock()
	s.slots[index].worker.Status = status
	s.mu.Unlock()
}

func (s *Supervisor) live() []*slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*slot
	for _, sl := range s.slots {
		if sl.proc != nil {
			out = append(out, sl)
		}
	}
	return out
}

func (s *Supervisor) stopAll() {
	for _, sl := range s.live() {
		s.mu.RLock()
		proc, index := sl.proc, sl.worker.Index
		s.mu.RUnlock()
		if proc == nil {
			continue
		}
		if err := proc.Signal(s.cfg.StopSignal); err != nil {
			s.logger.Warn("signal worker", slog.Int("worker", index), slog.Any("error", err))
		}
	}
}

func (s *Supervisor) killAll() {
	for _, sl := range s.live() {
		s.mu.RLock()
		proc, index := sl.proc, sl.worker.Index
		s.mu.RUnlock()
		if proc == nil {
			continue
		}
		s.logger.Error("worker ignored stop signal, killing", slog.Int("worker", index), slog.Int("pid", proc.Pid()))
		if err := proc.Kill(); err != nil {
			s.logger.Warn("kill worker", slog.Int("worker", index), slog.Any("error", err))
		}
	}
}
