package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        int
	ignoreStop bool

	exit    chan error
	once    sync.Once
	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func (p *fakeProcess) Pid() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreStop
	p.mu.Unlock()
	if !ignore {
		p.finish(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	nextPID    int
	ignoreStop bool
	failIndex  int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000, failIndex: -1}
}

func (s *fakeSpawner) Spawn(index int) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == s.failIndex {
		return nil, errors.New("fork: resource temporarily unavailable")
	}
	s.nextPID++
	p := &fakeProcess{pid: s.nextPID, ignoreStop: s.ignoreStop, exit: make(chan error, 1)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func startSupervisor(t *testing.T, cfg Config) (*Supervisor, context.CancelFunc, <-chan error) {
	t.Helper()
	sup, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	t.Cleanup(cancel)
	return sup, cancel, done
}

func allRunning(sup *Supervisor) bool {
	for _, w := range sup.Workers() {
		if w.Status != StatusRunning {
			return false
		}
	}
	return true
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Workers: 0, Spawner: newFakeSpawner()})
	require.Error(t, err)
	_, err = New(Config{Workers: 2})
	require.Error(t, err)
}

func TestRunStartsEveryWorker(t *testing.T) {
	spawner := newFakeSpawner()
	sup, cancel, done := startSupervisor(t, Config{Workers: 3, Spawner: spawner})

	require.Eventually(t, func() bool { return allRunning(sup) }, time.Second, 5*time.Millisecond)
	pids := map[int]bool{}
	for _, w := range sup.Workers() {
		pids[w.PID] = true
	}
	assert.Len(t, pids, 3)

	cancel()
	require.NoError(t, waitDone(t, done))
	for _, p := range spawner.spawned() {
		assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.receivedSignals())
	}
	for _, w := range sup.Workers() {
		assert.Equal(t, StatusExited, w.Status)
	}
}

func TestRunRespawnsUnexpectedExit(t *testing.T) {
	spawner := newFakeSpawner()
	sup, cancel, done := startSupervisor(t, Config{Workers: 2, Spawner: spawner})
	require.Eventually(t, func() bool { return allRunning(sup) }, time.Second, 5*time.Millisecond)

	crashed := spawner.spawned()[1]
	crashed.finish(errors.New("exit status 2"))

	require.Eventually(t, func() bool {
		w := sup.Workers()[1]
		return len(spawner.spawned()) == 3 && w.Status == StatusRunning && w.Restarts == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, crashed.pid, sup.Workers()[1].PID)
	assert.Equal(t, 0, sup.Workers()[0].Restarts)

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestRunKeepsRestartingCrashLoop(t *testing.T) {
	spawner := newFakeSpawner()
	sup, cancel, done := startSupervisor(t, Config{Workers: 1, Spawner: spawner})

	for i := 1; i <= 5; i++ {
		require.Eventually(t, func() bool { return len(spawner.spawned()) == i && allRunning(sup) }, time.Second, 5*time.Millisecond)
		procs := spawner.spawned()
		procs[len(procs)-1].finish(errors.New("exit status 1"))
	}
	require.Eventually(t, func() bool { return sup.Workers()[0].Restarts == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestRunDoesNotRestartAfterShutdown(t *testing.T) {
	spawner := newFakeSpawner()
	sup, cancel, done := startSupervisor(t, Config{Workers: 3, Spawner: spawner})
	require.Eventually(t, func() bool { return allRunning(sup) }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Len(t, spawner.spawned(), 3)
}

func TestRunKillsWorkersThatIgnoreStop(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.ignoreStop = true
	sup, cancel, done := startSupervisor(t, Config{Workers: 2, Spawner: spawner, KillTimeout: 50 * time.Millisecond})
	require.Eventually(t, func() bool { return allRunning(sup) }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	for _, p := range spawner.spawned() {
		p.mu.Lock()
		assert.True(t, p.killed)
		p.mu.Unlock()
	}
}

func TestRunFailsWhenInitialSpawnFails(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.failIndex = 1
	sup, err := New(Config{Workers: 3, Spawner: spawner})
	require.NoError(t, err)

	err = sup.Run(context.Background())
	require.Error(t, err)
	procs := spawner.spawned()
	require.Len(t, procs, 1)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, procs[0].receivedSignals())
}

const helperEnv = "SUPERVISOR_TEST_HELPER"

// TestHelperProcess is the body of worker processes forked by
// TestExecSpawnerLifecycle.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-sigs:
		os.Exit(0)
	case <-time.After(30 * time.Second):
		os.Exit(3)
	}
}

func TestExecSpawnerLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not forwarded on windows")
	}
	spawner := ExecSpawner{
		Path:     os.Args[0],
		Args:     []string{"-test.run=^TestHelperProcess$"},
		Env:      []string{helperEnv + "=1"},
		IndexEnv: "SUPERVISOR_TEST_INDEX",
	}
	sup, cancel, done := startSupervisor(t, Config{Workers: 2, Spawner: spawner, KillTimeout: 5 * time.Second})
	require.Eventually(t, func() bool { return allRunning(sup) }, 5*time.Second, 10*time.Millisecond)

	first := sup.Workers()[0].PID
	proc, err := os.FindProcess(first)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool {
		w := sup.Workers()[0]
		return w.Restarts == 1 && w.Status == StatusRunning && w.PID != first
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop real workers")
	}
}
