package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

// Environment keys the supervisor sets on the worker processes it forks.
const (
	WorkerIndexEnv = "ODYSSEY_WORKER_INDEX"
	ListenerFDEnv  = "ODYSSEY_LISTENER_FD"
)

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the ODYSSEY_TEST_MODE flag once.
func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// WorkerIndex returns the index assigned by the supervisor and whether the
// current process was forked as a worker at all.
func WorkerIndex() (int, bool) {
	raw, ok := os.LookupEnv(WorkerIndexEnv)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// InheritedListenerFD returns the file descriptor of a listening socket
// passed down by the supervisor.
func InheritedListenerFD() (uintptr, bool) {
	raw, ok := os.LookupEnv(ListenerFDEnv)
	if !ok {
		return 0, false
	}
	fd, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uintptr(fd), true
}
