// Package testing forces test mode and safe defaults for any test binary
// that imports it.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		if os.Getenv("STORE_DRIVER") == "" {
			_ = os.Setenv("STORE_DRIVER", "memory")
		}
		if os.Getenv("TOKEN_SECRET") == "" {
			_ = os.Setenv("TOKEN_SECRET", "odyssey-test-secret")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
