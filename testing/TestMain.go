// Package testing switches the process into test mode when imported for side
// effects from a test binary.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("SHIFTBILL_TEST_MODE", "1")
		if os.Getenv("BILLING_TIMEZONE") == "" {
			_ = os.Setenv("BILLING_TIMEZONE", "Europe/Amsterdam")
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
