// Package testing forces test mode for any test binary that blank-imports it.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// defaults are applied only when the variable is unset.
var defaults = map[string]string{
	"JWT_SECRET": "test-secret",
	"LOG_LEVEL":  "warn",
}

var once sync.Once

func setup() {
	once.Do(func() {
		_ = os.Setenv("APOTHECA_TEST_MODE", "1")
		for key, value := range defaults {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() { setup() }

func TestMain(m *stdtesting.M) {
	setup()
	os.Exit(m.Run())
}
