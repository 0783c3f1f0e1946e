// Package guard switches the binaries into test mode when imported by tests.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("GATEKEEPER_TEST_MODE") == "" {
			_ = os.Setenv("GATEKEEPER_TEST_MODE", "1")
		}
		if os.Getenv("API_BASE_URL") == "" {
			_ = os.Setenv("API_BASE_URL", "http://127.0.0.1:0")
		}
	})
}
