// Package testing prepares the process environment for package tests.
// Importing it for side effects puts the binaries in test mode and supplies
// the secrets that config validation requires.
package testing

import (
	"os"
	stdtesting "testing"
)

var defaults = map[string]string{
	"SESSION_SECRET": "test-session-secret",
	"CSRF_SECRET":    "test-csrf-secret",
}

func init() {
	_ = os.Setenv("BUGBRIDGE_TEST_MODE", "true")
	for key, value := range defaults {
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
}

// TestMain runs m with the environment prepared by init.
func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
