package app

import (
	"os"
	"strconv"
)

// TestModeEnv makes the binaries exit before dialing Redis or the API.
const TestModeEnv = "BUGBRIDGE_TEST_MODE"

// InTestMode reports whether TestModeEnv holds a true value.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
