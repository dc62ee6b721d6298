package test

import (
	"os"
	"testing"
)

// Integration skips t unless integration tests are enabled. Integration
// tests need a real R install with the example model libraries.
func Integration(t *testing.T) {
	if os.Getenv("RBRIDGE_INTEGRATION") == "" {
		t.Skip("skipping integration test, set RBRIDGE_INTEGRATION to run")
	}
}
