package addrpool

import (
	"testing"

	"github.com/achilleasa/partitionalloc/errors"
)

// installFatalCapture makes errors.Fatal panic instead of exiting the
// process, so a test can assert that a code path reached it.
func installFatalCapture(t *testing.T) (restore func()) {
	t.Helper()
	return errors.SetCrashFnForTesting(func() { panic("fatal") })
}
