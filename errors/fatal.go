package errors

import (
	"os"

	"github.com/achilleasa/partitionalloc/internal/rawlog"
)

// crashFn is invoked by Fatal after the diagnostic message has been
// written. Tests substitute it with a panic-based stand-in (mirroring
// gopher-os's mockable cpuHaltFn in kernel/panic.go) so that a fatal-path
// unit test can observe the call instead of terminating the test binary.
var crashFn = func() { os.Exit(2) }

// SetCrashFnForTesting overrides the function Fatal calls after logging and
// returns a restore func. It exists so packages throughout this module can
// unit-test their fatal paths without terminating the test binary.
func SetCrashFnForTesting(fn func()) (restore func()) {
	prev := crashFn
	crashFn = fn
	return func() { crashFn = prev }
}

// Fatal reports a corruption-class failure (spec.md §7: freelist
// corruption, double free, cookie mismatch, ref-count underflow,
// reentrancy, invalid pool handle) and terminates the process. It never
// returns. Diagnostics are written via rawlog rather than fmt/log so that
// this path is safe to call from inside the allocator itself, including
// from a state where the heap is suspected corrupt.
func Fatal(kind Kind, message string) {
	rawlog.Printf("\n-----------------------------------\n")
	rawlog.Printf("partitionalloc: fatal error (kind=%d): %s\n", int(kind), message)
	rawlog.Printf("-----------------------------------\n")
	crashFn()
	// crashFn does not return in production; tests that override it to
	// keep running must not rely on reaching this point.
	panic(message)
}
