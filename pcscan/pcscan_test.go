package pcscan_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/gigacage"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
	"github.com/achilleasa/partitionalloc/pcscan"
	"github.com/achilleasa/partitionalloc/root"
)

func installFatalPanic(t *testing.T) (restore func()) {
	t.Helper()
	return errors.SetCrashFnForTesting(func() { panic("fatal") })
}

func withFakeMmap(t *testing.T, backing []byte) (restore func()) {
	t.Helper()
	restoreMmap := pages.SetMmapFnForTesting(func(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
		return backing[:length], nil
	})
	restoreMunmap := pages.SetMunmapFnForTesting(func(b []byte) error { return nil })
	restoreMprotect := pages.SetMprotectFnForTesting(func(b []byte, prot int) error { return nil })
	restoreMadvise := pages.SetMadviseFnForTesting(func(b []byte, advice int) error { return nil })
	return func() {
		restoreMmap()
		restoreMunmap()
		restoreMprotect()
		restoreMadvise()
	}
}

func newScannableRoot(t *testing.T) *root.Root {
	t.Helper()
	backing := make([]byte, 32*int(sizing.SuperPageSize))
	restore := withFakeMmap(t, backing)
	t.Cleanup(restore)

	var cage gigacage.Cage
	cage.Init(gigacage.Config{
		RegularPoolSize: 8 * sizing.SuperPageSize,
		BRPPoolSize:     8 * sizing.SuperPageSize,
	})
	return root.New(&cage, root.Options{
		PoolKind:  gigacage.PoolRegular,
		Scannable: true,
	})
}

func ptrAt(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr))
}

// TestFreeQuarantinesInsteadOfReusingImmediately exercises spec.md §8.4's
// "after Free(p), p is not handed back out by the next same-size Alloc"
// behavior: once a Scanner is installed, a freed slot is quarantined, not
// returned to its bucket freelist, so the very next same-size Alloc must
// come from a fresh slot.
func TestFreeQuarantinesInsteadOfReusingImmediately(t *testing.T) {
	r := newScannableRoot(t)
	pcscan.Enable(r)

	addr, err := r.Alloc(64)
	require.NoError(t, err)
	r.Free(addr)

	addr2, err := r.Alloc(64)
	require.NoError(t, err)
	require.NotEqual(t, addr, addr2, "expected the quarantined slot not to be reused by the very next Alloc")
}

// TestScanKeepsReferencedObjectQuarantined builds a two-object a->b graph,
// frees b while a (which still points at b) stays live, runs a scan, and
// checks that a fresh Alloc of b's size still does not reuse b's address —
// the scan must have found a's dangling reference and re-quarantined b.
func TestScanKeepsReferencedObjectQuarantined(t *testing.T) {
	r := newScannableRoot(t)
	s := pcscan.Enable(r)

	a, err := r.Alloc(64)
	require.NoError(t, err)
	b, err := r.Alloc(64)
	require.NoError(t, err)
	*ptrAt(a) = b // a -> b

	r.Free(b)
	s.ForceScanForTesting()
	s.JoinScanIfNeeded()

	b2, err := r.Alloc(64)
	require.NoError(t, err)
	require.NotEqual(t, b, b2, "expected b to survive the scan because a still references it")
}

// TestScanSweepsUnreferencedObject is the mirror case: once nothing points
// at a freed object, a scan must sweep it back to the bucket so it can be
// reused.
func TestScanSweepsUnreferencedObject(t *testing.T) {
	r := newScannableRoot(t)
	s := pcscan.Enable(r)

	addr, err := r.Alloc(64)
	require.NoError(t, err)
	r.Free(addr)
	s.ForceScanForTesting()
	s.JoinScanIfNeeded()

	addr2, err := r.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, addr, addr2, "expected the swept slot to be reused")
}

// TestDoubleFreeUnderScanCrashes exercises spec.md §4.11.2's
// DoubleFreeAttempt: freeing the same pointer twice while it is still
// quarantined must crash immediately.
func TestDoubleFreeUnderScanCrashes(t *testing.T) {
	r := newScannableRoot(t)
	pcscan.Enable(r)

	restore := installFatalPanic(t)
	defer restore()

	addr, err := r.Alloc(64)
	require.NoError(t, err)
	r.Free(addr)

	crashed := false
	func() {
		defer func() {
			if recover() != nil {
				crashed = true
			}
		}()
		r.Free(addr)
	}()
	require.True(t, crashed, "expected the second Free of a still-quarantined slot to crash")
}
