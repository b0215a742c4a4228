package root

import (
	"testing"

	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/gigacage"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
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

func newTestRoot(t *testing.T, opts Options) *Root {
	t.Helper()
	backing := make([]byte, 32*int(sizing.SuperPageSize))
	restore := withFakeMmap(t, backing)
	t.Cleanup(restore)

	var cage gigacage.Cage
	cage.Init(gigacage.Config{
		RegularPoolSize: 8 * sizing.SuperPageSize,
		BRPPoolSize:     8 * sizing.SuperPageSize,
	})
	if opts.PoolKind == 0 {
		opts.PoolKind = gigacage.PoolRegular
	}
	return New(&cage, opts)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	r := newTestRoot(t, Options{})

	addr, err := r.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected a non-zero address")
	}

	b := byteSliceAt(addr, 64)
	for i := range b {
		b[i] = byte(i)
	}

	r.Free(addr)

	addr2, err := r.Alloc(64)
	if err != nil {
		t.Fatalf("second Alloc failed: %v", err)
	}
	if addr2 != addr {
		t.Errorf("expected the freed slot to be reused, got addr=%#x addr2=%#x", addr, addr2)
	}
}

func TestAllocWithCookiesDetectsOverflow(t *testing.T) {
	r := newTestRoot(t, Options{AllowExtras: true})

	restore := installFatalPanic(t)
	defer restore()

	addr, err := r.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	b := byteSliceAt(addr, 40) // stomps into the back cookie
	for i := range b {
		b[i] = 0xFF
	}

	crashed := false
	func() {
		defer func() {
			if recover() != nil {
				crashed = true
			}
		}()
		r.Free(addr)
	}()
	if !crashed {
		t.Fatal("expected Free to crash on back-cookie corruption")
	}
}

func TestBRPDeferredFree(t *testing.T) {
	r := newTestRoot(t, Options{AllowExtras: true, PoolKind: gigacage.PoolBRP, UseBackupRefPtr: true})

	addr, err := r.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	front, _ := r.extrasSize()
	rc := refCountAt(addr - uintptr(front))
	rc.Acquire()

	r.Free(addr) // logical free only; a reference is still outstanding
	if rc.IsAlive() {
		t.Error("expected IsAlive to be false once logically freed")
	}

	before := r.Stats().TotalCommitted
	if !rc.Release() {
		t.Fatal("expected the last Release to report shouldPhysicallyFree")
	}
	// A real BRP smart-pointer wrapper would call this on the last
	// Release; root itself never polls ref-counts.
	r.FreeNoHooksImmediate(addr - uintptr(front))
	after := r.Stats().TotalCommitted
	if before != after {
		t.Errorf("physical free should not itself decommit a span: before=%d after=%d", before, after)
	}
}

func TestReallocGrowsWithinSlotThenFallsBack(t *testing.T) {
	r := newTestRoot(t, Options{})

	addr, err := r.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b := byteSliceAt(addr, 8)
	copy(b, []byte("abcdefgh"))

	// 8 -> 16 still fits the same bucket slot (the 8-16 byte bucket's
	// slot size), so the address must not move.
	grown, err := r.Realloc(addr, 16)
	if err != nil {
		t.Fatalf("Realloc failed: %v", err)
	}
	if grown != addr {
		t.Errorf("expected in-place growth, got new address %#x vs %#x", grown, addr)
	}

	// A much bigger request forces a real move.
	moved, err := r.Realloc(grown, 4096)
	if err != nil {
		t.Fatalf("Realloc to a larger size failed: %v", err)
	}
	if moved == grown {
		t.Fatal("expected the large Realloc to relocate")
	}
	got := byteSliceAt(moved, 8)
	if string(got) != "abcdefgh" {
		t.Errorf("Realloc did not preserve the original contents: %q", got)
	}
}

func TestDirectMappedAllocFreeRoundTrip(t *testing.T) {
	r := newTestRoot(t, Options{})

	size := sizing.Size(2 * 1024 * 1024) // larger than bucket.MaxBucketedSize
	addr, err := r.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if r.ActualSize(addr) < size {
		t.Errorf("ActualSize %d smaller than requested %d", r.ActualSize(addr), size)
	}
	r.Free(addr)
}

func TestAlignedAllocOutsideGigaCage(t *testing.T) {
	r := newTestRoot(t, Options{AllowExtras: true})

	addr, err := r.AlignedAllocFlags(4096, 256, AllocFlags{})
	if err != nil {
		t.Fatalf("AlignedAllocFlags failed: %v", err)
	}
	if addr%4096 != 0 {
		t.Errorf("address %#x is not 4096-aligned", addr)
	}
	r.Free(addr)
	if _, ok := r.alignedAllocs[addr]; ok {
		t.Error("expected Free to remove the aligned allocation from bookkeeping")
	}
}

func TestPurgeMemoryDecommitsEmptyRing(t *testing.T) {
	r := newTestRoot(t, Options{})

	addr, err := r.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	r.Free(addr)

	found := false
	for _, e := range r.emptyRing {
		if e.valid {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the freed span to be registered in the empty ring")
	}

	r.PurgeMemory(DecommitEmptyPages)
	for _, e := range r.emptyRing {
		if e.valid {
			t.Error("expected PurgeMemory(DecommitEmptyPages) to drain the ring")
		}
	}
}
