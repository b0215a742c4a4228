package addrpool

import (
	"testing"

	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

func TestManager32ReserveAndCoalesce(t *testing.T) {
	restoreProtect := pages.SetMprotectFnForTesting(func(b []byte, prot int) error { return nil })
	defer restoreProtect()
	restoreMadvise := pages.SetMadviseFnForTesting(func(b []byte, advice int) error { return nil })
	defer restoreMadvise()

	base := uintptr(0x40000000)
	m := NewManager32(base, 16*sizing.SystemPageSize)

	a1, ok := m.Reserve(4 * sizing.SystemPageSize)
	if !ok || a1 != base {
		t.Fatalf("first reserve: got (%#x, %v)", a1, ok)
	}

	a2, ok := m.Reserve(4 * sizing.SystemPageSize)
	if !ok || a2 != base+uintptr(4*sizing.SystemPageSize) {
		t.Fatalf("second reserve: got (%#x, %v)", a2, ok)
	}

	if got := m.LargestFreeRun(); got != 8*sizing.SystemPageSize {
		t.Fatalf("expected 8 pages free, got %d", got)
	}

	m.UnreserveAndDecommit(a1, 4*sizing.SystemPageSize)
	m.UnreserveAndDecommit(a2, 4*sizing.SystemPageSize)

	if got := m.LargestFreeRun(); got != 16*sizing.SystemPageSize {
		t.Fatalf("expected full coalesce back to 16 pages, got %d", got)
	}
}
