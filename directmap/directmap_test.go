package directmap

import (
	"testing"

	"github.com/achilleasa/partitionalloc/gigacage"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

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

func newTestCage(t *testing.T) *gigacage.Cage {
	t.Helper()
	var c gigacage.Cage
	c.Init(gigacage.Config{
		RegularPoolSize: 4 * sizing.SuperPageSize,
		BRPPoolSize:     4 * sizing.SuperPageSize,
	})
	return &c
}

func TestAllocAndFreeRoundTrip(t *testing.T) {
	backing := make([]byte, 32*int(sizing.SuperPageSize))
	restore := withFakeMmap(t, backing)
	defer restore()

	cage := newTestCage(t)

	ext, err := Alloc(cage, gigacage.PoolRegular, 3*sizing.SystemPageSize)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if ext.PayloadLength < 3*sizing.SystemPageSize {
		t.Errorf("payload length %d is smaller than the request", ext.PayloadLength)
	}

	start, ok := cage.GetDirectMapReservationStart(ext.PayloadBase)
	if !ok || start != ext.ReservationStart {
		t.Errorf("GetDirectMapReservationStart(payload) = (%#x, %v), want (%#x, true)", start, ok, ext.ReservationStart)
	}

	Free(cage, gigacage.PoolRegular, ext)
	if _, ok := cage.GetDirectMapReservationStart(ext.PayloadBase); ok {
		t.Error("expected the reservation-offset entries to be cleared after Free")
	}
}

func TestReallocInPlaceGrowAndShrink(t *testing.T) {
	backing := make([]byte, 32*int(sizing.SuperPageSize))
	restore := withFakeMmap(t, backing)
	defer restore()

	cage := newTestCage(t)
	ext, err := Alloc(cage, gigacage.PoolRegular, sizing.SystemPageSize)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	originalLen := ext.PayloadLength

	if !ReallocInPlace(ext, 2*sizing.SystemPageSize) {
		t.Fatal("expected in-place growth to succeed within the reservation")
	}
	if ext.PayloadLength <= originalLen {
		t.Error("expected payload length to grow")
	}

	if !ReallocInPlace(ext, sizing.SystemPageSize) {
		t.Fatal("expected in-place shrink to succeed")
	}
	if ext.PayloadLength != sizing.RoundUpToSystemPage(sizing.SystemPageSize) {
		t.Errorf("unexpected payload length after shrink: %d", ext.PayloadLength)
	}
}

func TestListInsertRemove(t *testing.T) {
	var l List
	a := &Extent{ReservationStart: 1}
	b := &Extent{ReservationStart: 2}
	l.Insert(a)
	l.Insert(b)

	var seen []uintptr
	l.Each(func(e *Extent) { seen = append(seen, e.ReservationStart) })
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 1 {
		t.Fatalf("unexpected traversal order: %v", seen)
	}

	l.Remove(b)
	seen = nil
	l.Each(func(e *Extent) { seen = append(seen, e.ReservationStart) })
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("unexpected traversal order after remove: %v", seen)
	}
}
