package bucket

import (
	"testing"
	"unsafe"

	"github.com/achilleasa/partitionalloc/freelist"
)

// slotMemory backs the spans of tests that free slots: FreeSlot writes a
// freelist entry into the freed slot, so those span bases must be real memory.
var slotMemory [128]uint64

// fakeStore is a minimal SpanStore backed by a slice, used only by tests;
// root's real implementation indexes into per-super-page span tables.
type fakeStore struct {
	spans []*SlotSpan
}

func (s *fakeStore) Span(ref SpanRef) *SlotSpan { return s.spans[ref.Slot] }

func (s *fakeStore) add(span *SlotSpan) SpanRef {
	s.spans = append(s.spans, span)
	return SpanRef{SuperPage: 0, Slot: int32(len(s.spans) - 1)}
}

func newTestSpan(base uintptr, slotSize uint32, totalSlots int) *SlotSpan {
	return &SlotSpan{
		Freelist:              freelist.NewList(false),
		TotalSlots:            totalSlots,
		NumUnprovisionedSlots: totalSlots,
		Base:                  base,
		SlotSize:              slotSize,
	}
}

func TestAllocSlotProvisionsThenFreelists(t *testing.T) {
	store := &fakeStore{}
	b := NewBucket(64, 4, 4)
	span := newTestSpan(uintptr(unsafe.Pointer(&slotMemory[0])), 64, 4)
	ref := store.add(span)
	b.AdoptFreshSpan(ref, span)

	var got []uintptr
	for i := 0; i < 4; i++ {
		addr, r, ok := b.AllocSlot(store, nil)
		if !ok {
			t.Fatalf("alloc #%d unexpectedly failed", i)
		}
		if r != ref {
			t.Fatalf("alloc #%d returned span ref %v, want %v", i, r, ref)
		}
		got = append(got, addr)
	}

	if span.State != StateFull {
		t.Errorf("expected span to be full after exhausting all slots, got state %v", span.State)
	}
	if b.NumFullSpans() != 1 {
		t.Errorf("NumFullSpans() = %d, want 1", b.NumFullSpans())
	}
	if _, _, ok := b.AllocSlot(store, nil); ok {
		t.Error("expected the bucket to be out of fresh spans")
	}

	b.FreeSlot(store, ref, got[0])
	if span.State != StateActive {
		t.Errorf("expected span to return to active after a free, got %v", span.State)
	}

	addr, r, ok := b.AllocSlot(store, nil)
	if !ok || r != ref || addr != got[0] {
		t.Errorf("expected the freed slot to be reused, got (%#x, %v, %v)", addr, r, ok)
	}
}

func TestFreeSlotTransitionsToEmpty(t *testing.T) {
	store := &fakeStore{}
	b := NewBucket(64, 4, 2)
	span := newTestSpan(uintptr(unsafe.Pointer(&slotMemory[32])), 64, 2)
	ref := store.add(span)
	b.AdoptFreshSpan(ref, span)

	a1, _, _ := b.AllocSlot(store, nil)
	a2, _, _ := b.AllocSlot(store, nil)

	result := b.FreeSlot(store, ref, a1)
	if result != BecameActive {
		t.Fatalf("expected the full span to become active on its first free, got %v", result)
	}
	if span.State != StateActive {
		t.Fatalf("expected span active after freeing one of two slots, got %v", span.State)
	}

	result = b.FreeSlot(store, ref, a2)
	if result != BecameEmpty {
		t.Fatalf("expected the span to become empty once its last slot is freed, got %v", result)
	}
	if span.State != StateEmpty {
		t.Fatalf("expected span empty after freeing both slots, got %v", span.State)
	}
}

func TestDecommittedSpanPromotion(t *testing.T) {
	store := &fakeStore{}
	b := NewBucket(64, 4, 1)
	span := newTestSpan(0x3000, 64, 1)
	ref := store.add(span)
	span.State = StateDecommitted
	b.decommittedHead = ref

	recommitCalled := false
	addr, r, ok := b.AllocSlot(store, func(got SpanRef) error {
		recommitCalled = true
		if got != ref {
			t.Errorf("recommit called with %v, want %v", got, ref)
		}
		return nil
	})
	if !ok || r != ref || addr != span.Base {
		t.Fatalf("AllocSlot from decommitted span = (%#x, %v, %v)", addr, r, ok)
	}
	if !recommitCalled {
		t.Error("expected recommit callback to run")
	}
	if span.State != StateActive {
		t.Errorf("expected promoted span to become active, got %v", span.State)
	}
}
