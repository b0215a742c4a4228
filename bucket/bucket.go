// Package bucket implements the size-class engine of spec.md §3.5/§3.6: one
// Bucket per size class, each owning active/full/empty/decommitted lists of
// slot spans.
//
// Per spec.md §9's redesign note, slot spans are not held by owning
// pointers: a super page outlives any slot span carved from it, so slot
// span metadata lives in a table owned by the super page (root owns that
// table) and is referenced here by SpanRef, an arena index. This mirrors
// kernel/mem/pmm/allocator.BitmapAllocator's preference for index-based
// bookkeeping over pointer chains: it tracks frames by index into a fixed
// pool array rather than by pointer, for the same reason (the pool array,
// not any individual frame record, is the long-lived owner).
package bucket

import (
	"github.com/achilleasa/partitionalloc/freelist"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// SpanRef addresses a SlotSpan by its position in a super page's span
// table. A negative SuperPage marks the nil reference.
type SpanRef struct {
	SuperPage int32
	Slot      int32
}

// NilSpanRef is the list terminator.
var NilSpanRef = SpanRef{SuperPage: -1, Slot: -1}

// IsNil reports whether ref is the list terminator.
func (r SpanRef) IsNil() bool { return r.SuperPage < 0 }

// State is a slot span's position in spec.md §3.5's four-state model.
type State int

const (
	StateActive State = iota
	StateFull
	StateEmpty
	StateDecommitted
)

// SlotSpan is the per-span record of spec.md §3.6. It is stored by value
// inside a super page's span table; callers reach it through a SpanRef and
// a SpanStore, never by Go pointer alone, to respect the ownership note
// above.
type SlotSpan struct {
	Freelist              *freelist.List
	NumAllocatedSlots      int
	NumUnprovisionedSlots  int
	TotalSlots             int
	Base                   uintptr
	SlotSize               uint32
	State                  State
	Next                   SpanRef
}

// SpanStore resolves a SpanRef to the SlotSpan it names. root implements
// this over its per-super-page span tables.
type SpanStore interface {
	Span(ref SpanRef) *SlotSpan
}

// Bucket is one size class (spec.md §3.5).
type Bucket struct {
	SlotSize            uint32
	SystemPagesPerSpan  uint32
	SlotsPerSpan        int

	activeHead      SpanRef
	emptyHead       SpanRef
	decommittedHead SpanRef
	numFullSpans    int
}

// NewBucket constructs an empty Bucket for the given size class geometry.
func NewBucket(slotSize uint32, systemPagesPerSpan uint32, slotsPerSpan int) *Bucket {
	return &Bucket{
		SlotSize:           slotSize,
		SystemPagesPerSpan: systemPagesPerSpan,
		SlotsPerSpan:       slotsPerSpan,
		activeHead:         NilSpanRef,
		emptyHead:          NilSpanRef,
		decommittedHead:    NilSpanRef,
	}
}

// BytesPerSpan returns the payload size of one slot span in this bucket.
func (b *Bucket) BytesPerSpan() sizing.Size {
	return sizing.Size(b.SystemPagesPerSpan) * sizing.SystemPageSize
}

// NumFullSpans reports how many spans are currently fully allocated,
// tracked separately per spec.md §3.5.
func (b *Bucket) NumFullSpans() int { return b.numFullSpans }

// AdoptFreshSpan registers a brand-new slot span (just carved from a super
// page by the caller) as this bucket's new active head.
func (b *Bucket) AdoptFreshSpan(ref SpanRef, span *SlotSpan) {
	span.State = StateActive
	span.Next = b.activeHead
	b.activeHead = ref
}

// AllocSlot attempts to satisfy an allocation purely from spans this bucket
// already owns: an active span's freelist or unprovisioned tail, or by
// promoting an empty/decommitted span to active. ok is false when the
// bucket needs a fresh super page from the caller (root's slow path then
// calls AdoptFreshSpan).
func (b *Bucket) AllocSlot(store SpanStore, recommit func(ref SpanRef) error) (uintptr, SpanRef, bool) {
	bm, hasBitmap := store.(FreeSlotBitmapStore)

	var prev SpanRef = NilSpanRef
	ref := b.activeHead
	for !ref.IsNil() {
		span := store.Span(ref)
		next := span.Next
		if addr, ok := allocFromSpan(span); ok {
			if span.NumAllocatedSlots == span.TotalSlots {
				if prev.IsNil() {
					b.activeHead = next
				} else {
					store.Span(prev).Next = next
				}
				span.State = StateFull
				span.Next = NilSpanRef
				b.numFullSpans++
			}
			if hasBitmap {
				bm.MarkSlotAllocated(addr, span.SlotSize)
			}
			return addr, ref, true
		}
		prev = ref
		ref = next
	}

	if !b.emptyHead.IsNil() {
		ref := b.emptyHead
		span := store.Span(ref)
		b.emptyHead = span.Next
		b.AdoptFreshSpan(ref, span)
		addr, _ := allocFromSpan(span)
		if hasBitmap {
			bm.MarkSlotAllocated(addr, span.SlotSize)
		}
		return addr, ref, true
	}

	if !b.decommittedHead.IsNil() {
		ref := b.decommittedHead
		span := store.Span(ref)
		b.decommittedHead = span.Next
		if recommit != nil {
			if err := recommit(ref); err != nil {
				// Leave the span off every list; the caller treats this
				// the same as an out-of-memory slow path.
				return 0, NilSpanRef, false
			}
		}
		span.NumUnprovisionedSlots = span.TotalSlots
		span.NumAllocatedSlots = 0
		span.Freelist.Reset()
		b.AdoptFreshSpan(ref, span)
		addr, _ := allocFromSpan(span)
		if hasBitmap {
			bm.MarkSlotAllocated(addr, span.SlotSize)
		}
		return addr, ref, true
	}

	return 0, NilSpanRef, false
}

func allocFromSpan(span *SlotSpan) (uintptr, bool) {
	if !span.Freelist.IsEmpty() {
		addr, _ := span.Freelist.Pop()
		span.NumAllocatedSlots++
		return addr, true
	}
	if span.NumUnprovisionedSlots > 0 {
		idx := span.TotalSlots - span.NumUnprovisionedSlots
		addr := span.Base + uintptr(idx)*uintptr(span.SlotSize)
		span.NumUnprovisionedSlots--
		span.NumAllocatedSlots++
		return addr, true
	}
	return 0, false
}

// FreeSlotResult reports the list transition a FreeSlot call triggered, so
// root knows whether to register the span in the global empty-span ring.
type FreeSlotResult int

const (
	// NoTransition: the span stayed on whichever list it was already on.
	NoTransition FreeSlotResult = iota
	// BecameActive: a full span regained a free slot.
	BecameActive
	// BecameEmpty: the span's last allocated slot was just freed.
	BecameEmpty
)

// FreeSlot returns addr's slot to ref's freelist and updates list
// membership per spec.md §4.6.3 step 8.
func (b *Bucket) FreeSlot(store SpanStore, ref SpanRef, addr uintptr) FreeSlotResult {
	span := store.Span(ref)
	wasFull := span.State == StateFull

	if bm, ok := store.(FreeSlotBitmapStore); ok {
		bm.MarkSlotFree(addr, span.SlotSize)
	}

	span.Freelist.Push(addr)
	span.NumAllocatedSlots--

	result := NoTransition
	if wasFull {
		span.State = StateActive
		span.Next = b.activeHead
		b.activeHead = ref
		b.numFullSpans--
		result = BecameActive
	}

	if span.NumAllocatedSlots == 0 {
		if !wasFull {
			b.removeFromActive(store, ref)
		}
		span.State = StateEmpty
		span.Next = b.emptyHead
		b.emptyHead = ref
		result = BecameEmpty
	}

	return result
}

func (b *Bucket) removeFromActive(store SpanStore, target SpanRef) {
	if b.activeHead == target {
		b.activeHead = store.Span(target).Next
		return
	}
	ref := b.activeHead
	for !ref.IsNil() {
		span := store.Span(ref)
		if span.Next == target {
			span.Next = store.Span(target).Next
			return
		}
		ref = span.Next
	}
}

// DecommitEmptySpan moves ref from the empty list to the decommitted list,
// called by PurgeMemory/the global empty-span ring eviction after the
// caller has actually decommitted the span's physical pages.
func (b *Bucket) DecommitEmptySpan(store SpanStore, ref SpanRef) {
	span := store.Span(ref)
	if b.emptyHead == ref {
		b.emptyHead = span.Next
	} else {
		r := b.emptyHead
		for !r.IsNil() {
			s := store.Span(r)
			if s.Next == ref {
				s.Next = span.Next
				break
			}
			r = s.Next
		}
	}
	span.State = StateDecommitted
	span.Next = b.decommittedHead
	b.decommittedHead = ref
}

// ActiveSpans calls fn for every span currently on the active list, used by
// PurgeMemory's DiscardUnusedSystemPages walk.
func (b *Bucket) ActiveSpans(store SpanStore, fn func(ref SpanRef, span *SlotSpan)) {
	ref := b.activeHead
	for !ref.IsNil() {
		span := store.Span(ref)
		fn(ref, span)
		ref = span.Next
	}
}
