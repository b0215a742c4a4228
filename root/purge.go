package root

import (
	"github.com/achilleasa/partitionalloc/bucket"
	"github.com/achilleasa/partitionalloc/internal/pages"
)

// PurgeFlags is the bitmask of spec.md §6.4.
type PurgeFlags uint32

const (
	DecommitEmptyPages PurgeFlags = 1 << iota
	DiscardUnusedSystemPages
)

// PurgeMemory honors the requested flags: DecommitEmptyPages drains the
// global empty-span ring, DiscardUnusedSystemPages hints the OS to reclaim
// pages a bucket's freelist footprint shows are unused without changing
// what is committed (spec.md §4.6.7).
func (r *Root) PurgeMemory(flags PurgeFlags) {
	r.lock.Lock(0)
	defer r.lock.Unlock()

	if flags&DecommitEmptyPages != 0 {
		r.drainEmptyRing()
	}
	if flags&DiscardUnusedSystemPages != 0 {
		r.discardUnusedSystemPages()
	}
}

func (r *Root) drainEmptyRing() {
	for i := range r.emptyRing {
		e := r.emptyRing[i]
		if !e.valid {
			continue
		}
		r.decommitRingEntry(e)
		r.emptyRing[i] = emptyRingEntry{}
	}
}

// discardUnusedSystemPages walks every active span and, for any span
// holding no live slots (a conservative, whole-span approximation of the
// per-system-page footprint spec.md §4.6.7 describes), hints the OS to
// discard its pages via madvise DONTNEED semantics without decommitting
// the span itself — a subsequent access still succeeds, just against
// newly-zeroed pages.
func (r *Root) discardUnusedSystemPages() {
	for idx := range r.buckets {
		b := r.buckets[idx]
		b.ActiveSpans(r, func(ref bucket.SpanRef, span *bucket.SlotSpan) {
			if span.NumAllocatedSlots > 0 {
				return
			}
			pages.DiscardSystemPages(span.Base, b.BytesPerSpan())
		})
	}
}
