package root

import "github.com/achilleasa/partitionalloc/bucket"

// SetAllocHook installs the callback a Scannable root's finishAlloc
// notifies with every user-visible allocation, letting pcscan's card table
// mark the covered region dirty (spec.md §6.2 PA_STARSCAN_USE_CARD_TABLE).
// A nil hook, the default, makes the call a no-op.
func (r *Root) SetAllocHook(fn func(addr uintptr, size uint32)) {
	r.allocHook = fn
}

// CardTableEnabled reports Options.UseCardTable, consulted by
// pcscan.Enable to decide whether to track a card table at all.
func (r *Root) CardTableEnabled() bool {
	return r.opts.UseCardTable
}

// SuperPageBases returns the base address of every super page this root has
// reserved, for package pcscan's scan-area snapshot (spec.md §4.11.4 step 3
// snapshots "super-page base addresses into an ordered set").
func (r *Root) SuperPageBases() []uintptr {
	r.lock.Lock(0)
	defer r.lock.Unlock()
	bases := make([]uintptr, len(r.superPages))
	for i, sp := range r.superPages {
		bases[i] = sp.base
	}
	return bases
}

// ForEachSpan calls fn once for every slot span this root has ever
// provisioned, across every super page, regardless of list membership —
// spec.md §3.4's bucket span lists don't track full spans at all (a full
// span is simply unlinked), so the super-page span table is the only
// complete enumeration. fn should consult span.State itself (used by
// pcscan's scan-area snapshot, which wants StateActive and StateFull only).
func (r *Root) ForEachSpan(fn func(span *bucket.SlotSpan)) {
	r.lock.Lock(0)
	defer r.lock.Unlock()
	for _, sp := range r.superPages {
		for i := range sp.spans {
			fn(&sp.spans[i])
		}
	}
}

// SpanForAddress resolves addr to the base address and slot size of its
// owning slot span, or ok=false if addr is not inside any bucketed span
// this root owns. Used by pcscan's conservative scan to quantize a
// candidate pointer down to the start of the slot it would have to be the
// head of.
func (r *Root) SpanForAddress(addr uintptr) (base uintptr, slotSize uint32, ok bool) {
	r.lock.Lock(0)
	defer r.lock.Unlock()
	ref, ok := r.spanForAddress(addr)
	if !ok {
		return 0, 0, false
	}
	span := r.Span(ref)
	return span.Base, span.SlotSize, true
}
