package root

import (
	"github.com/achilleasa/partitionalloc/bucket"
	"github.com/achilleasa/partitionalloc/directmap"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Free releases a previously allocated slot, per spec.md §4.6.3: verify
// cookies first, then let BackupRefPtr's ref-count decide whether the
// physical free happens now or is deferred, exactly matching
// original_source/allocator/partition_allocator/partition_ref_count.cc's
// CookieVerify-then-ref-count call order.
func (r *Root) Free(addr uintptr) {
	if addr == 0 {
		return
	}
	r.lock.Lock(0)
	defer r.lock.Unlock()

	if size, ok := r.alignedAllocs[addr]; ok {
		r.freeAligned(addr, size)
		return
	}

	front, _ := r.extrasSize()
	slotAddr := addr - uintptr(front)

	if ext, ok := r.directMapByBase[slotAddr]; ok {
		if front > 0 {
			requireCookie(slotAddr+uintptr(frontCookieOffset(front)), "front")
			requireCookie(addr+uintptr(ext.PayloadLength)-uintptr(front)-uintptr(cookieSize), "back")
		}
		r.freeDirectMapped(ext)
		return
	}

	ref, spanOK := r.spanForAddress(slotAddr)
	if front > 0 {
		requireCookie(slotAddr+uintptr(frontCookieOffset(front)), "front")
		if spanOK {
			span := r.Span(ref)
			requireCookie(slotAddr+uintptr(span.SlotSize)-uintptr(cookieSize), "back")
		}
	}

	if front > cookieSize {
		rc := refCountAt(slotAddr)
		if !rc.MarkFreedByUser() {
			// A smart pointer is still alive; the physical free is
			// deferred to its last Release call.
			return
		}
	}

	if !spanOK {
		return
	}
	r.freeNoHooks(ref, slotAddr)
}

// frontCookieOffset is the byte offset of the front cookie within the
// front extras region: 0 when there is no ref-count, refCountSize when
// there is (the ref-count sits before the cookie, per spec.md §6.6).
func frontCookieOffset(front uint32) uint32 {
	if front > cookieSize {
		return refCountSize
	}
	return 0
}

// freeNoHooks is the physical free for a bucketed slot, once cookies and
// (if applicable) the ref-count have already cleared it for release: runs
// the PCScan quarantine hook when the partition is scannable, otherwise
// offers the slot to the installed thread cache when WithThreadCache is
// set, and otherwise returns the slot to its span's freelist immediately.
func (r *Root) freeNoHooks(ref bucket.SpanRef, slotAddr uintptr) {
	if r.scanHook != nil && r.opts.Scannable {
		r.scanHook(slotAddr, r.Span(ref).SlotSize)
		return
	}
	if r.opts.WithThreadCache && r.tcHook != nil {
		idx := bucketIndexForSlotSize(r.Span(ref).SlotSize)
		// The hook runs without the root lock, as in AllocFlags: a pending
		// purge drains through FreeNoHooksImmediate, which takes the lock.
		r.lock.Unlock()
		cached := r.tcHook.PutInCache(idx, slotAddr)
		r.lock.Lock(0)
		if cached {
			return
		}
	}
	r.physicallyFreeSlot(ref, slotAddr)
}

// physicallyFreeSlot is the terminal step PCScan's sweep also calls
// (through FreeNoHooksImmediate): push the slot
// back onto its span's freelist and promote/demote the span's list
// membership.
func (r *Root) physicallyFreeSlot(ref bucket.SpanRef, slotAddr uintptr) {
	idx := bucketIndexForSlotSize(r.Span(ref).SlotSize)
	result := r.buckets[idx].FreeSlot(r, ref, slotAddr)
	if result == bucket.BecameEmpty {
		r.registerEmptySpan(idx, ref)
	}
}

// FreeNoHooksImmediate is the hook-free physical free: pcscan's sweep calls
// it directly on every slot address that survived a scan pass as
// unreferenced, bypassing the cookie/ref-count checks that already ran
// when the slot entered quarantine. Thread-cache purges use it too.
func (r *Root) FreeNoHooksImmediate(slotAddr uintptr) {
	r.lock.Lock(0)
	defer r.lock.Unlock()
	ref, ok := r.spanForAddress(slotAddr)
	if !ok {
		return
	}
	r.physicallyFreeSlot(ref, slotAddr)
}

// SetScanHook installs the callback root.Free diverts scannable-partition
// frees through instead of an immediate physical free (package pcscan wires
// itself in here; a nil hook, the default, makes Scannable a no-op).
func (r *Root) SetScanHook(fn func(slotAddr uintptr, slotSize uint32)) {
	r.scanHook = fn
}

func (r *Root) freeAligned(addr uintptr, size sizing.Size) {
	delete(r.alignedAllocs, addr)
	rounded := sizing.RoundUpToSystemPage(size)
	r.totalCommitted -= rounded
	pages.FreePages(addr, rounded)
}

func (r *Root) freeDirectMapped(ext *directmap.Extent) {
	r.directMap.Remove(ext)
	delete(r.directMapByBase, ext.PayloadBase)
	r.totalDirectMapped -= ext.PayloadLength
	r.totalCommitted -= ext.PayloadLength
	directmap.Free(r.cage, r.opts.PoolKind, ext)
}

// registerEmptySpan appends ref to the global empty-span ring, evicting and
// decommitting the oldest entry when the ring is full (spec.md §3.4/§4.8).
func (r *Root) registerEmptySpan(bucketIdx int, ref bucket.SpanRef) {
	evicted := r.emptyRing[r.emptyRingPos]
	r.emptyRing[r.emptyRingPos] = emptyRingEntry{valid: true, bucketID: bucketIdx, ref: ref}
	r.emptyRingPos = (r.emptyRingPos + 1) % emptyRingSize

	if evicted.valid {
		r.decommitRingEntry(evicted)
	}
}

func (r *Root) decommitRingEntry(e emptyRingEntry) {
	span := r.Span(e.ref)
	if span.State != bucket.StateEmpty {
		return
	}
	if err := setSpanAccess(span.Base, r.buckets[e.bucketID].BytesPerSpan(), false); err != nil {
		return
	}
	r.buckets[e.bucketID].DecommitEmptySpan(r, e.ref)
}
