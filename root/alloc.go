package root

import (
	"unsafe"

	"github.com/achilleasa/partitionalloc/bucket"
	"github.com/achilleasa/partitionalloc/directmap"
	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
	"github.com/achilleasa/partitionalloc/refcount"
)

// zeroRefCount is the ready-to-use RefCount value written into a fresh
// BRP-eligible slot's extras.
var zeroRefCount refcount.RefCount

func zeroBytes(addr uintptr, n sizing.Size) {
	b := byteSliceAt(addr, int(n))
	for i := range b {
		b[i] = 0
	}
}

func setSpanAccess(addr uintptr, length sizing.Size, readWrite bool) error {
	prot := pages.Inaccessible
	if readWrite {
		prot = pages.ReadWrite
	}
	return pages.SetAccess(addr, length, prot)
}

// AllocFlags carries the per-call request modifiers of spec.md §6.4.
type AllocFlags struct {
	// ReturnNull makes Alloc return (0, ErrOutOfMemory) on exhaustion
	// instead of crashing via errors.Fatal.
	ReturnNull bool
	// Zero requests a zero-filled slot (mmap already zeroes fresh pages;
	// this only matters for a slot recycled off a freelist).
	Zero bool
}

// Alloc is AllocFlags{} with size requested directly (spec.md §6.4's
// common-case entry point).
func (r *Root) Alloc(size sizing.Size) (uintptr, error) {
	return r.AllocFlags(size, AllocFlags{})
}

// AllocFlags is the full allocation entry point (spec.md §4.6.1-§4.6.3):
// compute extras, route to the bucket table or the direct-map path, and
// return the address of the user's payload (after any front extras).
func (r *Root) AllocFlags(size sizing.Size, flags AllocFlags) (uintptr, error) {
	front, back := r.extrasSize()
	total := uint64(size) + uint64(front) + uint64(back)
	if total < uint64(size) {
		return r.fail(flags, errors.ErrInvalidParamValue)
	}

	if total > uint64(bucket.MaxBucketedSize) {
		r.lock.Lock(0)
		defer r.lock.Unlock()
		return r.allocDirectMapped(sizing.Size(total), front, size, flags)
	}

	idx, ok := bucket.SizeToBucketIndex(uint32(total))
	if !ok {
		return r.fail(flags, errors.ErrInvalidParamValue)
	}

	// The thread-cache hook is consulted outside the root lock: on a
	// miss its own batch refill (AllocRawSlots) acquires the lock
	// itself, which would deadlock against a lock already held here.
	if r.opts.WithThreadCache && r.tcHook != nil {
		if slotAddr, hit := r.tcHook.GetFromCache(idx); hit {
			return r.finishAlloc(slotAddr, front, size, flags), nil
		}
	}

	r.lock.Lock(0)
	defer r.lock.Unlock()
	slotAddr, err := r.allocRawSlotLocked(idx)
	if err != nil {
		return r.fail(flags, err)
	}

	return r.finishAlloc(slotAddr, front, size, flags), nil
}

// allocRawSlotLocked is the bucket-table slow path shared by AllocFlags'
// cache-miss case and AllocRawSlots: pull a free slot, provisioning a fresh
// span from the super-page arena exactly once if the bucket's lists are
// all empty.
func (r *Root) allocRawSlotLocked(bucketIdx int) (uintptr, error) {
	slotAddr, _, ok := r.buckets[bucketIdx].AllocSlot(r, r.recommitSpan)
	if !ok {
		if _, err := r.provisionSpan(bucketIdx); err != nil {
			return 0, err
		}
		slotAddr, _, ok = r.buckets[bucketIdx].AllocSlot(r, r.recommitSpan)
		if !ok {
			return 0, errors.ErrOutOfMemory
		}
	}
	return slotAddr, nil
}

// AllocRawSlots batch-allocates up to n raw slots of bucketIdx under a
// single root-lock acquisition, per spec.md §4.8.2's fill policy: "batch-
// allocate L_i / kBatchFillRatio slots under a single root-lock
// acquisition; any nulls from a failing under-pressure root abort the
// batch." Returns as many slots as it managed to allocate before the first
// failure, which may be fewer than n (including zero) if the root is under
// memory pressure.
func (r *Root) AllocRawSlots(bucketIdx int, n int) []uintptr {
	r.lock.Lock(0)
	defer r.lock.Unlock()
	slots := make([]uintptr, 0, n)
	for i := 0; i < n; i++ {
		slotAddr, err := r.allocRawSlotLocked(bucketIdx)
		if err != nil {
			break
		}
		slots = append(slots, slotAddr)
	}
	return slots
}

// BucketIndexForTotal exposes the bucket-table size-class lookup for
// callers outside this package that need to classify a total (payload plus
// extras) size the same way AllocFlags does.
func (r *Root) BucketIndexForTotal(total uint32) (int, bool) {
	return bucket.SizeToBucketIndex(total)
}

// finishAlloc writes the requested extras around the slot and returns the
// address the caller sees: slotAddr + front.
func (r *Root) finishAlloc(slotAddr uintptr, front uint32, requestedSize sizing.Size, flags AllocFlags) uintptr {
	if front > 0 {
		if front > cookieSize {
			// BRP layout: ref-count first, then cookie.
			*refCountAt(slotAddr) = zeroRefCount
			writeCookie(slotAddr + uintptr(refCountSize))
		} else {
			writeCookie(slotAddr)
		}
	}
	userAddr := slotAddr + uintptr(front)
	if front > 0 {
		// The back cookie sits at the end of the slot, where Free checks it.
		_, back := r.extrasSize()
		idx, _ := bucket.SizeToBucketIndex(uint32(requestedSize) + front + back)
		writeCookie(slotAddr + uintptr(bucket.SlotSizes[idx]) - uintptr(cookieSize))
	}
	if flags.Zero {
		zeroBytes(userAddr, requestedSize)
	}
	if r.opts.Scannable && r.allocHook != nil {
		r.allocHook(userAddr, uint32(requestedSize))
	}
	return userAddr
}

// allocDirectMapped services an allocation too large for any bucket via
// package directmap, tracked in r.directMapByBase so Free/Realloc can find
// it again from the user-visible address.
func (r *Root) allocDirectMapped(total sizing.Size, front uint32, requestedSize sizing.Size, flags AllocFlags) (uintptr, error) {
	ext, err := directmap.Alloc(r.cage, r.opts.PoolKind, total)
	if err != nil {
		return r.fail(flags, err)
	}
	r.directMap.Insert(ext)
	r.directMapByBase[ext.PayloadBase] = ext
	r.totalDirectMapped += ext.PayloadLength
	r.totalCommitted += ext.PayloadLength

	userAddr := ext.PayloadBase + uintptr(front)
	if front > 0 {
		if front > cookieSize {
			*refCountAt(ext.PayloadBase) = zeroRefCount
			writeCookie(ext.PayloadBase + uintptr(refCountSize))
		} else {
			writeCookie(ext.PayloadBase)
		}
		writeCookie(ext.PayloadBase + uintptr(ext.PayloadLength) - uintptr(cookieSize))
	}
	// Fresh direct-map pages are already zero from the kernel, so
	// flags.Zero needs no extra work here.
	return userAddr, nil
}

// recommitSpan re-grants read/write access to a decommitted span's pages
// before it is handed back out, per spec.md §4.6.4's empty-to-active and
// decommitted-to-active promotion paths.
func (r *Root) recommitSpan(ref bucket.SpanRef) error {
	span := r.Span(ref)
	systemPages := r.buckets[bucketIndexForSlotSize(span.SlotSize)].SystemPagesPerSpan
	return setSpanAccess(span.Base, sizing.Size(systemPages)*sizing.SystemPageSize, true)
}

// AlignedAllocFlags services an over-aligned request outside GigaCage
// entirely (spec.md §4.6.5): cookies would shift the returned address away
// from the requested alignment, so extras are always forced off here,
// regardless of the root's own AllowExtras option. Callers' smart-pointer
// front ends can tell such an allocation apart from a normal one by the
// simple fact that it fails the GigaCage pool-membership test.
func (r *Root) AlignedAllocFlags(alignment sizing.Size, size sizing.Size, flags AllocFlags) (uintptr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 || alignment < sizing.Size(unsafe.Sizeof(uintptr(0))) {
		return 0, errors.ErrInvalidAlignment
	}

	r.lock.Lock(0)
	defer r.lock.Unlock()

	addr, err := pages.AllocPages(0, sizing.RoundUpToSystemPage(size), alignment, pages.ReadWrite, flags.ReturnNull)
	if err != nil {
		return r.fail(flags, err)
	}
	r.alignedAllocs[addr] = size
	r.totalCommitted += sizing.RoundUpToSystemPage(size)
	if flags.Zero {
		// AllocPages already returns zeroed pages on every supported
		// platform; nothing further to do.
	}
	return addr, nil
}

func bucketIndexForSlotSize(slotSize uint32) int {
	for i, s := range bucket.SlotSizes {
		if s == slotSize {
			return i
		}
	}
	return 0
}

func (r *Root) fail(flags AllocFlags, err error) (uintptr, error) {
	if flags.ReturnNull {
		return 0, err
	}
	errors.Fatal(errors.KindOutOfMemory, "root: allocation failed and ReturnNull was not set: "+err.Error())
	return 0, err
}
