package root

import (
	"github.com/achilleasa/partitionalloc/directmap"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Realloc resizes a previous allocation, preferring an in-place resize
// (spec.md §4.6's Realloc contract) and falling back to alloc+copy+free
// when the current slot/extent cannot hold newSize.
func (r *Root) Realloc(addr uintptr, newSize sizing.Size) (uintptr, error) {
	if addr == 0 {
		return r.Alloc(newSize)
	}
	if newSize == 0 {
		r.Free(addr)
		return 0, nil
	}

	if newAddr, ok := r.TryRealloc(addr, newSize); ok {
		return newAddr, nil
	}

	newAddr, err := r.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	oldSize := r.ActualSize(addr)
	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	copyBytes(newAddr, addr, copySize)
	r.Free(addr)
	return newAddr, nil
}

// TryRealloc attempts the in-place cases only: a bucketed slot whose
// current slot size already fits newSize (no move needed, since slot sizes
// are quantized), or a direct-map extent that directmap.ReallocInPlace can
// grow/shrink without relocating. ok is false when the caller must fall
// back to alloc+copy+free.
func (r *Root) TryRealloc(addr uintptr, newSize sizing.Size) (uintptr, bool) {
	r.lock.Lock(0)
	defer r.lock.Unlock()

	if _, ok := r.alignedAllocs[addr]; ok {
		// AlignedAllocFlags allocations never resize in place: shrinking
		// or growing could violate the caller's requested alignment.
		return 0, false
	}

	front, back := r.extrasSize()
	slotAddr := addr - uintptr(front)

	if ext, ok := r.directMapByBase[slotAddr]; ok {
		requested := sizing.RoundUpToSystemPage(sizing.Size(newSize) + sizing.Size(front) + sizing.Size(back))
		if directmap.ReallocInPlace(ext, requested) {
			r.totalDirectMapped = r.totalDirectMapped - ext.PayloadLength + requested
			if front > 0 {
				writeCookie(ext.PayloadBase + uintptr(ext.PayloadLength) - uintptr(cookieSize))
			}
			return addr, true
		}
		return 0, false
	}

	ref, ok := r.spanForAddress(slotAddr)
	if !ok {
		return 0, false
	}
	span := r.Span(ref)
	needed := uint64(newSize) + uint64(front) + uint64(back)
	if needed > uint64(span.SlotSize) {
		return 0, false
	}
	// Requesting a size so much smaller that a lower bucket would serve
	// it is intentionally not treated as a resize: spec.md does not
	// require shrink-to-smaller-bucket, and staying in the current slot
	// avoids an unnecessary copy.
	if front > 0 {
		writeCookie(slotAddr + uintptr(span.SlotSize) - uintptr(cookieSize))
	}
	return addr, true
}

// ActualSize reports the usable payload size of the slot/extent backing
// addr: the slot size (minus extras) for a bucketed allocation, or the
// committed payload length (minus extras) for a direct-mapped one.
func (r *Root) ActualSize(addr uintptr) sizing.Size {
	r.lock.Lock(0)
	defer r.lock.Unlock()

	if size, ok := r.alignedAllocs[addr]; ok {
		return sizing.RoundUpToSystemPage(size)
	}

	front, back := r.extrasSize()
	slotAddr := addr - uintptr(front)

	if ext, ok := r.directMapByBase[slotAddr]; ok {
		return ext.PayloadLength - sizing.Size(front) - sizing.Size(back)
	}
	if ref, ok := r.spanForAddress(slotAddr); ok {
		span := r.Span(ref)
		return sizing.Size(span.SlotSize) - sizing.Size(front) - sizing.Size(back)
	}
	return 0
}

func copyBytes(dst, src uintptr, n sizing.Size) {
	d := byteSliceAt(dst, int(n))
	s := byteSliceAt(src, int(n))
	copy(d, s)
}
