// Package directmap implements the oversize allocation path of spec.md
// §3.8/§4.7: requests above bucket.MaxBucketedSize get a dedicated
// reservation instead of a shared slot span.
//
// Grounded on kernel/mem/pfn/bootmem_allocator.go's linear bump-allocator:
// that allocator hands out one contiguous physical range per request from
// a single reserved region, exactly the shape a direct-map extent takes
// here (one contiguous virtual reservation per oversize request, tracked
// in a flat list rather than a bucket/span hierarchy).
package directmap

import (
	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/gigacage"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Extent describes one direct-mapped reservation (spec.md §3.8). Extents
// are linked into the root's direct_map_list for reclaim traversal; unlike
// slot spans, direct-map allocations are not a hot path, so a plain
// pointer-linked list (rather than the arena-index scheme bucket uses) is
// an acceptable, simpler fit here.
type Extent struct {
	ReservationStart  uintptr
	ReservationLength sizing.Size
	PayloadBase       uintptr
	PayloadLength     sizing.Size

	Prev, Next *Extent
}

// List is the root's doubly-linked list of live direct-map extents.
type List struct {
	head *Extent
}

// Insert adds ext to the front of the list.
func (l *List) Insert(ext *Extent) {
	ext.Next = l.head
	ext.Prev = nil
	if l.head != nil {
		l.head.Prev = ext
	}
	l.head = ext
}

// Remove unlinks ext from the list.
func (l *List) Remove(ext *Extent) {
	if ext.Prev != nil {
		ext.Prev.Next = ext.Next
	} else {
		l.head = ext.Next
	}
	if ext.Next != nil {
		ext.Next.Prev = ext.Prev
	}
	ext.Prev, ext.Next = nil, nil
}

// Each calls fn for every live extent, most recently inserted first.
func (l *List) Each(fn func(ext *Extent)) {
	for e := l.head; e != nil; e = e.Next {
		fn(e)
	}
}

// GetDirectMapSize rounds requested up to the OS allocation granularity and
// adds one header super page, per spec.md §4.7.
func GetDirectMapSize(requested sizing.Size) sizing.Size {
	payload := sizing.RoundUpToSystemPage(requested)
	return sizing.SuperPageSize + payload
}

// Alloc reserves and commits a direct-map extent for a requested payload
// size, registers its super pages in the cage's reservation-offset table,
// and returns the extent. The returned PayloadBase is ready to use; the
// caller still owns extras layout (cookies, ref-count) within the payload.
func Alloc(cage *gigacage.Cage, kind gigacage.PoolKind, requested sizing.Size) (*Extent, error) {
	handle, _, _, ok := cage.Pool(kind)
	if !ok {
		errors.Fatal(errors.KindInvalidPoolHandle, "directmap: requested pool is not reserved")
	}

	payloadLen := sizing.RoundUpToSystemPage(requested)
	reservationLen := sizing.RoundUpToSuperPage(sizing.SuperPageSize + payloadLen)

	addr, ok := cage.Manager().Reserve(handle, 0, reservationLen)
	if !ok {
		return nil, errors.ErrOutOfMemory
	}

	payloadBase := addr + uintptr(sizing.SuperPageSize)
	if err := pages.SetAccess(payloadBase, payloadLen, pages.ReadWrite); err != nil {
		cage.Manager().UnreserveAndDecommit(handle, addr, reservationLen)
		return nil, errors.ErrOutOfMemory
	}

	numSuperPages := uint64(reservationLen / sizing.SuperPageSize)
	for i := uint64(0); i < numSuperPages; i++ {
		cage.SetDirectMapOffset(addr+uintptr(i*uint64(sizing.SuperPageSize)), uint32(i))
	}

	return &Extent{
		ReservationStart:  addr,
		ReservationLength: reservationLen,
		PayloadBase:       payloadBase,
		PayloadLength:     payloadLen,
	}, nil
}

// Free releases a direct-map extent's address space and clears its
// reservation-offset table entries.
func Free(cage *gigacage.Cage, kind gigacage.PoolKind, ext *Extent) {
	handle, _, _, ok := cage.Pool(kind)
	if !ok {
		errors.Fatal(errors.KindInvalidPoolHandle, "directmap: requested pool is not reserved")
	}

	numSuperPages := uint64(ext.ReservationLength / sizing.SuperPageSize)
	for i := uint64(0); i < numSuperPages; i++ {
		cage.ClearDirectMapOffset(ext.ReservationStart + uintptr(i*uint64(sizing.SuperPageSize)))
	}

	cage.Manager().UnreserveAndDecommit(handle, ext.ReservationStart, ext.ReservationLength)
}

// ReallocInPlace adjusts a direct-map extent's committed payload length
// in place when newSize still fits within the reserved extent, per spec.md
// §4.6.4's ReallocDirectMappedInPlace. ok is false if newSize exceeds the
// reservation and the caller must fall back to alloc+copy+free.
func ReallocInPlace(ext *Extent, newSize sizing.Size) (ok bool) {
	newPayload := sizing.RoundUpToSystemPage(newSize)
	maxPayload := ext.ReservationLength - sizing.SuperPageSize
	if newPayload > maxPayload {
		return false
	}

	if newPayload > ext.PayloadLength {
		growth := newPayload - ext.PayloadLength
		if err := pages.SetAccess(ext.PayloadBase+uintptr(ext.PayloadLength), growth, pages.ReadWrite); err != nil {
			return false
		}
	} else if newPayload < ext.PayloadLength {
		shrink := ext.PayloadLength - newPayload
		if _, err := pages.DecommitSystemPages(ext.PayloadBase+uintptr(newPayload), shrink); err != nil {
			return false
		}
	}

	ext.PayloadLength = newPayload
	return true
}
