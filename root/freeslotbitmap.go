package root

import (
	"github.com/achilleasa/partitionalloc/bucket"
	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// MarkSlotAllocated implements bucket.FreeSlotBitmapStore. It is always
// safe to call: when Options.UseFreeSlotBitmap is off, or a super page has
// no bitmap yet, it is a no-op.
func (r *Root) MarkSlotAllocated(addr uintptr, slotSize uint32) {
	bm := r.freeSlotBitmapFor(addr)
	if bm == nil {
		return
	}
	if !bm.IsSlotFree(addr) {
		errors.Fatal(errors.KindFreeSlotBitmapCorruption, "bucket: free-slot bitmap already shows this slot allocated")
	}
	bm.MarkRangeAllocated(addr, slotSize)
}

// MarkSlotFree implements bucket.FreeSlotBitmapStore.
func (r *Root) MarkSlotFree(addr uintptr, slotSize uint32) {
	bm := r.freeSlotBitmapFor(addr)
	if bm == nil {
		return
	}
	if bm.IsSlotFree(addr) {
		errors.Fatal(errors.KindFreeSlotBitmapCorruption, "bucket: free-slot bitmap already shows this slot free")
	}
	bm.MarkRangeFree(addr, slotSize)
}

func (r *Root) freeSlotBitmapFor(addr uintptr) *bucket.FreeSlotBitmap {
	if r.freeSlotBitmaps == nil {
		return nil
	}
	return r.freeSlotBitmaps[sizing.AlignDown(addr, sizing.SuperPageSize)]
}
