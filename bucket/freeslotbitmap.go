package bucket

import "github.com/achilleasa/partitionalloc/internal/sizing"

// FreeSlotBitmapGranularity is the smallest slot size the bitmap tracks
// individually, per original_source/freeslot_bitmap.h: every bit covers one
// granularity-sized quantum of a super page's payload, so a slot smaller
// than this is impossible (the smallest bucket is already this size or a
// multiple of it) and a slot covers a contiguous run of bits.
const FreeSlotBitmapGranularity = 16

// FreeSlotBitmap is the per-super-page structure USE_FREESLOT_BITMAP adds
// (spec.md §6.2): a bit per FreeSlotBitmapGranularity-sized quantum of the
// super page's payload, set while the covered slot is free and clear while
// it is allocated. It exists purely as a cross-check alongside the encoded
// freelist (package freelist): a slot that FreeSlot marks allocated but
// AllocSlot's bitmap already shows allocated, or vice versa, means the
// freelist and the bitmap have diverged, which is freelist corruption by a
// different name and is reported the same way.
type FreeSlotBitmap struct {
	base  uintptr
	words []uint64
}

// NewFreeSlotBitmap allocates a bitmap covering one super page rooted at
// base. Every bit starts set (free): a fresh super page's payload is raw
// unprovisioned memory, and MarkRangeAllocated only clears bits as
// allocFromSpan's bump-provisioning path actually carves a slot out of it.
func NewFreeSlotBitmap(base uintptr) *FreeSlotBitmap {
	nBits := int(sizing.SuperPageSize / FreeSlotBitmapGranularity)
	words := make([]uint64, (nBits+63)/64)
	for i := range words {
		words[i] = ^uint64(0)
	}
	return &FreeSlotBitmap{base: base, words: words}
}

func (fb *FreeSlotBitmap) bitRange(addr uintptr, slotSize uint32) (first, count int) {
	offset := addr - fb.base
	first = int(offset / FreeSlotBitmapGranularity)
	count = int((sizing.Size(slotSize) + FreeSlotBitmapGranularity - 1) / FreeSlotBitmapGranularity)
	if count < 1 {
		count = 1
	}
	return first, count
}

func (fb *FreeSlotBitmap) testBit(i int) bool {
	return fb.words[i/64]&(uint64(1)<<uint(i%64)) != 0
}

func (fb *FreeSlotBitmap) setBit(i int) {
	fb.words[i/64] |= uint64(1) << uint(i%64)
}

func (fb *FreeSlotBitmap) clearBit(i int) {
	fb.words[i/64] &^= uint64(1) << uint(i%64)
}

// IsSlotFree reports whether the bit covering addr's first quantum is set.
// Only the lead bit is consulted, matching original_source's "the bitmap
// only needs to answer for a slot's starting address" usage: a mid-slot
// address is never an argument anywhere this type is called from.
func (fb *FreeSlotBitmap) IsSlotFree(addr uintptr) bool {
	first, _ := fb.bitRange(addr, 0)
	return fb.testBit(first)
}

// MarkRangeFree sets every bit addr's slot covers, used when a slot is
// freed. A freshly created bitmap already has every bit set.
func (fb *FreeSlotBitmap) MarkRangeFree(addr uintptr, slotSize uint32) {
	first, count := fb.bitRange(addr, slotSize)
	for i := first; i < first+count; i++ {
		fb.setBit(i)
	}
}

// MarkRangeAllocated clears every bit addr's slot covers.
func (fb *FreeSlotBitmap) MarkRangeAllocated(addr uintptr, slotSize uint32) {
	first, count := fb.bitRange(addr, slotSize)
	for i := first; i < first+count; i++ {
		fb.clearBit(i)
	}
}

// FreeSlotBitmapStore is implemented by a SpanStore that also maintains one
// FreeSlotBitmap per super page (root does, when Options.UseFreeSlotBitmap
// is set). AllocSlot and FreeSlot consult it through this interface rather
// than a direct dependency so bucket never imports root; a store that
// doesn't implement it (or a root with the feature flag off) simply skips
// the cross-check, the same way root's ThreadCacheHook and scan hook keep
// root free of imports of threadcache and pcscan.
type FreeSlotBitmapStore interface {
	MarkSlotAllocated(addr uintptr, slotSize uint32)
	MarkSlotFree(addr uintptr, slotSize uint32)
}
