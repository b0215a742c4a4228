package pcscan

import "github.com/achilleasa/partitionalloc/internal/sizing"

// cardSize is the granularity of the card table's dirtiness bits: one
// system page, per PA_STARSCAN_USE_CARD_TABLE (spec.md §6.2). It is coarser
// than quarantineAlignment on purpose — the card table's only job is to let
// runScan skip a whole untouched region of a super page, not to pinpoint
// individual objects the way the quarantine bitmaps do.
const cardSize = sizing.SystemPageSize

// cardTable is the per-super-page "hint of dirtiness" spec.md §3.6 and
// bucket.SlotSpan's now-retired Dirty field described: a card's bit is set
// whenever root's alloc hook reports a write-eligible allocation landed
// inside it, and cleared once runScan has word-scanned that card, so the
// next round only re-examines cards touched since.
type cardTable struct {
	base  uintptr
	words []uint64
}

func newCardTable(base uintptr) *cardTable {
	nBits := int(sizing.SuperPageSize / cardSize)
	return &cardTable{base: base, words: make([]uint64, (nBits+63)/64)}
}

func (c *cardTable) index(addr uintptr) int {
	return int(addr-c.base) / int(cardSize)
}

func (c *cardTable) set(i int) {
	c.words[i/64] |= uint64(1) << uint(i%64)
}

func (c *cardTable) clear(i int) {
	c.words[i/64] &^= uint64(1) << uint(i%64)
}

func (c *cardTable) test(i int) bool {
	return c.words[i/64]&(uint64(1)<<uint(i%64)) != 0
}

// markDirty sets the bit of every card the half-open byte range
// [addr, addr+length) overlaps.
func (c *cardTable) markDirty(addr uintptr, length int) {
	if length <= 0 {
		length = 1
	}
	first := c.index(addr)
	last := c.index(addr + uintptr(length) - 1)
	for i := first; i <= last; i++ {
		c.set(i)
	}
}
