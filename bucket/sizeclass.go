package bucket

import (
	"math/bits"

	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Size-class geometry (spec.md §3.5, §4.6.1): slot sizes increase in steps
// small enough to bound worst-case internal fragmentation, covering every
// order of magnitude up to MaxBucketedSize. Requests above that go through
// package directmap instead.
const (
	// MinBucketedOrder is the smallest representable order: 1<<4 == 16
	// bytes, the minimum size that fits a freelist.Entry (two words).
	MinBucketedOrder = 4
	// MaxBucketedOrder bounds bucketed allocations at 1<<20 == 1 MiB.
	MaxBucketedOrder = 20
	// stepsPerOrderBits is log2(steps taken to cover one power-of-two
	// order); 8 steps bounds waste at one step (1/8 of the bucket's
	// slot size, ~12.5%) — close to spec.md §3.5's "~10%" target.
	stepsPerOrderBits = 3
	stepsPerOrder     = 1 << stepsPerOrderBits

	// MaxBucketedSize is the largest size handled by a bucket; anything
	// larger takes the direct-map path.
	MaxBucketedSize = uint32(1) << MaxBucketedOrder

	// NumBuckets is the number of size classes spanning
	// [1<<MinBucketedOrder, 1<<MaxBucketedOrder].
	NumBuckets = (MaxBucketedOrder-MinBucketedOrder)*stepsPerOrder + 1
)

// SlotSizes is the ascending table of every bucket's slot size, indexed by
// bucket index.
var SlotSizes [NumBuckets]uint32

// baseIndexForOrder returns the bucket index of the first (smallest) slot
// size belonging to order e, e in (MinBucketedOrder, MaxBucketedOrder].
// Bucket 0 is reserved for the single smallest size class.
func baseIndexForOrder(e int) int {
	return 1 + (e-MinBucketedOrder-1)*stepsPerOrder
}

func init() {
	SlotSizes[0] = uint32(1) << MinBucketedOrder

	for e := MinBucketedOrder + 1; e <= MaxBucketedOrder; e++ {
		osHalf := uint32(1) << (e - 1)
		step := osHalf >> stepsPerOrderBits
		base := baseIndexForOrder(e)
		for k := 1; k <= stepsPerOrder; k++ {
			SlotSizes[base+k-1] = osHalf + uint32(k)*step
		}
	}
}

// SizeToBucketIndex maps a raw allocation size (already adjusted for
// extras) to a bucket index via the order of size-1 and its position
// within that order's steps: the bit length of size-1 (bits.Len32) and a
// ceiling division by that order's step size. Sizes
// above MaxBucketedSize return (0, false): the caller must route those
// through directmap instead.
func SizeToBucketIndex(size uint32) (int, bool) {
	if size == 0 {
		size = 1
	}
	if size > MaxBucketedSize {
		return 0, false
	}

	minBase := uint32(1) << MinBucketedOrder
	if size <= minBase {
		return 0, true
	}

	// e is the order such that osHalf < size <= 2*osHalf, found as the
	// bit length of size-1.
	e := bits.Len32(size - 1)
	osHalf := uint32(1) << (e - 1)
	step := osHalf >> stepsPerOrderBits

	k := (size - osHalf + step - 1) / step // ceiling division
	idx := baseIndexForOrder(e) + int(k) - 1
	return idx, true
}

// SystemPagesForSpan picks how many system pages make up one slot span of
// the given slot size: starting from one partition page, it grows the span
// one partition page at a time until the bytes left after the last whole
// slot are at most 1/20 of the span, or the span reaches SuperPageSize.
func SystemPagesForSpan(slotSize uint32) uint32 {
	partitionPages := sizing.PartitionPageSize / sizing.SystemPageSize
	spanBytes := sizing.Size(partitionPages) * sizing.SystemPageSize
	for spanBytes%sizing.Size(slotSize) > spanBytes/20 && spanBytes < sizing.SuperPageSize {
		spanBytes += sizing.Size(partitionPages) * sizing.SystemPageSize
	}
	return uint32(spanBytes / sizing.SystemPageSize)
}
