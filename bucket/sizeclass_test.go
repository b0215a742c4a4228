package bucket

import "testing"

func TestSlotSizesMonotonicAndBounded(t *testing.T) {
	for i := 1; i < NumBuckets; i++ {
		if SlotSizes[i] <= SlotSizes[i-1] {
			t.Fatalf("SlotSizes[%d]=%d is not strictly greater than SlotSizes[%d]=%d", i, SlotSizes[i], i-1, SlotSizes[i-1])
		}
	}
	if SlotSizes[0] != 1<<MinBucketedOrder {
		t.Errorf("smallest slot size = %d, want %d", SlotSizes[0], uint32(1)<<MinBucketedOrder)
	}
	if SlotSizes[NumBuckets-1] != MaxBucketedSize {
		t.Errorf("largest slot size = %d, want %d", SlotSizes[NumBuckets-1], MaxBucketedSize)
	}
}

func TestSizeToBucketIndexCoversRequest(t *testing.T) {
	sizes := []uint32{1, 15, 16, 17, 31, 32, 33, 100, 1000, 1 << 16, MaxBucketedSize - 1, MaxBucketedSize}
	for _, size := range sizes {
		idx, ok := SizeToBucketIndex(size)
		if !ok {
			t.Fatalf("SizeToBucketIndex(%d) reported not-bucketed", size)
		}
		if SlotSizes[idx] < size {
			t.Errorf("SizeToBucketIndex(%d) = %d whose slot size %d is smaller than the request", size, idx, SlotSizes[idx])
		}
		if idx > 0 && SlotSizes[idx-1] >= size {
			t.Errorf("SizeToBucketIndex(%d) = %d is not the tightest fit: slot %d (size %d) also fits", size, idx, idx-1, SlotSizes[idx-1])
		}
	}
}

func TestSizeToBucketIndexRejectsOversize(t *testing.T) {
	if _, ok := SizeToBucketIndex(MaxBucketedSize + 1); ok {
		t.Error("expected a request above MaxBucketedSize to be rejected")
	}
}
