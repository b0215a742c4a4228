package pcscan

import "sync/atomic"

// minQuarantineSizeLimit is kQuarantineSizeMinLimit: spec.md §4.11.3 names
// the constant but leaves its value to the implementation. 1 MiB is picked
// as a conservative floor — small enough that a lightly-loaded partition
// still gets occasional scans, large enough that a handful of tiny frees
// don't trigger a scan task per free.
const minQuarantineSizeLimit = 1 << 20

// QuarantineData is the scheduler's shared counters, per spec.md §3.10:
// current_size and size_limit are touched from any mutator goroutine via
// MoveToQuarantine, so both are atomics; lastSize is scanner-local and only
// ever touched from inside a scan, which the single in_progress_ guard
// ensures can't overlap with itself.
type QuarantineData struct {
	currentSize atomic.Uint64
	sizeLimit   atomic.Uint64
	lastSize    uint64
}

func newQuarantineData() *QuarantineData {
	d := &QuarantineData{}
	d.sizeLimit.Store(minQuarantineSizeLimit)
	return d
}

// accountFreed implements LimitBackend.AccountFreed (spec.md §4.11.3):
// add bytes to current_size and report whether the new total has crossed
// size_limit, meaning the caller should request a scan.
func (d *QuarantineData) accountFreed(bytes uint32) (crossedLimit bool) {
	newSize := d.currentSize.Add(uint64(bytes))
	return newSize >= d.sizeLimit.Load()
}

// scanStarted implements LimitBackend.ScanStarted: snapshot current_size
// into last_size and zero current_size for the next accumulation window.
func (d *QuarantineData) scanStarted() {
	d.lastSize = d.currentSize.Swap(0)
}

// updateScheduleAfterScan implements LimitBackend.UpdateScheduleAfterScan:
// recompute size_limit as the larger of the hard floor and 10% of the
// partition's committed heap (spec.md §4.11.3's "fraction rule").
func (d *QuarantineData) updateScheduleAfterScan(committedHeapBytes uint64) {
	limit := committedHeapBytes / 10
	if limit < minQuarantineSizeLimit {
		limit = minQuarantineSizeLimit
	}
	d.sizeLimit.Store(limit)
}
