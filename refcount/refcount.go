// Package refcount implements the BackupRefPtr contract of spec.md §6.6: a
// fixed-offset per-slot reference count that lets a smart-pointer front end
// keep a slot alive past the user's logical Free until every reference
// drops, without ever physically freeing it twice.
//
// Grounded on kernel/error.go's sentinel-value pattern (a small fixed set
// of named failure states checked with plain comparisons) applied here to
// the ref-count state machine instead of to syscall results.
package refcount

import (
	"sync/atomic"

	"github.com/achilleasa/partitionalloc/errors"
)

// RefCount is embedded at a fixed offset inside a BRP-eligible slot. The
// zero value is ready to use: no extra references held, not yet freed.
type RefCount struct {
	extraRefs      int32
	freedByUser    uint32
	physicallyFreed uint32
}

// Acquire registers one new smart-pointer reference (AcquireInternal).
func (r *RefCount) Acquire() {
	atomic.AddInt32(&r.extraRefs, 1)
}

// Release drops one smart-pointer reference (ReleaseInternal). It reports
// whether this was the last reference AND the user has already logically
// freed the slot — in which case the caller must physically free it via
// FreeForRefCounting.
func (r *RefCount) Release() (shouldPhysicallyFree bool) {
	n := atomic.AddInt32(&r.extraRefs, -1)
	if n < 0 {
		errors.Fatal(errors.KindRefCountUnderflow, "refcount: Release called without a matching Acquire")
	}
	return n == 0 && atomic.LoadUint32(&r.freedByUser) == 1
}

// IsAlive reports whether the user has not yet called Free on this slot
// (IsPointeeAlive).
func (r *RefCount) IsAlive() bool {
	return atomic.LoadUint32(&r.freedByUser) == 0
}

// MarkFreedByUser records that root.Free was called on this slot. It
// reports whether there are no outstanding smart-pointer references, in
// which case the caller should proceed to physically free the slot via
// FreeForRefCounting. Calling it twice is a double free.
func (r *RefCount) MarkFreedByUser() (shouldPhysicallyFree bool) {
	if !atomic.CompareAndSwapUint32(&r.freedByUser, 0, 1) {
		errors.Fatal(errors.KindDoubleFree, "refcount: slot was already logically freed")
	}
	return atomic.LoadInt32(&r.extraRefs) == 0
}

// FreeForRefCounting claims the right to physically free this slot. It is
// idempotent with respect to how many times root.Free and Release jointly
// decide the slot is ready: only the first caller gets true.
func (r *RefCount) FreeForRefCounting() (claimed bool) {
	return atomic.CompareAndSwapUint32(&r.physicallyFreed, 0, 1)
}
