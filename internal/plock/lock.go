// Package plock implements the partition lock of spec.md §4.5: an ordinary
// mutex plus reentrancy detection for when this allocator is acting as the
// process's malloc. It is adapted from gopher-os's kernel/sync.Spinlock
// (atomic-CAS acquire/release) with the reentrancy-owner field spec.md
// describes layered on top, since a freestanding kernel never runs as a
// process malloc and so never needed it.
package plock

import (
	"sync"
	"sync/atomic"

	"github.com/achilleasa/partitionalloc/errors"
)

// noopGoroutineID is used when reentrancy detection is disabled (the
// default); a Lock never compares the caller's id against it.
const noopGoroutineID = 0

// Lock is a partition-root-wide mutex. The zero value is ready to use,
// matching spec.md §4.5's "static-initialization safety" never-destroyed-
// wrapper requirement: a Lock embedded by value in a root that outlives
// Go's own init order is always valid.
type Lock struct {
	mu sync.Mutex

	// owner holds an opaque, non-zero identifier for the goroutine
	// currently holding the lock, or 0 when free. It is read outside the
	// mutex by TryLock's reentrancy check, so all access is atomic.
	owner uint64

	// reentrancyCheck, when true, makes Lock crash instead of blocking
	// when the same caller-supplied id tries to reacquire the lock. This
	// mirrors the DCHECK-build-only behavior of spec.md §4.5; it is
	// opt-in here because only a root configured as the process malloc
	// needs it (plain library use of this package tolerates recursive
	// same-goroutine locking patterns that would otherwise be fine).
	reentrancyCheck bool
}

// EnableReentrancyDetection turns on the same-caller relock crash. Call
// once during root construction.
func (l *Lock) EnableReentrancyDetection() {
	l.reentrancyCheck = true
}

// Lock acquires the lock, blocking until it is available. callerID must be
// a non-zero value stable for the duration of the critical section (e.g. a
// goroutine-local id stashed by the caller); when reentrancy detection is
// enabled and the lock is already held by the same callerID, Lock crashes
// instead of deadlocking, per spec.md §4.5 and §7's "Reentrancy into root
// lock" row.
func (l *Lock) Lock(callerID uint64) {
	if l.reentrancyCheck && callerID != noopGoroutineID {
		if atomic.LoadUint64(&l.owner) == callerID {
			errors.Fatal(errors.KindReentrancy, "partition lock: same-thread reentrancy detected")
		}
	}
	l.mu.Lock()
	atomic.StoreUint64(&l.owner, callerID)
}

// TryLock attempts to acquire the lock without blocking. It returns false
// if the lock is currently held. If reentrancy detection is enabled and the
// lock is held by callerID itself, it crashes rather than returning false,
// since a caller that immediately retries on failure would otherwise
// deadlock or recurse.
func (l *Lock) TryLock(callerID uint64) bool {
	if l.reentrancyCheck && callerID != noopGoroutineID {
		if atomic.LoadUint64(&l.owner) == callerID {
			errors.Fatal(errors.KindReentrancy, "partition lock: same-thread reentrancy detected")
		}
	}
	if !l.mu.TryLock() {
		return false
	}
	atomic.StoreUint64(&l.owner, callerID)
	return true
}

// Unlock releases the lock. Calling Unlock on a lock not held by the
// caller is a programming error, exactly as with sync.Mutex.
func (l *Lock) Unlock() {
	atomic.StoreUint64(&l.owner, noopGoroutineID)
	l.mu.Unlock()
}
