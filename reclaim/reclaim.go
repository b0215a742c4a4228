// Package reclaim implements the process-wide memory reclaimer of
// spec.md §4.9: a periodic background task that walks every registered
// root and asks it to decommit empty slot spans and discard unused system
// pages, trading a little CPU for lower resident memory.
package reclaim

import (
	"context"
	"sync"
	"time"

	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/root"
	"golang.org/x/sync/errgroup"
)

// interval is the reclaim cadence of spec.md §4.9: observed purge duration
// is 100us-1ms per root, and four seconds strikes the balance of RSS
// savings against CPU cost.
const interval = 4 * time.Second

type rootSet struct {
	mu    sync.Mutex
	roots map[*root.Root]struct{}
}

func newRootSet() rootSet {
	return rootSet{roots: make(map[*root.Root]struct{})}
}

func (s *rootSet) add(r *root.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[r] = struct{}{}
}

func (s *rootSet) remove(r *root.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roots, r)
}

func (s *rootSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roots)
}

// snapshot copies the current member set and releases the lock before
// returning, so a long-running purge never holds rootSet.mu — spec.md §5's
// "Reclaimer lock: protects root sets; released before any PurgeMemory" — and
// a root may safely Unregister while a purge of an earlier snapshot is still
// in flight.
func (s *rootSet) snapshot() []*root.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*root.Root, 0, len(s.roots))
	for r := range s.roots {
		out = append(out, r)
	}
	return out
}

// Reclaimer is the process-wide singleton of spec.md §4.9. The zero value
// is not ready to use; construct one with New.
type Reclaimer struct {
	threadSafe   rootSet
	threadUnsafe rootSet

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs an empty Reclaimer.
func New() *Reclaimer {
	return &Reclaimer{
		threadSafe:   newRootSet(),
		threadUnsafe: newRootSet(),
	}
}

// Register adds r to the thread-safe or thread-unsafe set. Registering the
// same root twice in the same set is a no-op (map membership), matching
// spec.md §4.9's "enforce uniqueness per set".
func (rc *Reclaimer) Register(r *root.Root, threadSafe bool) {
	if threadSafe {
		rc.threadSafe.add(r)
	} else {
		rc.threadUnsafe.add(r)
	}
}

// Unregister removes r from whichever set it was registered in.
func (rc *Reclaimer) Unregister(r *root.Root, threadSafe bool) {
	if threadSafe {
		rc.threadSafe.remove(r)
	} else {
		rc.threadUnsafe.remove(r)
	}
}

// Start records a repeating interval timer that invokes Reclaim, supervised
// by an errgroup so its terminal error (only ever ctx.Err() on shutdown) is
// observable by Wait. It crashes if no thread-safe root is registered, per
// spec.md §8.6 ("Start on an empty set crashes") — only thread-safe roots
// can tolerate a reclaim running concurrently with their own traffic.
func (rc *Reclaimer) Start(ctx context.Context) {
	if rc.threadSafe.len() == 0 {
		errors.NotReached("reclaim: Start called with no thread-safe roots registered")
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cancel != nil {
		return // already started
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	rc.cancel = cancel
	rc.group = g

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				rc.Reclaim()
			}
		}
	})
}

// Reclaim runs one purge pass over every registered root (thread-safe and
// thread-unsafe alike): spec.md §4.9's `PurgeMemory(DecommitEmptyPages |
// DiscardUnusedSystemPages)` on each.
func (rc *Reclaimer) Reclaim() {
	for _, r := range rc.threadSafe.snapshot() {
		r.PurgeMemory(root.DecommitEmptyPages | root.DiscardUnusedSystemPages)
	}
	for _, r := range rc.threadUnsafe.snapshot() {
		r.PurgeMemory(root.DecommitEmptyPages | root.DiscardUnusedSystemPages)
	}
}

// ResetForTesting cancels any running timer and clears both root sets,
// leaving rc as if freshly constructed.
func (rc *Reclaimer) ResetForTesting() {
	rc.mu.Lock()
	if rc.cancel != nil {
		rc.cancel()
		rc.cancel = nil
	}
	g := rc.group
	rc.group = nil
	rc.mu.Unlock()

	if g != nil {
		_ = g.Wait()
	}

	rc.threadSafe = newRootSet()
	rc.threadUnsafe = newRootSet()
}
