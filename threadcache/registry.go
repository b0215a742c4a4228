package threadcache

import (
	"sync"

	"github.com/achilleasa/partitionalloc/root"
)

// Registry is the process-wide ThreadCacheRegistry of spec.md §3.9/§4.8: a
// doubly-linked list of live thread caches guarded by its own lock, held
// separately from any root's lock so a registry-wide operation never waits
// on allocator traffic.
type Registry struct {
	mu   sync.Mutex
	head *ThreadCache
}

// NewRegistry constructs an empty registry. A process typically keeps one;
// tests construct their own to avoid cross-test interference.
func NewRegistry() *Registry {
	return &Registry{}
}

func (reg *Registry) register(tc *ThreadCache) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	tc.next = reg.head
	if reg.head != nil {
		reg.head.prev = tc
	}
	tc.prev = nil
	reg.head = tc
}

func (reg *Registry) unregister(tc *ThreadCache) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if tc.prev != nil {
		tc.prev.next = tc.next
	} else if reg.head == tc {
		reg.head = tc.next
	}
	if tc.next != nil {
		tc.next.prev = tc.prev
	}
	tc.prev, tc.next = nil, nil
}

// DumpStats accumulates Stats across every registered thread cache.
// myThreadOnly mirrors spec.md §4.8's signature but has no effect here: Go
// has nothing corresponding to "the calling thread's own cache" to single
// out, since a ThreadCache is an explicit handle rather than implicit TLS
// state.
func (reg *Registry) DumpStats(myThreadOnly bool) Stats {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var total Stats
	for tc := reg.head; tc != nil; tc = tc.next {
		s := tc.stats()
		total.CachedSlots += s.CachedSlots
	}
	return total
}

// PurgeAll implements spec.md §4.8's registry-wide purge: every cache other
// than caller is asked to purge lazily via SetShouldPurge (it may be busy on
// another goroutine right now), while caller — if non-nil and registered —
// is drained synchronously before PurgeAll returns, so its bucket counts are
// already empty by the time the caller observes it.
func (reg *Registry) PurgeAll(caller *ThreadCache) {
	reg.mu.Lock()
	caches := make([]*ThreadCache, 0, 4)
	for tc := reg.head; tc != nil; tc = tc.next {
		caches = append(caches, tc)
	}
	reg.mu.Unlock()

	for _, tc := range caches {
		if tc == caller {
			continue
		}
		tc.SetShouldPurge()
	}
	if caller != nil {
		caller.Purge()
	}
}

// DumpThreadCacheStats implements root.ExtendedAPIHook by delegating to
// DumpStats and translating the result into root's decoupled summary type.
func (reg *Registry) DumpThreadCacheStats(myThreadOnly bool) root.ThreadCacheStatsSummary {
	s := reg.DumpStats(myThreadOnly)
	return root.ThreadCacheStatsSummary{CachedSlots: s.CachedSlots}
}

// PurgeAllThreadCaches implements root.ExtendedAPIHook. Unlike PurgeAll,
// ExtendedAPI has no specific ThreadCache handle making the call, so there is
// no caller to exclude from the lazy path — every registered cache is
// drained synchronously instead, matching extended_api.h's PurgeMemory
// semantics where the request must be visible by the time the call returns.
func (reg *Registry) PurgeAllThreadCaches() {
	reg.mu.Lock()
	caches := make([]*ThreadCache, 0, 4)
	for tc := reg.head; tc != nil; tc = tc.next {
		caches = append(caches, tc)
	}
	reg.mu.Unlock()

	for _, tc := range caches {
		tc.Purge()
	}
}
