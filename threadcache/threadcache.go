// Package threadcache implements the bucketed magazine of spec.md
// §3.9/§4.8: a fast path layered in front of a root's bucket table that
// amortizes root-lock acquisition and cache-miss cost on the hot
// allocate/free path.
//
// Go has no per-OS-thread storage the way the original's TLS slot does —
// goroutines migrate between OS threads and there is no public runtime hook
// for thread-exit destructors — so this reimplementation trades the
// implicit TLS lookup for an explicit wiring step: a ThreadCache is created
// once over a *root.Root via Create and installs itself as that root's
// root.ThreadCacheHook, after which every ordinary root.Alloc/root.Free call
// transparently consults it, the same way the original's malloc()
// transparently benefits from its thread's cache. Per spec.md §3.4's
// "exactly one root per process may own the thread-cache TLS slot"
// invariant, a root holds at most one hook at a time; the process-wide
// Registry exists to dump stats and purge across every ThreadCache a
// program has created, the same shape as kernel/driver's device registry.
package threadcache

import (
	"sync/atomic"

	"github.com/achilleasa/partitionalloc/bucket"
	"github.com/achilleasa/partitionalloc/freelist"
	"github.com/achilleasa/partitionalloc/root"
)

// maxCacheableSlotSize bounds which buckets this cache holds slots for;
// spec.md §3.9 notes the default limit already scales down for larger slot
// sizes, and very large bucketed sizes are left to the root's own freelists
// even when a thread cache is installed.
const maxCacheableSlotSize = 4096

// kBatchFillRatio is the divisor spec.md §4.8.2 applies to a bucket's limit
// to size a fill-on-miss batch: L_i / kBatchFillRatio slots are pulled from
// the root under one lock acquisition rather than refilling one slot at a
// time. spec.md names the constant but not its value; 4 is chosen to match
// this codebase's own amortization granularity elsewhere (quarter-batches),
// and is recorded as an open-question decision.
const kBatchFillRatio = 4

// defaultLimit is the per-bucket magazine capacity of spec.md §3.9: 128 for
// slots at or below 128 bytes, 64 up to 256 bytes, 32 above that.
func defaultLimit(slotSize uint32) int {
	switch {
	case slotSize <= 128:
		return 128
	case slotSize <= 256:
		return 64
	default:
		return 32
	}
}

type magazine struct {
	list  *freelist.List
	count int
	limit int
}

// ThreadCache is a per-bucket magazine layered in front of a root. It
// implements root.ThreadCacheHook so a root can consult it directly on the
// hot allocate/free path.
type ThreadCache struct {
	r        *root.Root
	registry *Registry
	buckets  [bucket.NumBuckets]magazine

	// shouldPurge is set by SetShouldPurge, possibly from another
	// goroutine (spec.md §3.9); the cache only actually drains the next
	// time it is touched via PutInCache, never polled in the background.
	shouldPurge atomic.Bool

	prev, next *ThreadCache
}

// Create builds a ThreadCache over r, registers it in reg for stats/purge
// visibility, and wires it as r's thread-cache hook (root.Options.
// WithThreadCache must also be set on r for the hook to be consulted).
//
// spec.md §4.8 describes placement-newing the cache into a slot allocated
// via the root's own raw-alloc path, to avoid recursing through malloc
// while constructing the very thing that intercepts malloc. That recursion
// risk does not exist here: the Go runtime's garbage-collected heap, not
// this allocator, backs the ThreadCache value, so a plain composite
// literal is used instead.
func Create(r *root.Root, reg *Registry) *ThreadCache {
	tc := &ThreadCache{r: r, registry: reg}
	for i := range tc.buckets {
		tc.buckets[i] = magazine{
			list:  freelist.NewList(true), // thread-cache magazines cross super pages
			limit: defaultLimit(bucket.SlotSizes[i]),
		}
	}
	r.SetThreadCacheHook(tc)
	r.SetExtendedAPIHook(reg)
	reg.register(tc)
	return tc
}

// Destroy unregisters tc, clears it as its root's hook, and returns every
// cached slot to the root so the memory is not leaked — spec.md §8.3's "a
// thread cache destructor returns its contents to the central allocator".
func (tc *ThreadCache) Destroy() {
	tc.r.SetThreadCacheHook(nil)
	tc.registry.unregister(tc)
	tc.drainToRoot()
}

func (tc *ThreadCache) cacheable(bucketIdx int) bool {
	return bucketIdx >= 0 && bucketIdx < bucket.NumBuckets && bucket.SlotSizes[bucketIdx] <= maxCacheableSlotSize
}

// GetFromCache implements root.ThreadCacheHook. On a magazine miss it
// batch-refills from the root per spec.md §4.8.2 rather than falling
// straight through to a single-slot root allocation: L_i / kBatchFillRatio
// slots are pulled under one root-lock acquisition, pushed into the
// magazine, and one is handed back to the caller. A root under memory
// pressure may return fewer slots than requested, including zero, in which
// case this is a genuine miss and the caller's own slow path takes over.
func (tc *ThreadCache) GetFromCache(bucketIdx int) (uintptr, bool) {
	if !tc.cacheable(bucketIdx) {
		return 0, false
	}
	m := &tc.buckets[bucketIdx]
	addr, ok := m.list.Pop()
	if ok {
		m.count--
		return addr, true
	}

	batch := m.limit / kBatchFillRatio
	if batch < 1 {
		batch = 1
	}
	slots := tc.r.AllocRawSlots(bucketIdx, batch)
	if len(slots) == 0 {
		return 0, false
	}

	// The last slot in the batch is handed straight back to the caller;
	// the rest are pushed into the magazine for subsequent hits.
	for _, slotAddr := range slots[:len(slots)-1] {
		m.list.Push(slotAddr)
		m.count++
	}
	return slots[len(slots)-1], true
}

// PutInCache implements root.ThreadCacheHook: reject if the bucket isn't
// cacheable or the magazine is already at its limit, per spec.md §4.8's
// MaybePutInCache contract. A pending SetShouldPurge request drains every
// magazine first, since this call is the next hot-path touch point after
// it — the slot being freed is still offered to its own bucket afterward.
func (tc *ThreadCache) PutInCache(bucketIdx int, slotAddr uintptr) bool {
	if !tc.cacheable(bucketIdx) {
		return false
	}
	if tc.shouldPurge.Load() {
		tc.shouldPurge.Store(false)
		tc.drainToRoot()
	}
	m := &tc.buckets[bucketIdx]
	if m.count >= m.limit {
		return false
	}
	m.list.Push(slotAddr)
	m.count++
	return true
}

// Purge clears every magazine, returning its slots to the root.
func (tc *ThreadCache) Purge() {
	tc.drainToRoot()
}

// PurgeBucket clears a single bucket's magazine back to the root.
func (tc *ThreadCache) PurgeBucket(bucketIdx int) {
	m := &tc.buckets[bucketIdx]
	for {
		addr, ok := m.list.Pop()
		if !ok {
			break
		}
		tc.r.FreeNoHooksImmediate(addr)
	}
	m.count = 0
}

func (tc *ThreadCache) drainToRoot() {
	for i := range tc.buckets {
		tc.PurgeBucket(i)
	}
}

// SetShouldPurge is a relaxed cross-goroutine purge request (spec.md §3.9):
// setting it does not itself touch tc's magazines, since those are only
// ever mutated on tc's own hot path; the drain happens lazily on the next
// PutInCache call.
func (tc *ThreadCache) SetShouldPurge() {
	tc.shouldPurge.Store(true)
}

// Stats is one ThreadCache's occupancy, accumulated by Registry.DumpStats.
type Stats struct {
	CachedSlots int
}

func (tc *ThreadCache) stats() Stats {
	var s Stats
	for i := range tc.buckets {
		s.CachedSlots += tc.buckets[i].count
	}
	return s
}
