package root

// ThreadCacheHook lets a package threadcache.ThreadCache intercept bucketed
// allocation/free before the slow bucket-table path, per spec.md §4.6's
// "caller -> thread cache -> root" control flow. A root holds at most one
// hook at a time, per spec.md §3.4's "exactly one root per process may own
// the thread-cache TLS slot" invariant (reinterpreted per-root here, since
// this module has no real per-OS-thread storage to key a TLS slot off of).
// Kept as an interface field rather than an import so root never depends on
// threadcache.
type ThreadCacheHook interface {
	// GetFromCache attempts to satisfy a raw (extras-free) slot of the
	// given bucket index from the cache. ok is false on a miss.
	GetFromCache(bucketIdx int) (slotAddr uintptr, ok bool)
	// PutInCache attempts to return a raw slot to the cache. ok is false
	// when the cache has no room or doesn't hold that bucket, and the
	// caller must fall back to the bucket's own freelist.
	PutInCache(bucketIdx int, slotAddr uintptr) (ok bool)
}

// SetThreadCacheHook installs or clears (pass nil) the thread cache this
// root's Alloc/Free consult on the hot path.
func (r *Root) SetThreadCacheHook(h ThreadCacheHook) {
	r.tcHook = h
}
