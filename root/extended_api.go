package root

// ThreadCacheStatsSummary mirrors the shape of threadcache.Stats without
// root importing package threadcache (the same decoupling ThreadCacheHook
// uses): ExtendedAPI.DumpStats folds this in alongside the root's own Stats
// when a thread-cache registry has been wired in via SetExtendedAPIHook.
type ThreadCacheStatsSummary struct {
	CachedSlots int
}

// ExtendedAPIHook lets a threadcache.Registry back Root.ExtendedAPI without
// root importing package threadcache. Wired by threadcache.Create the first
// time a ThreadCache is created against a root, mirroring
// original_source/extended_api.h's thread-cache-aware wrapper over the
// plain partition-root stats/purge API.
type ExtendedAPIHook interface {
	DumpThreadCacheStats(myThreadOnly bool) ThreadCacheStatsSummary
	PurgeAllThreadCaches()
}

// SetExtendedAPIHook installs or clears (pass nil) the registry
// ExtendedAPI's methods delegate thread-cache-aware operations to.
func (r *Root) SetExtendedAPIHook(h ExtendedAPIHook) {
	r.extendedAPIHook = h
}

// ExtendedStats is ExtendedAPI.DumpStats's result: the root's own memory
// accounting plus, when a thread-cache registry is wired in, a rollup of
// every live thread cache's cached-slot count.
type ExtendedStats struct {
	Root        Stats
	ThreadCache ThreadCacheStatsSummary
}

// ExtendedAPI is the thin thread-cache-aware wrapper of
// original_source/extended_api.h: everything Root.Stats/PurgeMemory already
// do, plus operations that need visibility into every thread cache backed
// by this root rather than just the root's own bucket/span accounting.
// Obtain one via Root.ExtendedAPI; it is a small value type, safe to keep
// around or recreate per call.
type ExtendedAPI struct {
	r *Root
}

// ExtendedAPI returns a thread-cache-aware view over r.
func (r *Root) ExtendedAPI() ExtendedAPI {
	return ExtendedAPI{r: r}
}

// DumpStats returns the root's own Stats plus a thread-cache rollup, when a
// registry has been wired in via SetExtendedAPIHook; ThreadCache is the
// zero value otherwise. myThreadOnly is forwarded to the registry the same
// way threadcache.Registry.DumpStats documents (no effect in this
// reimplementation: Go has nothing corresponding to "the calling thread's
// own cache" to single out).
func (e ExtendedAPI) DumpStats(myThreadOnly bool) ExtendedStats {
	stats := ExtendedStats{Root: e.r.Stats()}
	if e.r.extendedAPIHook != nil {
		stats.ThreadCache = e.r.extendedAPIHook.DumpThreadCacheStats(myThreadOnly)
	}
	return stats
}

// PurgeAllThreadCaches asks every thread cache backed by this root's
// registry to purge, a no-op if none has ever been wired in.
func (e ExtendedAPI) PurgeAllThreadCaches() {
	if e.r.extendedAPIHook != nil {
		e.r.extendedAPIHook.PurgeAllThreadCaches()
	}
}
