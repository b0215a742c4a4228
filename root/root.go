// Package root implements the partition root of spec.md §3.4/§4.6: the
// entry point for one logically separate heap, owning the bucket table,
// the super-page metadata arena, the direct-map list and the empty-span
// ring.
//
// Orchestration style is grounded on kernel/kmain.go (a single top-level
// type driving every subsystem) and kernel/goruntime/bootstrap.go's
// sysReserve/sysMap/sysAlloc request-routing shape, mirrored here by
// Alloc's routing across the bucket table and the direct-map path.
package root

import (
	"github.com/achilleasa/partitionalloc/bucket"
	"github.com/achilleasa/partitionalloc/directmap"
	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/freelist"
	"github.com/achilleasa/partitionalloc/gigacage"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/plock"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Options are the immutable-after-init partition options of spec.md §6.3.
type Options struct {
	// AllowExtras enables front/back cookies (and, when PoolKind is
	// PoolBRP and UseBackupRefPtr is also set, a ref-count) around every
	// slot. AlignedAlloc forces this off per spec.md §4.6.5.
	AllowExtras bool
	// Scannable marks the partition eligible for PCScan.
	Scannable bool
	// WithThreadCache controls whether Alloc/Free consult the installed
	// ThreadCacheHook; the cache itself lives in package threadcache and
	// wraps a *Root. With this off, an installed hook is ignored.
	WithThreadCache bool
	// PoolKind selects which GigaCage pool this root's allocations come
	// from.
	PoolKind gigacage.PoolKind

	// UseBackupRefPtr gates whether a BRP pool's front extras actually
	// carry a ref-count (spec.md §6.2 USE_BACKUP_REF_PTR); with this off,
	// a PoolBRP root behaves like PoolRegular with respect to extras even
	// though it still draws from the BRP pool's address range.
	UseBackupRefPtr bool
	// BackupRefPtrSlowChecks records the ENABLE_BACKUP_REF_PTR_SLOW_CHECKS
	// flag (spec.md §6.2). Nothing reads it: refcount.RefCount performs
	// the same checks whether it is set or not.
	BackupRefPtrSlowChecks bool
	// EnablePkeys requests that every super page this root reserves be
	// protected with PkeyKey via internal/pages.TagMemoryWithPkey instead
	// of a plain read-write mapping (spec.md §6.2 ENABLE_PKEYS).
	EnablePkeys bool
	// PkeyKey is the protection key passed to TagMemoryWithPkey when
	// EnablePkeys is set; 0 falls back to a plain mapping.
	PkeyKey int
	// UseFreeSlotBitmap maintains a per-super-page bucket.FreeSlotBitmap
	// as a cross-check alongside the encoded freelist (spec.md §6.2
	// USE_FREESLOT_BITMAP).
	UseFreeSlotBitmap bool
	// UseCardTable gates whether a Scannable root's allocations are
	// tracked by pcscan's card table, letting the scanner skip untouched
	// regions of a super page wholesale (spec.md §6.2
	// PA_STARSCAN_USE_CARD_TABLE). Has no effect unless Scannable is also
	// set and a pcscan.Scanner with card-table support is enabled.
	UseCardTable bool

	// Quarantine, Cookies and RefCount are spec.md §6.3's enumerated
	// per-partition options. Cookies and RefCount each default to
	// FeatureDefault, which inherits the behavior AllowExtras/PoolKind
	// already imply; set FeatureDisabled to turn one off independently
	// (e.g. a BRP pool with cookies but no ref-count). Nothing reads
	// Quarantine: quarantining follows Scannable alone.
	Quarantine FeatureState
	Cookies    FeatureState
	RefCount   FeatureState
	// PCScan is the §6.3 tri-state PCScan option. WithPCScan sets
	// Scannable from it and nothing else reads the field, so the forced
	// mode enables scanning exactly as the plain enabled mode does.
	PCScan PCScanMode
	// UseConfigurablePool requests the configurable-size pool variant
	// (spec.md §6.3 use_configurable_pool) rather than one of GigaCage's
	// fixed-size pools. Nothing reads this field: the cage reserves the
	// configurable pool from its own gigacage.Config.UseConfigurablePool,
	// and the root draws from whichever pool PoolKind names.
	UseConfigurablePool bool
}

// FeatureState is a tri-state override for an extras-affecting option that
// otherwise defaults from AllowExtras/Scannable: FeatureDefault inherits
// that behavior, while FeatureEnabled/FeatureDisabled pin it explicitly.
type FeatureState int

const (
	FeatureDefault FeatureState = iota
	FeatureEnabled
	FeatureDisabled
)

// enabled resolves a FeatureState against whatever AllowExtras/Scannable
// already implies.
func (f FeatureState) enabled(defaultOn bool) bool {
	switch f {
	case FeatureEnabled:
		return true
	case FeatureDisabled:
		return false
	default:
		return defaultOn
	}
}

// PCScanMode is spec.md §6.3's PCScan tri-state option.
type PCScanMode int

const (
	PCScanDisabled PCScanMode = iota
	PCScanEnabled
	PCScanForcedEnabled
)

// Option is a functional option composing with a base Options struct,
// matching spec.md §6.3's style of naming each enumerated option
// individually (root.WithThreadCache(), root.WithPCScan(...)) rather than
// requiring every caller to spell out the whole struct literal.
type Option func(*Options)

// WithThreadCache turns on per-goroutine thread-cache consultation.
func WithThreadCache() Option { return func(o *Options) { o.WithThreadCache = true } }

// WithExtras turns on front/back cookies (and, on a BRP pool, a ref-count).
func WithExtras() Option { return func(o *Options) { o.AllowExtras = true } }

// WithPCScan sets the PCScan tri-state option, implying Scannable whenever
// mode is not PCScanDisabled.
func WithPCScan(mode PCScanMode) Option {
	return func(o *Options) {
		o.PCScan = mode
		if mode != PCScanDisabled {
			o.Scannable = true
		}
	}
}

// WithBackupRefPtr turns on BRP ref-counting, optionally with its slow
// (extra-validating) checks.
func WithBackupRefPtr(slowChecks bool) Option {
	return func(o *Options) {
		o.UseBackupRefPtr = true
		o.BackupRefPtrSlowChecks = slowChecks
	}
}

// WithPkeys requests pkey-protected super pages under the given key.
func WithPkeys(key int) Option {
	return func(o *Options) {
		o.EnablePkeys = true
		o.PkeyKey = key
	}
}

// WithFreeSlotBitmap turns on the per-super-page free-slot bitmap
// cross-check.
func WithFreeSlotBitmap() Option { return func(o *Options) { o.UseFreeSlotBitmap = true } }

// WithCardTable turns on the card-table dirtiness hint a Scannable root's
// scanner can consult to skip untouched regions.
func WithCardTable() Option {
	return func(o *Options) { o.UseCardTable = true }
}

// WithConfigurablePool requests the configurable-size pool variant.
func WithConfigurablePool() Option { return func(o *Options) { o.UseConfigurablePool = true } }

// emptyRingSize bounds the global empty-span ring (spec.md §3.4).
const emptyRingSize = 16

type emptyRingEntry struct {
	valid    bool
	bucketID int
	ref      bucket.SpanRef
}

// superPage is one reserved, metadata-bearing super page: its span table
// and a page-owner index mapping partition-page offsets to the span that
// owns them. Per spec.md §9's redesign note, slot spans live here — in
// their owning super page's array — rather than as individually owned
// objects; Root.Span resolves a bucket.SpanRef into this array.
type superPage struct {
	base      uintptr
	spans     []bucket.SlotSpan
	pageOwner []int32 // index into spans, by partition-page offset; -1 = unowned

	nextPartitionPage int // bump cursor, in partition pages, for provisioning
}

// Root is one partition root (spec.md §3.4).
type Root struct {
	lock *plock.Lock
	cage *gigacage.Cage
	opts Options

	buckets [bucket.NumBuckets]*bucket.Bucket

	superPages         []*superPage
	superPageIndexByBase map[uintptr]int32

	directMap       directmap.List
	directMapByBase map[uintptr]*directmap.Extent

	// alignedAllocs tracks AlignedAllocFlags allocations, which live
	// outside GigaCage entirely (spec.md §4.6.5) and so are never found
	// by spanForAddress or directMapByBase.
	alignedAllocs map[uintptr]sizing.Size

	// freeSlotBitmaps holds one bucket.FreeSlotBitmap per reserved super
	// page when opts.UseFreeSlotBitmap is set; nil entries are never
	// created when the flag is off, so MarkSlotAllocated/MarkSlotFree
	// degrade to no-ops without a per-call flag check at the bucket
	// layer.
	freeSlotBitmaps map[uintptr]*bucket.FreeSlotBitmap

	emptyRing    [emptyRingSize]emptyRingEntry
	emptyRingPos int

	// scanHook, when non-nil and opts.Scannable, diverts Free into
	// PCScan's quarantine instead of an immediate physical free. Wired
	// by package pcscan through SetScanHook; kept as a plain func field
	// rather than an import so root never depends on pcscan.
	scanHook func(slotAddr uintptr, slotSize uint32)

	// tcHook, when non-nil and opts.WithThreadCache, lets a thread cache
	// intercept a bucketed Alloc/Free before the bucket table. Wired by
	// package threadcache through SetThreadCacheHook.
	tcHook ThreadCacheHook

	// allocHook, when non-nil and opts.Scannable, is notified with every
	// user-visible bucketed allocation so pcscan's card table can mark
	// the written region dirty. Wired by package pcscan through
	// SetAllocHook.
	allocHook func(addr uintptr, size uint32)

	// extendedAPIHook backs Root.ExtendedAPI's thread-cache-aware stats
	// and purge. Wired by package threadcache through SetExtendedAPIHook.
	extendedAPIHook ExtendedAPIHook

	totalCommitted     sizing.Size
	totalSuperPages    sizing.Size
	totalDirectMapped  sizing.Size

	// Root keeps no inverted-self tamper check: a Go value's address is
	// not fixed the way a C++ `this` is.
}

// New constructs a Root bound to cage's pool kind opts.PoolKind. The pool
// must already be reserved (gigacage.Cage.Init called beforehand). Any
// extra Options compose on top of opts, applied in order, so a caller can
// mix an explicit struct literal with the functional-option constructors
// (root.WithThreadCache(), root.WithPCScan(...), etc).
func New(cage *gigacage.Cage, opts Options, extra ...Option) *Root {
	for _, opt := range extra {
		opt(&opts)
	}

	if _, _, _, ok := cage.Pool(opts.PoolKind); !ok {
		errors.Fatal(errors.KindInvalidPoolHandle, "root: requested pool is not reserved in this cage")
	}

	r := &Root{
		lock:                 &plock.Lock{},
		cage:                 cage,
		opts:                 opts,
		superPageIndexByBase: make(map[uintptr]int32),
		directMapByBase:      make(map[uintptr]*directmap.Extent),
		alignedAllocs:        make(map[uintptr]sizing.Size),
	}
	if opts.UseFreeSlotBitmap {
		r.freeSlotBitmaps = make(map[uintptr]*bucket.FreeSlotBitmap)
	}

	for i := 0; i < bucket.NumBuckets; i++ {
		slotSize := bucket.SlotSizes[i]
		systemPages := bucket.SystemPagesForSpan(slotSize)
		spanBytes := sizing.Size(systemPages) * sizing.SystemPageSize
		slotsPerSpan := int(spanBytes / sizing.Size(slotSize))
		r.buckets[i] = bucket.NewBucket(slotSize, systemPages, slotsPerSpan)
	}

	return r
}

// Span implements bucket.SpanStore by indexing into this root's
// super-page-owned span tables.
func (r *Root) Span(ref bucket.SpanRef) *bucket.SlotSpan {
	return &r.superPages[ref.SuperPage].spans[ref.Slot]
}

// extrasSize returns the front/back extras byte counts for this root's
// options: a front cookie (plus ref-count for BRP pools) and a back
// cookie, per spec.md §6.6 and the cookie-mismatch contract of §7. Cookies
// and RefCount (spec.md §6.3) can each independently override what
// AllowExtras/PoolKind would otherwise imply.
func (r *Root) extrasSize() (front, back uint32) {
	if !r.opts.AllowExtras {
		return 0, 0
	}
	if r.opts.Cookies.enabled(true) {
		front = cookieSize
		back = cookieSize
	}
	wantRefCount := r.opts.PoolKind == gigacage.PoolBRP && r.opts.UseBackupRefPtr
	if r.opts.RefCount.enabled(wantRefCount) {
		front += refCountSize
	}
	return front, back
}

// committedBytes reports the root's total committed/reserved accounting,
// used by Root.Stats.
func (r *Root) committedBytes() sizing.Size {
	return r.totalCommitted
}

// reserveSuperPage reserves and commits a fresh super page from this
// root's pool, returning its index in r.superPages.
func (r *Root) reserveSuperPage() (int32, error) {
	handle, _, _, _ := r.cage.Pool(r.opts.PoolKind)
	base, ok := r.cage.Manager().Reserve(handle, 0, sizing.SuperPageSize)
	if !ok {
		return 0, errors.ErrOutOfMemory
	}
	if r.opts.EnablePkeys {
		if err := pages.TagMemoryWithPkey(r.opts.PkeyKey, base, sizing.SuperPageSize); err != nil {
			r.cage.Manager().UnreserveAndDecommit(handle, base, sizing.SuperPageSize)
			return 0, errors.ErrOutOfMemory
		}
	} else if err := pages.SetAccess(base, sizing.SuperPageSize, pages.ReadWrite); err != nil {
		r.cage.Manager().UnreserveAndDecommit(handle, base, sizing.SuperPageSize)
		return 0, errors.ErrOutOfMemory
	}

	partitionPages := int(sizing.SuperPageSize / sizing.PartitionPageSize)
	sp := &superPage{
		base:      base,
		pageOwner: make([]int32, partitionPages),
	}
	for i := range sp.pageOwner {
		sp.pageOwner[i] = -1
	}

	idx := int32(len(r.superPages))
	r.superPages = append(r.superPages, sp)
	r.superPageIndexByBase[base] = idx
	r.totalSuperPages += sizing.SuperPageSize
	r.totalCommitted += sizing.SuperPageSize
	if r.freeSlotBitmaps != nil {
		r.freeSlotBitmaps[base] = bucket.NewFreeSlotBitmap(base)
	}
	return idx, nil
}

// provisionSpan carves a fresh slot span for bucketIdx out of the current
// (or a newly reserved) super page, and registers it as that bucket's new
// active span.
func (r *Root) provisionSpan(bucketIdx int) (bucket.SpanRef, error) {
	b := r.buckets[bucketIdx]
	spanPartitionPages := int(sizing.Size(b.SystemPagesPerSpan) * sizing.SystemPageSize / sizing.PartitionPageSize)
	if spanPartitionPages == 0 {
		spanPartitionPages = 1
	}

	// Only the most-recently-reserved super page is ever bumped: an
	// earlier super page that still has room was already exhausted by
	// some other bucket's span carve, since every bucket shares the same
	// super-page pool. Looking further back would never find space a
	// fresh reservation couldn't also provide, so only the tail is
	// checked.
	var spIdx int32 = -1
	var startPP int
	if n := len(r.superPages); n > 0 {
		sp := r.superPages[n-1]
		if sp.nextPartitionPage+spanPartitionPages <= len(sp.pageOwner) {
			spIdx = int32(n - 1)
			startPP = sp.nextPartitionPage
		}
	}

	if spIdx == -1 {
		newIdx, err := r.reserveSuperPage()
		if err != nil {
			return bucket.NilSpanRef, err
		}
		spIdx = newIdx
		startPP = 0
	}

	sp := r.superPages[spIdx]
	span := bucket.SlotSpan{
		Freelist:              freelist.NewList(false),
		TotalSlots:            b.SlotsPerSpan,
		NumUnprovisionedSlots:  b.SlotsPerSpan,
		Base:                   sp.base + uintptr(startPP)*uintptr(sizing.PartitionPageSize),
		SlotSize:               b.SlotSize,
	}
	sp.spans = append(sp.spans, span)
	slotIdx := int32(len(sp.spans) - 1)
	for i := 0; i < spanPartitionPages; i++ {
		sp.pageOwner[startPP+i] = slotIdx
	}
	sp.nextPartitionPage = startPP + spanPartitionPages

	ref := bucket.SpanRef{SuperPage: spIdx, Slot: slotIdx}
	b.AdoptFreshSpan(ref, &sp.spans[slotIdx])
	return ref, nil
}

// spanForAddress resolves a slot address back to its owning span, or
// ok=false if addr is not inside any super page this root owns (e.g. it is
// a direct-mapped allocation, handled separately).
func (r *Root) spanForAddress(addr uintptr) (bucket.SpanRef, bool) {
	base := sizing.AlignDown(addr, sizing.SuperPageSize)
	idx, ok := r.superPageIndexByBase[base]
	if !ok {
		return bucket.NilSpanRef, false
	}
	sp := r.superPages[idx]
	ppIdx := int(addr-base) / int(sizing.PartitionPageSize)
	if ppIdx >= len(sp.pageOwner) {
		return bucket.NilSpanRef, false
	}
	slotIdx := sp.pageOwner[ppIdx]
	if slotIdx < 0 {
		return bucket.NilSpanRef, false
	}
	return bucket.SpanRef{SuperPage: idx, Slot: slotIdx}, true
}
