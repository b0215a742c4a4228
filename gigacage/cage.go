// Package gigacage implements the one-time adjacent-pool reservation of
// spec.md §3.2/§4.3: a single large reservation is carved up into
// self-aligned pools (non-BRP, BRP, configurable), after which pool
// membership becomes a constant-time mask-and-compare instead of a lookup
// through any data structure.
//
// This is the Go-userspace analogue of gopher-os's kernel/mem/vmm.Init,
// which performs a comparable one-time setup (reserve a zeroed frame,
// install page-fault handlers) before the rest of the kernel may use
// virtual memory; PageFromAddress/Translate's address<->unit conversions
// are reused here for super-page<->pool arithmetic.
package gigacage

import (
	"sync"

	"github.com/achilleasa/partitionalloc/addrpool"
	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// PoolKind identifies one of the fixed pool identities spec.md §3.2 names.
type PoolKind int

const (
	// PoolRegular hosts allocations with no BackupRefPtr extras.
	PoolRegular PoolKind = iota
	// PoolBRP hosts allocations with per-slot ref-count extras. The
	// reservation-offset table is the Cage's offsetTable Go slice; nothing
	// is stored inside this pool.
	PoolBRP
	// PoolConfigurable is an embedder-sized pool reserved only when
	// requested (spec.md §6.3 use_configurable_pool).
	PoolConfigurable

	numPoolKinds
)

// offsetNotInDirectMap is the reservation-offset-table sentinel for a super
// page that is not part of a direct-map reservation (spec.md §3.2).
const offsetNotInDirectMap = ^uint32(0)

// Cage is a process-wide (or, for tests, per-instance) GigaCage: an
// adjacent reservation of pools plus the reservation-offset table.
type Cage struct {
	mu   sync.Mutex
	init bool

	pools   [numPoolKinds]addrpool.Handle
	bases   [numPoolKinds]uintptr
	lengths [numPoolKinds]sizing.Size
	mgr     addrpool.Manager

	reservationBase uintptr
	reservationLen  sizing.Size

	// offsetTable has one entry per super page across the whole cage,
	// holding either offsetNotInDirectMap or the super page's distance
	// (in super pages) from the start of its direct-map reservation
	// (spec.md §3.2, §4.7).
	offsetTable []uint32
}

// Config selects which pools to reserve and their individual sizes.
// Disabled pools (Size == 0) are skipped; PoolConfigurable is only reserved
// when UseConfigurablePool is set, per spec.md §6.3.
type Config struct {
	RegularPoolSize      sizing.Size
	BRPPoolSize          sizing.Size
	ConfigurablePoolSize sizing.Size
	UseConfigurablePool  bool
}

// DefaultConfig returns the typical 64-bit layout: one regular pool and one
// BRP pool of sizing.PoolSize each, no configurable pool.
func DefaultConfig() Config {
	return Config{
		RegularPoolSize: sizing.PoolSize,
		BRPPoolSize:     sizing.PoolSize,
	}
}

// Init reserves the cage. It is idempotent: a second call on an
// already-initialized Cage is silently skipped, per spec.md §4.3.
func (c *Cage) Init(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.init {
		return
	}

	kindSizes := [numPoolKinds]sizing.Size{
		PoolRegular:      cfg.RegularPoolSize,
		PoolBRP:          cfg.BRPPoolSize,
		PoolConfigurable: 0,
	}
	if cfg.UseConfigurablePool {
		kindSizes[PoolConfigurable] = cfg.ConfigurablePoolSize
	}

	// Order pools largest-first so that each pool's start is aligned to
	// its own size: if sizes are non-increasing, placing pool i at
	// offset sum(sizes[:i]) keeps every prefix sum a multiple of
	// sizes[i] as long as each size divides all larger ones, which holds
	// here because every pool size is itself a power of two and no
	// smaller than sizing.SuperPageSize (spec.md §4.3's "largest pool
	// first" ordering).
	order := sortKindsBySizeDesc(kindSizes)

	var sizeSum sizing.Size
	for _, k := range order {
		sizeSum += kindSizes[k]
	}
	if sizeSum == 0 {
		c.init = true
		return
	}

	alignment := kindSizes[order[0]]
	totalReserve := sizeSum + sizing.ForbiddenZoneSize

	base, err := pages.AllocPagesWithAlignOffset(totalReserve, alignment, uintptr(sizing.ForbiddenZoneSize), pages.Inaccessible)
	if err != nil {
		errors.Fatal(errors.KindOutOfMemory, "gigacage: failed to reserve the cage")
	}

	c.reservationBase = base
	c.reservationLen = totalReserve

	cursor := base + uintptr(sizing.ForbiddenZoneSize)
	for _, k := range order {
		size := kindSizes[k]
		if size == 0 {
			continue
		}
		c.bases[k] = cursor
		c.lengths[k] = size
		c.pools[k] = c.mgr.Add(cursor, size)
		cursor += uintptr(size)
	}

	c.offsetTable = make([]uint32, sizeSum/sizing.SuperPageSize)
	for i := range c.offsetTable {
		c.offsetTable[i] = offsetNotInDirectMap
	}

	c.init = true
}

// Teardown releases all cage address space. Test-only, per spec.md §4.3.
func (c *Cage) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.init {
		return
	}
	pages.FreePages(c.reservationBase, c.reservationLen)
	*c = Cage{}
}

// Pool returns the handle and address range for a pool kind. ok is false if
// that kind was not reserved (e.g. PoolConfigurable when disabled).
func (c *Cage) Pool(kind PoolKind) (h addrpool.Handle, base uintptr, length sizing.Size, ok bool) {
	if c.pools[kind] == 0 {
		return 0, 0, 0, false
	}
	return c.pools[kind], c.bases[kind], c.lengths[kind], true
}

// Manager returns the address-pool manager backing all of this cage's
// pools, for callers (root, directmap) that need to Reserve/Unreserve
// within a specific pool.
func (c *Cage) Manager() *addrpool.Manager { return &c.mgr }

// PoolContaining returns the pool kind that owns addr, per spec.md §3.2's
// "(address & ~(pool_size-1)) == pool_base" membership test. ok is false
// if addr is not inside any reserved pool.
func (c *Cage) PoolContaining(addr uintptr) (kind PoolKind, ok bool) {
	for k := PoolKind(0); k < numPoolKinds; k++ {
		if c.pools[k] == 0 {
			continue
		}
		if addr >= c.bases[k] && addr < c.bases[k]+uintptr(c.lengths[k]) {
			return k, true
		}
	}
	return 0, false
}

// IsManagedByPartitionAlloc reports whether addr lies inside any registered
// pool (spec.md §8.5). A nil/zero address is never managed.
func (c *Cage) IsManagedByPartitionAlloc(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	_, ok := c.PoolContaining(addr)
	return ok
}

func (c *Cage) superPageIndex(addr uintptr) (int, bool) {
	kind, ok := c.PoolContaining(addr)
	if !ok {
		return 0, false
	}
	// Compute a cage-wide super-page index by adding the pool's offset
	// within the reservation (forbidden zone already excluded) to the
	// address's offset within its own pool.
	poolOffsetInCage := c.bases[kind] - (c.reservationBase + uintptr(sizing.ForbiddenZoneSize))
	withinPool := addr - c.bases[kind]
	idx := (uint64(poolOffsetInCage) + uint64(withinPool)) / uint64(sizing.SuperPageSize)
	if int(idx) >= len(c.offsetTable) {
		return 0, false
	}
	return int(idx), true
}

// SetDirectMapOffset records, for the super page starting at addr, its
// distance (in super pages) from the start of its direct-map reservation.
// offsetFromStart == 0 marks the reservation's own first super page.
func (c *Cage) SetDirectMapOffset(addr uintptr, offsetFromStart uint32) {
	idx, ok := c.superPageIndex(addr)
	if !ok {
		return
	}
	c.offsetTable[idx] = offsetFromStart
}

// ClearDirectMapOffset resets a super page's reservation-offset entry to
// the "not in direct map" sentinel, done when a direct-map extent is freed.
func (c *Cage) ClearDirectMapOffset(addr uintptr) {
	idx, ok := c.superPageIndex(addr)
	if !ok {
		return
	}
	c.offsetTable[idx] = offsetNotInDirectMap
}

// IsReservationStart reports whether addr is super-page aligned and is
// either a normal-bucket super page or the first super page of a
// direct-map reservation (spec.md §8.5).
func (c *Cage) IsReservationStart(addr uintptr) bool {
	if !sizing.IsAligned(addr, sizing.SuperPageSize) {
		return false
	}
	idx, ok := c.superPageIndex(addr)
	if !ok {
		return false
	}
	return c.offsetTable[idx] == offsetNotInDirectMap || c.offsetTable[idx] == 0
}

// GetDirectMapReservationStart resolves addr (anywhere inside a direct-map
// allocation) back to the first super page of its reservation, per spec.md
// §8.5 and §4.7. Returns (0, false) for a normal-bucket or off-cage pointer.
func (c *Cage) GetDirectMapReservationStart(addr uintptr) (uintptr, bool) {
	idx, ok := c.superPageIndex(addr)
	if !ok {
		return 0, false
	}
	offset := c.offsetTable[idx]
	if offset == offsetNotInDirectMap {
		return 0, false
	}
	superPageAddr := sizing.AlignDown(addr, sizing.SuperPageSize)
	return superPageAddr - uintptr(offset)*uintptr(sizing.SuperPageSize), true
}

func sortKindsBySizeDesc(sizes [numPoolKinds]sizing.Size) []PoolKind {
	order := []PoolKind{PoolRegular, PoolBRP, PoolConfigurable}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && sizes[order[j]] > sizes[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}
