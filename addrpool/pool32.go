package addrpool

import (
	"sort"
	"sync"

	"github.com/achilleasa/partitionalloc/internal/pages"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Manager32 is the address-pool manager variant used where a GigaCage
// reservation is not feasible (spec.md §3.2's 32-bit fallback): instead of
// a single bitset per pool it keeps an ordered map from chunk-start to
// chunk-size, allocating first-fit and coalescing neighbors on free. This
// mirrors gopher-os's BootMemAllocator in spirit (a simple, linearly
// scanned free-space tracker with no supporting hardware table) but adds
// the free/coalesce half that BootMemAllocator explicitly does not support
// ("due to the way the allocator works, it is not possible to free
// allocated pages").
//
// Reserve commits the chosen chunk with pages.SetAccess(ReadWrite); it does
// not call pages.AllocPages and keeps no bitmap.
type Manager32 struct {
	mu sync.Mutex
	// free holds free chunks keyed by start address, each mapping to its
	// length in bytes. It is an unordered Go map; sortedStarts sorts its
	// keys on demand for the first-fit and neighbor lookups.
	free map[uintptr]sizing.Size
	// base and length describe the managed range [base, base+length).
	base   uintptr
	length sizing.Size
}

// NewManager32 creates a 32-bit-style manager over a single reserved
// address range [base, base+length).
func NewManager32(base uintptr, length sizing.Size) *Manager32 {
	return &Manager32{
		free:   map[uintptr]sizing.Size{base: length},
		base:   base,
		length: length,
	}
}

func (m *Manager32) sortedStarts() []uintptr {
	starts := make([]uintptr, 0, len(m.free))
	for s := range m.free {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// Reserve finds the first free chunk able to hold length bytes, splitting
// it if larger than required, and returns its start address.
func (m *Manager32) Reserve(length sizing.Size) (uintptr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, start := range m.sortedStarts() {
		chunkLen := m.free[start]
		if chunkLen < length {
			continue
		}
		delete(m.free, start)
		if chunkLen > length {
			m.free[start+uintptr(length)] = chunkLen - length
		}
		if err := pages.SetAccess(start, length, pages.ReadWrite); err != nil {
			// Roll back the reservation bookkeeping; the caller
			// observes allocation failure as a plain miss.
			m.free[start] = chunkLen
			return 0, false
		}
		return start, true
	}
	return 0, false
}

// UnreserveAndDecommit returns [addr, addr+length) to the free map,
// coalescing with the left and right neighbors (spec.md §4.2: "perform
// both left-neighbor (lower_bound - 1) and right-neighbor (upper_bound)
// coalescing"), then decommits the physical pages.
func (m *Manager32) UnreserveAndDecommit(addr uintptr, length sizing.Size) {
	m.mu.Lock()

	start, size := addr, length

	starts := m.sortedStarts()
	// Left neighbor: the last free chunk whose start is < start.
	for i := len(starts) - 1; i >= 0; i-- {
		if starts[i] >= start {
			continue
		}
		if starts[i]+uintptr(m.free[starts[i]]) == start {
			size += m.free[starts[i]]
			delete(m.free, starts[i])
			start = starts[i]
		}
		break
	}
	// Right neighbor: the first free chunk whose start == start+size.
	rightStart := start + uintptr(size)
	if rightLen, ok := m.free[rightStart]; ok {
		size += rightLen
		delete(m.free, rightStart)
	}

	m.free[start] = size
	m.mu.Unlock()

	if _, err := pages.DecommitSystemPages(addr, length); err != nil {
		// Decommit failure leaves the bookkeeping correct (the range
		// is tracked as free either way); only the physical frames
		// may linger committed until the next reclaim cycle.
		return
	}
}

// LargestFreeRun reports the size of the biggest contiguous free chunk,
// useful for diagnostics and tests asserting the coalescing behavior of
// spec.md §8.1.
func (m *Manager32) LargestFreeRun() sizing.Size {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max sizing.Size
	for _, size := range m.free {
		if size > max {
			max = size
		}
	}
	return max
}
