// Package pcscan implements the probabilistic conservative scanner of
// spec.md §4.11: an optional use-after-free mitigation layered on top of a
// scannable root. A freed slot is quarantined (its bit set in a per-super-
// page mutator bitmap) instead of being returned to its bucket's freelist;
// once quarantined bytes cross a scheduler threshold, a background scan
// task swaps the bitmap pair, walks every live scan area as raw words
// looking for pointers back into quarantined objects, re-quarantines any
// survivor, and physically frees everything the scan did not find a
// reference to.
//
// pcscan wires itself into a root through root.SetScanHook and calls back
// via root.FreeNoHooksImmediate — the same seam package threadcache uses —
// so root never imports this package.
package pcscan

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/achilleasa/partitionalloc/bucket"
	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/internal/sizing"
	"github.com/achilleasa/partitionalloc/root"
	"golang.org/x/sync/errgroup"
)

// largeScanAreaThreshold is kLargeScanAreaThreshold: slot spans at or above
// this slot size are scanned slot-by-slot so an already-quarantined slot
// can be skipped wholesale (spec.md §4.11.4 step 4).
const largeScanAreaThreshold = 8 * 1024

// state is the scanner singleton's state machine (spec.md §4.11.5).
type state int32

const (
	stateNotRunning state = iota
	stateScheduled
	stateScanning
	stateSweepingAndFinishing
)

type superPageBitmaps struct {
	base uintptr
	pair [2]*bitmap
	// cards is non-nil only when the scanner's root has Options.UseCardTable
	// set; nil means runScan treats every region as dirty, i.e. the plain
	// always-scan behavior the card table is an opt-in speedup over.
	cards *cardTable
}

func newSuperPageBitmaps(base uintptr, withCardTable bool) *superPageBitmaps {
	nBits := int(sizing.SuperPageSize / quarantineAlignment)
	bm := &superPageBitmaps{
		base: base,
		pair: [2]*bitmap{newBitmap(nBits), newBitmap(nBits)},
	}
	if withCardTable {
		bm.cards = newCardTable(base)
	}
	return bm
}

func bitIndex(addr, base uintptr) int {
	return int(addr-base) / quarantineAlignment
}

// Scanner is one partition's PCScan state: quarantine bitmaps, scheduler
// data and the scan task's state machine. Construct one with Enable.
type Scanner struct {
	r *root.Root

	useCardTable bool

	mu    sync.Mutex
	pages map[uintptr]*superPageBitmaps

	epoch      atomic.Uint32
	inProgress atomic.Int32
	st         atomic.Int32

	data *QuarantineData

	lastGroup *errgroup.Group
}

// Enable constructs a Scanner over r and installs it as r's scan hook; r
// must have been constructed with Options.Scannable set for the hook to be
// consulted by Free.
func Enable(r *root.Root) *Scanner {
	s := &Scanner{
		r:            r,
		useCardTable: r.CardTableEnabled(),
		pages:        make(map[uintptr]*superPageBitmaps),
		data:         newQuarantineData(),
	}
	r.SetScanHook(s.MoveToQuarantine)
	if s.useCardTable {
		r.SetAllocHook(s.markCardDirty)
	}
	return s
}

func (s *Scanner) bitmapsFor(base uintptr) *superPageBitmaps {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.pages[base]
	if !ok {
		bm = newSuperPageBitmaps(base, s.useCardTable)
		s.pages[base] = bm
	}
	return bm
}

// markCardDirty is root's alloc hook (spec.md §6.2
// PA_STARSCAN_USE_CARD_TABLE): every fresh allocation may have a pointer
// written into it by its caller at any time afterwards, so the card(s) it
// covers must be scanned at least once more before runScan can skip them.
func (s *Scanner) markCardDirty(addr uintptr, size uint32) {
	base := sizing.AlignDown(addr, sizing.SuperPageSize)
	bm := s.bitmapsFor(base)
	bm.cards.markDirty(addr, int(size))
}

// MoveToQuarantine implements spec.md §4.11.2: mark ptr's bit in the
// current mutator bitmap (crashing on a double free), account the freed
// bytes against the scheduler, and trigger a scan if that crosses the
// threshold and no scan is already in progress.
func (s *Scanner) MoveToQuarantine(ptr uintptr, slotSize uint32) {
	base := sizing.AlignDown(ptr, sizing.SuperPageSize)
	bm := s.bitmapsFor(base)
	mutator := bm.pair[s.epoch.Load()&1]
	if mutator.testAndSet(bitIndex(ptr, base)) {
		errors.Fatal(errors.KindDoubleFree, "pcscan: object already quarantined, double free detected")
	}

	if s.data.accountFreed(slotSize) && s.inProgress.CompareAndSwap(0, 1) {
		s.scheduleScan()
	}
}

func (s *Scanner) scheduleScan() {
	s.st.Store(int32(stateScheduled))
	g := &errgroup.Group{}
	g.Go(func() error {
		s.runScan()
		return nil
	})
	s.mu.Lock()
	s.lastGroup = g
	s.mu.Unlock()
}

// ForceScanForTesting runs one scan pass synchronously on the calling
// goroutine, bypassing the quarantine-size scheduler threshold. Intended
// for deterministic tests only.
func (s *Scanner) ForceScanForTesting() {
	s.inProgress.Store(1)
	s.runScan()
}

// JoinScanIfNeeded lets a mutator on an allocation slow path cooperatively
// wait out an in-progress scan instead of racing it (spec.md §4.11.5); a
// no-op when the scanner isn't in the joinable kScanning window or between
// windows.
func (s *Scanner) JoinScanIfNeeded() {
	s.mu.Lock()
	g := s.lastGroup
	s.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

// State reports the scanner's current state-machine position, for tests
// and diagnostics.
func (s *Scanner) State() state { return state(s.st.Load()) }

type scanArea struct {
	begin, end uintptr
	slotSize   uint32 // 0 for small areas, set for large ones
}

// runScan performs the scan task of spec.md §4.11.4, steps 1-6.
func (s *Scanner) runScan() {
	// Step 1: swap bitmaps and advance the epoch. Mutators quarantining
	// from this point on stamp into what was the (already-clear) scanner
	// bitmap of the prior round.
	s.st.Store(int32(stateScanning))
	s.epoch.Add(1)
	newEpoch := int(s.epoch.Load() & 1)
	scannerIdx := 1 - newEpoch

	s.mu.Lock()
	pages := make([]*superPageBitmaps, 0, len(s.pages))
	for _, bm := range s.pages {
		pages = append(pages, bm)
	}
	s.mu.Unlock()

	// Step 2: zero every quarantined object's user bytes. A zeroed word
	// can never be mistaken for a live pointer, which both poisons the
	// use-after-free and gives the scan loop a fast bail-out.
	for _, bm := range pages {
		scanner := bm.pair[scannerIdx]
		scanner.forEachSet(func(bit int) {
			addr := bm.base + uintptr(bit)*quarantineAlignment
			if _, slotSize, ok := s.r.SpanForAddress(addr); ok {
				zeroBytes(addr, int(slotSize))
			}
		})
	}

	// Step 3: snapshot scan areas under the root's lock.
	var small, large []scanArea
	s.r.ForEachSpan(func(span *bucket.SlotSpan) {
		if span.State != bucket.StateActive && span.State != bucket.StateFull {
			return
		}
		provisioned := span.TotalSlots - span.NumUnprovisionedSlots
		end := span.Base + uintptr(provisioned)*uintptr(span.SlotSize)
		area := scanArea{begin: span.Base, end: end}
		if span.SlotSize >= largeScanAreaThreshold {
			area.slotSize = span.SlotSize
			large = append(large, area)
		} else {
			small = append(small, area)
		}
	})
	superPageBases := s.r.SuperPageBases()

	// Step 4: scan, outside the root lock; reads of mutator memory here
	// are intentionally race-tolerant (spec.md §9 "Race-tolerant
	// scanning") — a stale or torn word either isn't a valid candidate
	// (bailed out below) or merely delays reclaiming one more cycle.
	survivorBytes := uint64(0)
	wordSize := int(unsafe.Sizeof(uintptr(0)))
	scanWords := func(begin, end uintptr) {
		for addr := begin; addr+uintptr(wordSize) <= end; addr += uintptr(wordSize) {
			w := racyReadWord(addr)
			if w == 0 {
				continue
			}
			if !inAnySuperPage(w, superPageBases) {
				continue
			}
			if slotSize, marked := s.tryMarkObjectInPool(w, pages, newEpoch); marked {
				survivorBytes += uint64(slotSize)
			}
		}
	}
	for _, area := range small {
		if !s.useCardTable {
			scanWords(area.begin, area.end)
			continue
		}
		// Walk the area one card at a time, skipping (and leaving clean)
		// any card no allocation has touched since it was last scanned.
		for cardBegin := area.begin; cardBegin < area.end; cardBegin += uintptr(cardSize) {
			cardEnd := cardBegin + uintptr(cardSize)
			if cardEnd > area.end {
				cardEnd = area.end
			}
			superBase := sizing.AlignDown(cardBegin, sizing.SuperPageSize)
			bm, ok := s.pages[superBase]
			if !ok || bm.cards == nil {
				scanWords(cardBegin, cardEnd)
				continue
			}
			idx := bm.cards.index(cardBegin)
			if !bm.cards.test(idx) {
				continue
			}
			scanWords(cardBegin, cardEnd)
			bm.cards.clear(idx)
		}
	}
	for _, area := range large {
		for slotStart := area.begin; slotStart < area.end; slotStart += uintptr(area.slotSize) {
			if bm, ok := s.pages[sizing.AlignDown(slotStart, sizing.SuperPageSize)]; ok {
				if bm.pair[scannerIdx].test(bitIndex(slotStart, bm.base)) {
					continue // already zapped, cannot hold pointers
				}
			}
			scanWords(slotStart, slotStart+uintptr(area.slotSize))
		}
	}

	// Step 5: sweep. Anything still set in the scanner bitmap was not
	// reachable from any scanned word; physically free it, bypassing the
	// quarantine entirely.
	s.st.Store(int32(stateSweepingAndFinishing))
	for _, bm := range pages {
		scanner := bm.pair[scannerIdx]
		var toFree []uintptr
		scanner.forEachSet(func(bit int) {
			toFree = append(toFree, bm.base+uintptr(bit)*quarantineAlignment)
		})
		for _, addr := range toFree {
			s.r.FreeNoHooksImmediate(addr)
		}
		scanner.clearAll()
	}

	// Step 6: report survivor bytes and reschedule.
	s.data.scanStarted()
	stats := s.r.Stats()
	s.data.updateScheduleAfterScan(uint64(stats.TotalCommitted) + survivorBytes)

	s.st.Store(int32(stateNotRunning))
	s.inProgress.Store(0)
}

// tryMarkObjectInPool implements TryMarkObjectInNormalBucketPool (spec.md
// §4.11.4 step 4): quantize candidate w down to the slot it must be the
// head of, test the scanner bitmap there, and if set, clear it and
// re-quarantine the slot in the new mutator bitmap so it survives this
// round.
func (s *Scanner) tryMarkObjectInPool(w uintptr, pages []*superPageBitmaps, newMutatorIdx int) (slotSize uint32, marked bool) {
	base, slotSizeFound, ok := s.r.SpanForAddress(w)
	if !ok {
		return 0, false
	}
	idx := int(w-base) / int(slotSizeFound)
	slotStart := base + uintptr(idx)*uintptr(slotSizeFound)

	superPageBase := sizing.AlignDown(slotStart, sizing.SuperPageSize)
	bm := s.bitmapsFor(superPageBase)
	scannerIdx := 1 - newMutatorIdx
	bit := bitIndex(slotStart, bm.base)
	scanner := bm.pair[scannerIdx]
	if !scanner.test(bit) {
		return 0, false
	}
	scanner.clear(bit)
	bm.pair[newMutatorIdx].set(bit)
	return slotSizeFound, true
}

func inAnySuperPage(w uintptr, bases []uintptr) bool {
	base := sizing.AlignDown(w, sizing.SuperPageSize)
	for _, b := range bases {
		if b == base {
			return true
		}
	}
	return false
}

func zeroBytes(addr uintptr, n int) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range b {
		b[i] = 0
	}
}

// racyReadWord reads one pointer-sized word without synchronization, per
// spec.md §9's deliberately race-tolerant scan: the mutator side of this
// read may be concurrently freed/reused, so the result is a best-effort
// candidate, never trusted beyond "does it look like it points at one of
// our super pages".
func racyReadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}
