// Package pages implements the page allocator facade of spec.md §4.1: the
// only primitives the rest of this module consumes to reserve, commit,
// decommit, discard and protect OS memory. It is the Go-userspace
// replacement for gopher-os's kernel/hal facade — there the "device" behind
// the facade was a framebuffer console reachable through multiboot-reported
// physical memory; here it is the host kernel's virtual memory manager,
// reached through golang.org/x/sys/unix the way several pack repos
// (uffd_linux.go, jobqueue_unix.go, caps_linux.go) talk to mmap/mprotect
// directly instead of through the higher-level os/exec or syscall package.
package pages

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Protection selects the access rights requested for a mapping.
type Protection int

const (
	// Inaccessible reserves address space with no read/write/execute
	// rights, used for GigaCage's initial one-shot reservation.
	Inaccessible Protection = iota
	// ReadWrite grants read and write access.
	ReadWrite
	// ReadExecute grants read and execute access (unused by the core
	// allocator paths but part of the facade's contract per spec.md §4.1).
	ReadExecute
)

// oomFn is invoked when AllocPages cannot satisfy a request and the caller
// did not opt into ReturnNull semantics. It defaults to a fatal error, per
// spec.md §7's "Out-of-memory" row; SetOOMCallback replaces it.
var oomFn = func() { errors.Fatal(errors.KindOutOfMemory, "page allocator: out of memory") }

// SetOOMCallback installs the process-wide OOM callback invoked by
// AllocPages on unrecoverable allocation failure.
func SetOOMCallback(fn func()) { oomFn = fn }

// The following are reassigned by tests, mirroring the mockable function
// variables kernel/mem/pmm/allocator uses throughout (mapFn,
// reserveRegionFn) to keep real syscalls out of unit tests.
var (
	mmapFn     = unix.Mmap
	munmapFn   = unix.Munmap
	mprotectFn = unix.Mprotect
	madviseFn  = unix.Madvise
)

func protFlags(p Protection) int {
	switch p {
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ReadExecute:
		return unix.PROT_READ | unix.PROT_EXEC
	default:
		return unix.PROT_NONE
	}
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func sliceAt(addr uintptr, length sizing.Size) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
}

// AllocPages reserves length bytes of address space at a base aligned to
// alignment (a multiple of the system page size; 0 means the system page
// size), returning the base address. hint is a best-effort preference only: the
// unix.Mmap wrapper this package builds on does not expose the raw mmap
// address-hint argument, so a non-zero hint here is accepted for interface
// symmetry with spec.md §4.1 but otherwise ignored (the reservation below
// is always satisfied by the kernel's own address-space layout choice). A
// request that cannot be satisfied invokes the registered OOM callback and,
// if that returns (i.e. it did not itself terminate the process), reports
// ErrOutOfMemory so a ReturnNull-flagged caller can still recover.
func AllocPages(hint uintptr, length, alignment sizing.Size, prot Protection, returnNullOnFailure bool) (uintptr, error) {
	_ = hint
	if alignment == 0 {
		alignment = sizing.SystemPageSize
	}

	// Over-reserve by one alignment unit so the result can be trimmed to
	// an aligned sub-region; the slack on both ends is released back to
	// the OS immediately.
	reserveLen := sizing.RoundUpToSystemPage(length + alignment)

	region, err := mmapFn(-1, 0, int(reserveLen), protFlags(Inaccessible), unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return reportOOM(returnNullOnFailure)
	}
	base := addrOf(region)

	aligned := sizing.AlignUp(base, alignment)
	headSlack := aligned - base
	tailSlack := uintptr(reserveLen) - headSlack - uintptr(length)

	if headSlack > 0 {
		munmapFn(region[:headSlack])
	}
	if tailSlack > 0 {
		munmapFn(region[uintptr(len(region))-tailSlack:])
	}

	if prot != Inaccessible {
		if err := SetAccess(aligned, length, prot); err != nil {
			return reportOOM(returnNullOnFailure)
		}
	}

	return aligned, nil
}

func reportOOM(returnNullOnFailure bool) (uintptr, error) {
	if returnNullOnFailure {
		return 0, errors.ErrOutOfMemory
	}
	oomFn()
	return 0, errors.ErrOutOfMemory
}

// AllocPagesWithAlignOffset behaves like AllocPages but guarantees that
// (returned_address + offset) is a multiple of alignment rather than the
// base address itself. Used by gigacage.Init, whose pools start one
// forbidden zone past the returned address.
func AllocPagesWithAlignOffset(length, alignment sizing.Size, offset uintptr, prot Protection) (uintptr, error) {
	reserveLen := sizing.RoundUpToSystemPage(length + alignment)
	region, err := mmapFn(-1, 0, int(reserveLen), protFlags(Inaccessible), unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.ErrOutOfMemory
	}
	base := addrOf(region)

	candidate := sizing.AlignUp(base+offset, alignment) - offset
	headSlack := candidate - base
	tailSlack := uintptr(reserveLen) - headSlack - uintptr(length)
	if headSlack > 0 {
		munmapFn(region[:headSlack])
	}
	if tailSlack > 0 {
		munmapFn(region[uintptr(len(region))-tailSlack:])
	}

	if prot != Inaccessible {
		if err := SetAccess(candidate, length, prot); err != nil {
			return 0, errors.ErrOutOfMemory
		}
	}
	return candidate, nil
}

// FreePages releases length bytes starting at addr back to the OS.
func FreePages(addr uintptr, length sizing.Size) error {
	return munmapFn(sliceAt(addr, length))
}

// SetAccess changes the protection of an already-reserved region.
func SetAccess(addr uintptr, length sizing.Size, prot Protection) error {
	return mprotectFn(sliceAt(addr, length), protFlags(prot))
}

// DecommitSystemPages releases the physical frames backing [addr, addr+length)
// while keeping the address range reserved; a subsequent SetAccess re-commits
// it lazily on first touch. Returns the (rounded-up) byte count of physical
// frames released, matching spec.md §4.1's "returns physical frames" note.
func DecommitSystemPages(addr uintptr, length sizing.Size) (sizing.Size, error) {
	rounded := sizing.RoundUpToSystemPage(length)
	if err := SetAccess(addr, rounded, Inaccessible); err != nil {
		return 0, err
	}
	if err := madviseFn(sliceAt(addr, rounded), unix.MADV_DONTNEED); err != nil {
		return 0, err
	}
	return rounded, nil
}

// DiscardSystemPages hints that the physical frames backing the region may
// be reclaimed without changing protection or the caller-visible contents
// contract (spec.md: "cheaper than decommit").
func DiscardSystemPages(addr uintptr, length sizing.Size) error {
	return madviseFn(sliceAt(addr, sizing.RoundUpToSystemPage(length)), unix.MADV_FREE)
}

// TagMemoryWithPkey attempts to protect [addr, addr+length) with a memory
// protection key so that only threads carrying that key may access it.
// Falls back to a plain SetAccess(ReadWrite) when key is 0 or the platform
// does not support pkeys, matching spec.md §4.1's described fallback.
func TagMemoryWithPkey(key int, addr uintptr, length sizing.Size) error {
	if key == 0 {
		return SetAccess(addr, length, ReadWrite)
	}
	if err := pkeyMprotectFn(sliceAt(addr, length), unix.PROT_READ|unix.PROT_WRITE, key); err != nil {
		return SetAccess(addr, length, ReadWrite)
	}
	return nil
}

var pkeyMprotectFn = func(b []byte, prot, key int) error {
	return unix.PkeyMprotect(b, prot, key)
}
