// Package freelist implements the encoded freelist entry codec of spec.md
// §3.8/§4.4: the next-pointer stored inside a free slot is transformed and
// shadowed by its bitwise complement so that a stray single-word overwrite
// is detected on the next traversal instead of silently corrupting the
// allocator.
//
// The bit-trick style (mask/shift/complement on a raw word, no abstraction
// beyond a couple of named helpers) follows kernel/mem/vmm's
// pageTableEntry flag helpers (SetFlags/ClearFlags/HasFlags operate on a
// raw uintptr-sized word the same way Entry does here).
package freelist

import (
	"math/bits"
	"unsafe"

	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/internal/sizing"
)

// Entry is the two-word header a free slot carries at its first two
// pointer-sized words while it sits on a freelist. It is never constructed
// directly; callers address it by the raw slot address via SetNext/GetNext.
type Entry struct {
	encodedNext  uintptr
	invertedNext uintptr
}

func entryAt(addr uintptr) *Entry {
	return (*Entry)(unsafe.Pointer(addr))
}

// Transform applies the freelist pointer transform (spec.md §4.4: "byte-
// swap on little-endian hosts, bitwise-not on big-endian"). This module
// targets little-endian hosts only, matching the amd64-only build this
// codebase otherwise assumes; Transform is its own inverse, so the same
// call encodes and decodes.
func Transform(ptr uintptr) uintptr {
	return uintptr(bits.ReverseBytes64(uint64(ptr)))
}

// SetNext writes next as this slot's freelist link, encoding it and storing
// its inverted shadow alongside.
func SetNext(addr uintptr, next uintptr) {
	e := entryAt(addr)
	encoded := Transform(next)
	e.encodedNext = encoded
	e.invertedNext = ^encoded
}

// GetNext reads and decodes the freelist link stored at addr. isNull
// reports whether the decoded pointer is the list terminator. A mismatch
// between the encoded word and its inverted shadow is freelist corruption
// and crashes immediately (spec.md §4.4, §7): this is a trust boundary, not
// a recoverable error.
func GetNext(addr uintptr) (next uintptr, isNull bool) {
	e := entryAt(addr)
	if ^e.encodedNext != e.invertedNext {
		errors.Fatal(errors.KindFreelistCorruption, "freelist: encoded/inverted pointer mismatch")
	}
	next = Transform(e.encodedNext)
	return next, next == 0
}

// SameSuperPage reports whether a and b fall within the same super page.
// Freelist heads within a slot span must point into the same super page
// (spec.md §4.4); only thread-cache magazines are exempt: they use a List
// built with NewList(true), whose Pop skips this check.
func SameSuperPage(a, b uintptr) bool {
	return sizing.AlignDown(a, sizing.SuperPageSize) == sizing.AlignDown(b, sizing.SuperPageSize)
}

// List is a LIFO freelist threaded through Entry headers, the shape a slot
// span's freelist_head and a thread-cache magazine's freelist_head both
// share (spec.md §3.6, §3.9).
type List struct {
	head uintptr
	// crossSuperPageAllowed disables the same-super-page check on Pop,
	// for the thread cache's cross-super-page freelist (spec.md §4.4).
	crossSuperPageAllowed bool
}

// NewList constructs an empty List. crossSuperPageAllowed should be true
// only for thread-cache magazines.
func NewList(crossSuperPageAllowed bool) *List {
	return &List{crossSuperPageAllowed: crossSuperPageAllowed}
}

// Push links addr onto the front of the list.
func (l *List) Push(addr uintptr) {
	SetNext(addr, l.head)
	l.head = addr
}

// Pop removes and returns the front entry. ok is false if the list is
// empty.
func (l *List) Pop() (addr uintptr, ok bool) {
	if l.head == 0 {
		return 0, false
	}
	addr = l.head
	next, isNull := GetNext(addr)
	if !l.crossSuperPageAllowed && !isNull && !SameSuperPage(addr, next) {
		errors.Fatal(errors.KindFreelistCorruption, "freelist: head crosses a super page boundary")
	}
	l.head = next
	return addr, true
}

// Head returns the current head address, or 0 if the list is empty.
func (l *List) Head() uintptr { return l.head }

// IsEmpty reports whether the list has no entries.
func (l *List) IsEmpty() bool { return l.head == 0 }

// Reset clears the list without visiting its entries (used when a slot
// span's backing memory is being decommitted wholesale).
func (l *List) Reset() { l.head = 0 }
