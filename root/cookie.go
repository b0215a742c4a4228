package root

import (
	"encoding/binary"
	"unsafe"

	"github.com/achilleasa/partitionalloc/errors"
	"github.com/achilleasa/partitionalloc/refcount"
)

// cookieValue is the fixed guard-byte pattern written before and after the
// user's requested size, per spec.md §6.6. It is not secret: its only job
// is to catch accidental small overflows/underflows, not an adversary.
const cookieValue = uint64(0xEDEDEDEDEDEDEDED)

// cookieSize and refCountSize are the on-slot byte costs of the two extras
// kinds this root can add around a user allocation.
const (
	cookieSize   = uint32(8)
	refCountSize = uint32(unsafe.Sizeof(refcount.RefCount{}))
)

func writeCookie(addr uintptr) {
	b := byteSliceAt(addr, 8)
	binary.LittleEndian.PutUint64(b, cookieValue)
}

func checkCookie(addr uintptr) bool {
	b := byteSliceAt(addr, 8)
	return binary.LittleEndian.Uint64(b) == cookieValue
}

// requireCookie crashes via errors.Fatal when the guard byte pattern at
// addr has been overwritten, per spec.md §7's "Cookie mismatch" row.
func requireCookie(addr uintptr, which string) {
	if !checkCookie(addr) {
		errors.Fatal(errors.KindCookieMismatch, "root: "+which+" cookie mismatch, heap corruption detected")
	}
}

func byteSliceAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func refCountAt(addr uintptr) *refcount.RefCount {
	return (*refcount.RefCount)(unsafe.Pointer(addr))
}
