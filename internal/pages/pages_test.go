package pages

import (
	"testing"

	"github.com/achilleasa/partitionalloc/internal/sizing"
)

func withFakeMmap(t *testing.T, backing []byte) (restore func()) {
	t.Helper()
	origMmap, origMunmap, origMprotect, origMadvise := mmapFn, munmapFn, mprotectFn, madviseFn

	mmapFn = func(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
		return backing[:length], nil
	}
	munmapFn = func(b []byte) error { return nil }
	mprotectFn = func(b []byte, prot int) error { return nil }
	madviseFn = func(b []byte, advice int) error { return nil }

	return func() {
		mmapFn, munmapFn, mprotectFn, madviseFn = origMmap, origMunmap, origMprotect, origMadvise
	}
}

func TestAllocPagesAlignment(t *testing.T) {
	backing := make([]byte, 4*sizing.SuperPageSize)
	restore := withFakeMmap(t, backing)
	defer restore()

	addr, err := AllocPages(0, sizing.SuperPageSize, sizing.SuperPageSize, ReadWrite, false)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	if !sizing.IsAligned(addr, sizing.SuperPageSize) {
		t.Errorf("expected super-page aligned address, got %#x", addr)
	}
}

func TestAllocPagesOOMReturnsNull(t *testing.T) {
	origMmap := mmapFn
	defer func() { mmapFn = origMmap }()
	mmapFn = func(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
		return nil, errPermanentFailure
	}

	_, err := AllocPages(0, sizing.SystemPageSize, 0, ReadWrite, true)
	if err == nil {
		t.Fatal("expected error when mmap fails with returnNullOnFailure")
	}
}

func TestAllocPagesOOMInvokesCallback(t *testing.T) {
	origMmap := mmapFn
	defer func() { mmapFn = origMmap }()
	mmapFn = func(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
		return nil, errPermanentFailure
	}

	called := false
	origOOM := oomFn
	defer func() { oomFn = origOOM }()
	SetOOMCallback(func() { called = true })

	_, _ = AllocPages(0, sizing.SystemPageSize, 0, ReadWrite, false)
	if !called {
		t.Error("expected OOM callback to run")
	}
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const errPermanentFailure = staticErr("simulated mmap failure")
