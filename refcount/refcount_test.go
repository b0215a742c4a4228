package refcount

import (
	"testing"

	"github.com/achilleasa/partitionalloc/errors"
)

func TestFreeBeforeAcquireFreesImmediately(t *testing.T) {
	var rc RefCount
	if !rc.MarkFreedByUser() {
		t.Fatal("expected immediate physical free when no references were ever acquired")
	}
	if !rc.FreeForRefCounting() {
		t.Fatal("expected FreeForRefCounting to succeed the first time")
	}
	if rc.FreeForRefCounting() {
		t.Error("expected a second FreeForRefCounting call to be rejected (idempotency)")
	}
}

func TestFreeWithOutstandingReferenceDefersPhysicalFree(t *testing.T) {
	var rc RefCount
	rc.Acquire()

	if rc.MarkFreedByUser() {
		t.Fatal("expected MarkFreedByUser to defer while a reference is outstanding")
	}
	if rc.IsAlive() {
		t.Error("expected IsAlive to be false once logically freed")
	}

	if !rc.Release() {
		t.Fatal("expected the last Release to report shouldPhysicallyFree")
	}
	if !rc.FreeForRefCounting() {
		t.Fatal("expected FreeForRefCounting to succeed exactly once")
	}
}

func TestDoubleFreeCrashes(t *testing.T) {
	restore := errors.SetCrashFnForTesting(func() { panic("fatal") })
	defer restore()

	var rc RefCount
	rc.MarkFreedByUser()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second MarkFreedByUser to crash")
		}
	}()
	rc.MarkFreedByUser()
}

func TestReleaseUnderflowCrashes(t *testing.T) {
	restore := errors.SetCrashFnForTesting(func() { panic("fatal") })
	defer restore()

	var rc RefCount
	defer func() {
		if recover() == nil {
			t.Fatal("expected Release without Acquire to crash")
		}
	}()
	rc.Release()
}
