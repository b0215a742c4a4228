package errors

import "testing"

func TestKernelErrorImplementsError(t *testing.T) {
	var err error = ErrOutOfMemory
	if err.Error() != "partitionalloc: out of memory" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestFatalInvokesCrashFn(t *testing.T) {
	orig := crashFn
	defer func() { crashFn = orig }()

	called := false
	crashFn = func() { called = true; panic("halt") }

	func() {
		defer func() { recover() }()
		Fatal(KindFreelistCorruption, "boom")
	}()

	if !called {
		t.Error("expected crashFn to be invoked")
	}
}

func TestNewPartitionError(t *testing.T) {
	err := New(KindInvalidAlignment, "bad alignment")
	if err.Kind != KindInvalidAlignment || err.Error() != "bad alignment" {
		t.Errorf("unexpected error: %+v", err)
	}
}
