package plock

import (
	"sync"
	"testing"
	"time"

	"github.com/achilleasa/partitionalloc/errors"
)

func TestLockMutualExclusion(t *testing.T) {
	var (
		l          Lock
		wg         sync.WaitGroup
		counter    int
		numWorkers = 10
	)

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(id int) {
			defer wg.Done()
			l.Lock(uint64(id + 1))
			counter++
			l.Unlock()
		}(i)
	}
	wg.Wait()

	if counter != numWorkers {
		t.Errorf("expected counter == %d, got %d", numWorkers, counter)
	}
}

func TestTryLock(t *testing.T) {
	var l Lock
	l.Lock(1)
	if l.TryLock(2) {
		t.Error("expected TryLock to fail while held")
	}
	l.Unlock()
	if !l.TryLock(2) {
		t.Error("expected TryLock to succeed once released")
	}
	l.Unlock()
}

func TestReentrancyDetectionCrashes(t *testing.T) {
	var l Lock
	l.EnableReentrancyDetection()

	restore := errors.SetCrashFnForTesting(func() { panic("reentrancy") })
	defer restore()

	l.Lock(42)
	defer l.Unlock()

	crashed := false
	func() {
		defer func() {
			if recover() != nil {
				crashed = true
			}
		}()
		l.Lock(42)
	}()

	if !crashed {
		t.Error("expected reentrant Lock to crash")
	}
}

func TestWaitForConcurrentRelease(t *testing.T) {
	var l Lock
	l.Lock(1)

	done := make(chan struct{})
	go func() {
		l.Lock(2)
		l.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock()
	<-done
}
