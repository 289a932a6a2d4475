package ioworker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLifecycleOpenClose(t *testing.T) {
	s := newResourceState()
	if !s.isOpen() {
		t.Fatal("fresh state not open")
	}
	if s.count() != 0 {
		t.Fatalf("fresh count = %d, want 0", s.count())
	}

	if err := s.openResource(); err != nil {
		t.Fatalf("openResource: %v", err)
	}
	if err := s.openResource(); err != nil {
		t.Fatalf("openResource: %v", err)
	}
	if s.count() != 2 {
		t.Fatalf("count = %d, want 2", s.count())
	}

	s.closeResource()
	if s.count() != 1 {
		t.Fatalf("count after close = %d, want 1", s.count())
	}
	if s.isClosed() {
		t.Fatal("closed with no close requested")
	}
}

func TestLifecycleOpenAfterCloseRequested(t *testing.T) {
	s := newResourceState()
	if err := s.openResource(); err != nil {
		t.Fatalf("openResource: %v", err)
	}
	if !s.requestClose() {
		t.Fatal("requestClose reported loss with no competitor")
	}
	if err := s.openResource(); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("openResource after close requested = %v, want ErrWorkerClosed", err)
	}
	if s.isOpen() {
		t.Fatal("isOpen after close requested")
	}

	// The unconditional path still works for in-flight resources.
	s.openResourceUnconditionally()
	if s.count() != 2 {
		t.Fatalf("count = %d, want 2", s.count())
	}
	s.closeResource()
	s.closeResource()

	select {
	case <-s.closed():
	case <-time.After(time.Second):
		t.Fatal("close did not complete after last resource released")
	}
	if !s.isClosed() {
		t.Fatal("isClosed false after drain")
	}
}

func TestLifecycleRequestCloseAtZero(t *testing.T) {
	s := newResourceState()
	var fired atomic.Int32
	s.onClosed = func() { fired.Add(1) }

	if !s.requestClose() {
		t.Fatal("requestClose reported loss with no competitor")
	}
	// Zero live resources: completion is immediate.
	select {
	case <-s.closed():
	default:
		t.Fatal("close not complete despite zero resources")
	}
	if fired.Load() != 1 {
		t.Fatalf("onClosed fired %d times, want 1", fired.Load())
	}

	if s.requestClose() {
		t.Fatal("second requestClose reported a win")
	}
	if fired.Load() != 1 {
		t.Fatalf("onClosed fired %d times after repeat request, want 1", fired.Load())
	}
}

func TestLifecycleSingleCloseWinner(t *testing.T) {
	const n = 32
	s := newResourceState()
	var fired atomic.Int32
	s.onClosed = func() { fired.Add(1) }

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if s.requestClose() {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("requestClose winners = %d, want 1", wins.Load())
	}
	if fired.Load() != 1 {
		t.Fatalf("onClosed fired %d times, want 1", fired.Load())
	}
}

// Hammer paired open/close against a midway close request. The count must
// return to zero and completion must fire exactly once, regardless of
// interleaving.
func TestLifecycleConcurrentTraffic(t *testing.T) {
	const workers = 16
	const iterations = 200
	s := newResourceState()
	var fired atomic.Int32
	s.onClosed = func() { fired.Add(1) }

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if err := s.openResource(); err != nil {
					return
				}
				s.closeResource()
			}
		}()
	}
	time.Sleep(time.Millisecond)
	s.requestClose()
	wg.Wait()

	select {
	case <-s.closed():
	case <-time.After(time.Second):
		t.Fatal("close never completed")
	}
	if got := s.count(); got != 0 {
		t.Fatalf("count after drain = %d, want 0", got)
	}
	if fired.Load() != 1 {
		t.Fatalf("onClosed fired %d times, want 1", fired.Load())
	}
}
