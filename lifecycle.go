package ioworker

import (
	"sync/atomic"
)

// Resource lifecycle state, packed into one 32-bit word.
//
// State Machine:
//
//	bits 0..29  live resource count
//	bit 30      close requested   [requestClose, exactly one winner]
//	bit 31      close complete    [set by CAS when count drains to zero
//	                               with close requested; exactly once]
//
// Guarded increments (openResource) fail once close-requested is set.
// Unconditional increments are reserved for resources whose creation is
// already committed: started pool threads, and sockets produced inside an
// in-flight handshake.
const (
	resourceCountMask   uint32 = (1 << 30) - 1
	stateCloseRequested uint32 = 1 << 30
	stateCloseComplete  uint32 = 1 << 31
)

// resourceState tracks every independently-owned resource from creation to
// close, so shutdown can wait for true completion. All mutation is via
// atomic CAS; the one blocking point is the drain channel.
type resourceState struct {
	state atomic.Uint32

	// done is closed exactly once, by whichever goroutine performs the
	// close-complete transition.
	done chan struct{}

	// onClosed, when set before use, runs after done is closed, outside any
	// lock. A listener that calls back into the worker cannot deadlock.
	onClosed func()
}

func newResourceState() *resourceState {
	return &resourceState{done: make(chan struct{})}
}

// openResource admits one new resource. It fails with ErrWorkerClosed once
// close has been requested. Compare-and-retry avoids lost updates under
// concurrent open/close traffic.
func (s *resourceState) openResource() error {
	for {
		old := s.state.Load()
		if old&stateCloseRequested != 0 {
			return ErrWorkerClosed
		}
		if s.state.CompareAndSwap(old, old+1) {
			return nil
		}
	}
}

// openResourceUnconditionally admits a resource regardless of close state.
// Callers must not create user-visible resources through this path after
// shutdown has begun.
func (s *resourceState) openResourceUnconditionally() {
	s.state.Add(1)
}

// closeResource releases one resource. The decrement that leaves the word
// at exactly close-requested-with-zero-count performs the single transition
// to close-complete and wakes all shutdown waiters.
func (s *resourceState) closeResource() {
	newState := s.state.Add(^uint32(0))
	for newState == stateCloseRequested {
		if s.state.CompareAndSwap(stateCloseRequested, stateCloseRequested|stateCloseComplete) {
			s.completeClose()
			return
		}
		newState = s.state.Load()
	}
}

// requestClose sets the close-requested bit. Reports whether this caller
// won the race and therefore owns triggering pool-thread shutdown. If the
// count is already zero the winner also completes the close immediately.
func (s *resourceState) requestClose() bool {
	for {
		old := s.state.Load()
		if old&stateCloseRequested != 0 {
			return false
		}
		if s.state.CompareAndSwap(old, old|stateCloseRequested) {
			if old&resourceCountMask == 0 {
				if s.state.CompareAndSwap(stateCloseRequested, stateCloseRequested|stateCloseComplete) {
					s.completeClose()
				}
			}
			return true
		}
	}
}

// completeClose runs on the goroutine that performed the close-complete
// transition. The CAS guarantees it runs at most once.
func (s *resourceState) completeClose() {
	close(s.done)
	if s.onClosed != nil {
		s.onClosed()
	}
}

// isOpen reports whether close has not yet been requested.
func (s *resourceState) isOpen() bool {
	return s.state.Load()&stateCloseRequested == 0
}

// isClosed reports whether the close has fully completed.
func (s *resourceState) isClosed() bool {
	return s.state.Load()&stateCloseComplete != 0
}

// count returns the live resource count.
func (s *resourceState) count() int {
	return int(s.state.Load() & resourceCountMask)
}

// closed returns the drain channel, closed once close-complete is set.
func (s *resourceState) closed() <-chan struct{} {
	return s.done
}
