package ioworker

import (
	"context"
	"sync"
)

// FutureState is the lifecycle state of a [Future]. A future starts Pending
// and transitions at most once to Succeeded, Failed, or Cancelled.
type FutureState int32

const (
	// FuturePending indicates the operation is still in progress.
	FuturePending FutureState = iota
	// FutureSucceeded indicates the operation completed with a value.
	FutureSucceeded
	// FutureFailed indicates the operation failed with an error.
	FutureFailed
	// FutureCancelled indicates the operation was cancelled before
	// completing.
	FutureCancelled
)

// String returns a human-readable representation of the state.
func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "Pending"
	case FutureSucceeded:
		return "Succeeded"
	case FutureFailed:
		return "Failed"
	case FutureCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Future is a read-only, single-assignment container for an asynchronous
// result. The operation that produces the value holds the matching
// [Result]; callers of this type only observe.
//
// Completion listeners and cancel handlers run synchronously on whatever
// goroutine performs the transition, often an event-loop thread, and must
// not block.
type Future[T any] struct {
	err             error
	done            chan struct{}
	listeners       []func(*Future[T])
	cancels         []func()
	value           T
	mu              sync.Mutex
	state           FutureState
	cancelRequested bool
}

// Result is the write half of a [Future]. Exactly one of Succeed, Fail, or
// Cancel takes effect; later calls report false and change nothing.
type Result[T any] struct {
	f *Future[T]
}

// NewResult creates a pending future and returns its write half.
func NewResult[T any]() *Result[T] {
	return &Result[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Future returns the read half.
func (r *Result[T]) Future() *Future[T] { return r.f }

// Succeed completes the future with value. Reports whether this call
// performed the terminal transition.
func (r *Result[T]) Succeed(value T) bool {
	return r.f.complete(FutureSucceeded, value, nil)
}

// Fail completes the future with err, which must be non-nil. Reports
// whether this call performed the terminal transition.
func (r *Result[T]) Fail(err error) bool {
	var zero T
	return r.f.complete(FutureFailed, zero, err)
}

// Cancel marks the future cancelled. Reports whether this call performed
// the terminal transition. Typically called from a cancel handler after it
// wins the race against completion.
func (r *Result[T]) Cancel() bool {
	var zero T
	return r.f.complete(FutureCancelled, zero, ErrCancelled)
}

// OnCancel registers fn to run when [Future.Cancel] is invoked while the
// future is pending. The handler may release underlying resources and
// usually calls [Result.Cancel] to claim the terminal transition. If
// cancellation was already requested, fn runs immediately; if the future is
// already complete, fn is dropped.
func (r *Result[T]) OnCancel(fn func()) {
	if fn == nil {
		return
	}
	f := r.f
	f.mu.Lock()
	if f.state == FuturePending && !f.cancelRequested {
		f.cancels = append(f.cancels, fn)
		f.mu.Unlock()
		return
	}
	requested := f.cancelRequested
	f.mu.Unlock()
	if requested {
		fn()
	}
}

// complete performs the terminal transition and notifies listeners outside
// the lock.
func (f *Future[T]) complete(state FutureState, value T, err error) bool {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.value = value
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	f.cancels = nil
	close(f.done)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(f)
	}
	return true
}

// State returns the current state.
func (f *Future[T]) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done returns a channel closed when the future reaches a terminal state.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Value returns the result without blocking: the value for a succeeded
// future, ErrPending while pending, ErrCancelled after cancellation, and
// the failure error otherwise.
func (f *Future[T]) Value() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case FutureSucceeded:
		return f.value, nil
	case FuturePending:
		var zero T
		return zero, ErrPending
	default:
		var zero T
		return zero, f.err
	}
}

// Err returns nil for a succeeded future, ErrPending while pending, and the
// failure or cancellation error otherwise.
func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case FutureSucceeded:
		return nil
	case FuturePending:
		return ErrPending
	default:
		return f.err
	}
}

// Await blocks until the future is terminal or ctx is done, then returns as
// [Future.Value]. A ctx error abandons only the wait, never the operation.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Value()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AddListener registers fn to run exactly once when the future becomes
// terminal. If it already is, fn runs immediately on the calling goroutine.
func (f *Future[T]) AddListener(fn func(*Future[T])) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	if f.state == FuturePending {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f)
}

// Cancel requests cooperative cancellation. Registered cancel handlers run
// outside the lock; whichever of completion or the handlers' Cancel claims
// the terminal transition wins, and the loser's effects are discarded. With
// no handlers registered, Cancel has no effect on the outcome.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	if f.state != FuturePending || f.cancelRequested {
		f.mu.Unlock()
		return
	}
	f.cancelRequested = true
	handlers := f.cancels
	f.cancels = nil
	f.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// NewSucceededFuture returns a future already completed with value.
func NewSucceededFuture[T any](value T) *Future[T] {
	f := &Future[T]{state: FutureSucceeded, value: value, done: make(chan struct{})}
	close(f.done)
	return f
}

// NewFailedFuture returns a future already failed with err.
func NewFailedFuture[T any](err error) *Future[T] {
	f := &Future[T]{state: FutureFailed, err: err, done: make(chan struct{})}
	close(f.done)
	return f
}
