package ioworker

import (
	"errors"
	"fmt"
	"net"
)

// Standard errors.
var (
	// ErrInvalidArgument is returned for structurally invalid configuration
	// or arguments, e.g. a negative thread count or a sample size exceeding
	// the pool size. It fails fast at call time and is never retried.
	ErrInvalidArgument = errors.New("ioworker: invalid argument")

	// ErrNoThreads is returned by operations that need an event-loop thread
	// when the relevant pool is empty. It matches ErrInvalidArgument under
	// [errors.Is].
	ErrNoThreads = fmt.Errorf("%w: no threads configured", ErrInvalidArgument)

	// ErrWorkerClosed is returned when an operation is attempted after
	// worker shutdown has begun.
	ErrWorkerClosed = errors.New("ioworker: worker is shutting down")

	// ErrThreadTerminated is returned when a task or registration is
	// submitted to a worker thread after its shutdown has begun.
	ErrThreadTerminated = errors.New("ioworker: worker thread terminated")

	// ErrCancelled is the failure reason observed on a future that was
	// cancelled before it completed.
	ErrCancelled = errors.New("ioworker: operation cancelled")

	// ErrPending is returned by Future.Value while the future has not yet
	// reached a terminal state.
	ErrPending = errors.New("ioworker: operation still pending")

	// ErrWouldBlock is returned by non-blocking datagram I/O when the
	// operation cannot complete immediately.
	ErrWouldBlock = errors.New("ioworker: operation would block")

	// ErrUnsupportedPlatform is returned by worker construction on
	// platforms without an epoll-style readiness facility.
	ErrUnsupportedPlatform = errors.New("ioworker: unsupported platform")
)

// Poller errors.
var (
	// ErrFDOutOfRange is returned when a file descriptor is negative or
	// exceeds the poller's growth limit.
	ErrFDOutOfRange = errors.New("ioworker: fd out of range")

	// ErrFDAlreadyRegistered is returned when registering a file descriptor
	// that is already being monitored by the same thread.
	ErrFDAlreadyRegistered = errors.New("ioworker: fd already registered")

	// ErrFDNotRegistered is returned when modifying or cancelling a
	// registration that does not exist.
	ErrFDNotRegistered = errors.New("ioworker: fd not registered")

	// ErrPollerClosed is returned when using a poller after its owning
	// thread has shut down.
	ErrPollerClosed = errors.New("ioworker: poller closed")

	// ErrRegistrationCancelled is returned by Registration.Resume after the
	// registration has been cancelled.
	ErrRegistrationCancelled = errors.New("ioworker: registration cancelled")
)

// IOError wraps a system-call failure with the failed operation and, when
// known, the address involved. It is surfaced either directly from
// synchronous bootstrap calls (bind, listen) or through a future's Failed
// state for asynchronous handshakes.
type IOError struct {
	Err  error
	Addr net.Addr
	Op   string
}

// Error implements the error interface.
func (e *IOError) Error() string {
	if e.Addr != nil {
		return fmt.Sprintf("ioworker: %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("ioworker: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause for use with [errors.Is] and
// [errors.As].
func (e *IOError) Unwrap() error {
	return e.Err
}

func newIOError(op string, addr net.Addr, err error) error {
	return &IOError{Op: op, Addr: addr, Err: err}
}
