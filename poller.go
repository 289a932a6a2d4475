// I/O readiness monitoring.
//
// Each worker thread owns one poller multiplexing socket readiness through
// the platform-native mechanism (Linux: epoll). Registration and
// cancellation are safe from any goroutine; callbacks are dispatched from
// the owning thread's poll step only.
//
// Always deregister a file descriptor before closing it, or a recycled fd
// number may receive stale events. See poller_linux.go for the
// implementation and poller_stub.go for unsupported platforms.

package ioworker

// IOEvents is a bit set of I/O readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading, which
	// for a listening socket means an inbound connection is queued.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing, which
	// for an in-progress connect means the handshake finished.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOCallback receives readiness notifications for a registered file
// descriptor. It runs on the owning thread's loop goroutine.
type IOCallback func(IOEvents)
