package ioworker

import (
	"net"
	"sync/atomic"
)

// fdOwner guards a raw descriptor so that exactly one of the racing paths
// that may close it (completion, cancellation, channel close, worker
// shutdown) actually does. Losers of the claim must not touch the fd.
type fdOwner struct {
	fd     int
	closed atomic.Bool
}

// claim reports whether the caller now owns closing the descriptor.
func (o *fdOwner) claim() bool {
	return o.closed.CompareAndSwap(false, true)
}

func (o *fdOwner) isOpen() bool {
	return !o.closed.Load()
}

// BoundChannel is the restricted view of a bound socket handed to bind
// listeners before any connection exists. It exposes no configuration, and
// is valid only for the duration of the listener invocation; Close aborts
// the in-flight operation.
type BoundChannel interface {
	LocalAddr() net.Addr
	IsOpen() bool
	Close() error
}

// boundView adapts an in-flight operation's socket to BoundChannel.
type boundView struct {
	addr    net.Addr
	isOpen  func() bool
	closeFn func() error
}

func (v *boundView) LocalAddr() net.Addr { return v.addr }
func (v *boundView) IsOpen() bool        { return v.isOpen() }
func (v *boundView) Close() error        { return v.closeFn() }

// StreamChannel is a connected TCP socket owned by a worker. It counts as
// one live resource from creation until Close. Byte-stream framing is out
// of scope here: consumers drive I/O themselves through readiness
// registrations on the channel's threads and the raw descriptor.
type StreamChannel struct {
	owner         *fdOwner
	worker        *Worker
	readThread    *WorkerThread
	writeThread   *WorkerThread
	local         *net.TCPAddr
	remote        *net.TCPAddr
	closeListener ListenerSetter[*StreamChannel]
}

// newStreamChannel constructs the channel view over a connected descriptor.
// The caller is responsible for resource accounting and registry tracking.
func newStreamChannel(w *Worker, owner *fdOwner, readThread, writeThread *WorkerThread) *StreamChannel {
	return &StreamChannel{
		owner:       owner,
		worker:      w,
		readThread:  readThread,
		writeThread: writeThread,
		local:       localTCPAddr(owner.fd),
		remote:      remoteTCPAddr(owner.fd),
	}
}

// FD returns the raw descriptor. It remains valid until Close; using it
// afterwards races with descriptor reuse.
func (c *StreamChannel) FD() int { return c.owner.fd }

// LocalAddr returns the bound local address.
func (c *StreamChannel) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the connected peer's address.
func (c *StreamChannel) RemoteAddr() net.Addr { return c.remote }

// ReadThread returns the event-loop thread assigned for read readiness.
// Nil when the worker has no read pool.
func (c *StreamChannel) ReadThread() *WorkerThread { return c.readThread }

// WriteThread returns the event-loop thread assigned for write readiness.
// Nil when the worker has no write pool.
func (c *StreamChannel) WriteThread() *WorkerThread { return c.writeThread }

// IsOpen reports whether the channel has not been closed.
func (c *StreamChannel) IsOpen() bool { return c.owner.isOpen() }

// RegisterRead registers the channel for read readiness on its read thread.
func (c *StreamChannel) RegisterRead(cb IOCallback) (*Registration, error) {
	return c.register(c.readThread, EventRead, cb)
}

// RegisterWrite registers the channel for write readiness on its write
// thread.
func (c *StreamChannel) RegisterWrite(cb IOCallback) (*Registration, error) {
	return c.register(c.writeThread, EventWrite, cb)
}

func (c *StreamChannel) register(t *WorkerThread, events IOEvents, cb IOCallback) (*Registration, error) {
	if !c.owner.isOpen() {
		return nil, net.ErrClosed
	}
	if t == nil {
		return nil, ErrNoThreads
	}
	return t.RegisterReadiness(c.owner.fd, events, cb)
}

// SetCloseListener sets the single-slot listener fired when the channel
// closes. Setting after close does not fire.
func (c *StreamChannel) SetCloseListener(listener ChannelListener[*StreamChannel]) {
	c.closeListener.Set(listener)
}

// Close deregisters the channel from its threads, closes the descriptor,
// releases the channel's resource count, and fires the close listener.
// Idempotent; later calls return nil.
func (c *StreamChannel) Close() error {
	if !c.owner.claim() {
		return nil
	}
	if c.readThread != nil {
		c.readThread.deregisterFD(c.owner.fd)
	}
	if c.writeThread != nil && c.writeThread != c.readThread {
		c.writeThread.deregisterFD(c.owner.fd)
	}
	err := closeFD(c.owner.fd)
	c.worker.untrackResource(c)
	c.worker.lifecycle.closeResource()
	invokeChannelListener(c.worker.logger, c.closeListener.get(), c)
	return err
}

// DatagramChannel is a bound datagram socket. Two implementations exist:
// the non-blocking UDPChannel, and the blocking-socket MulticastChannel
// fallback selected by CreateUDPServer when multicast is required but the
// platform lacks native non-blocking multicast support.
type DatagramChannel interface {
	LocalAddr() net.Addr
	IsOpen() bool
	Close() error

	// SendTo transmits one datagram. The non-blocking implementation
	// reports ErrWouldBlock when the socket buffer is full.
	SendTo(p []byte, to *net.UDPAddr) (int, error)

	// ReceiveFrom receives one datagram. The non-blocking implementation
	// reports ErrWouldBlock when none is queued; the fallback blocks.
	ReceiveFrom(p []byte) (int, *net.UDPAddr, error)

	// SetCloseListener sets the single-slot close listener.
	SetCloseListener(listener ChannelListener[DatagramChannel])
}
