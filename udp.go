package ioworker

import (
	"fmt"
	"net"
	"sync/atomic"
)

// CreateUDPServer binds a datagram channel. When multicast is required
// (OptMulticast) and the platform capability injected at construction does
// not include native non-blocking multicast, the blocking-socket fallback
// is selected; otherwise a plain non-blocking datagram socket is used. The
// bind listener fires synchronously once the channel is bound. Either
// implementation counts as one live resource until Close.
func (w *Worker) CreateUDPServer(bind *net.UDPAddr, bindListener ChannelListener[BoundChannel], options OptionMap) (DatagramChannel, error) {
	if bind == nil {
		return nil, fmt.Errorf("%w: nil bind address", ErrInvalidArgument)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if OptMulticast.Get(options) && !w.nativeMulticast {
		return w.createMulticastFallback(bind, bindListener, options)
	}
	return w.createUDPChannel(bind, bindListener, options)
}

func (w *Worker) createUDPChannel(bind *net.UDPAddr, bindListener ChannelListener[BoundChannel], options OptionMap) (DatagramChannel, error) {
	if err := w.lifecycle.openResource(); err != nil {
		return nil, err
	}
	family := addrFamily(bind.IP)
	fd, err := openDatagramSocket(family, options)
	if err != nil {
		w.lifecycle.closeResource()
		return nil, err
	}
	fail := func(op string, err error) (DatagramChannel, error) {
		_ = closeFD(fd)
		w.lifecycle.closeResource()
		return nil, newIOError(op, bind, err)
	}
	if err := applyListenerOptions(fd, options); err != nil {
		return fail("setsockopt", err)
	}
	if err := bindFD(fd, family, bind.IP, bind.Port, bind.Zone); err != nil {
		return fail("bind", err)
	}
	u := &UDPChannel{
		owner:       &fdOwner{fd: fd},
		worker:      w,
		readThread:  w.pools.chooseOptional(false),
		writeThread: w.pools.chooseOptional(true),
		local:       localUDPAddr(fd),
		family:      family,
	}
	if err := w.trackResource(u); err != nil {
		_ = closeFD(fd)
		w.lifecycle.closeResource()
		return nil, err
	}
	w.logger.Debug().
		Str("local", u.local.String()).
		Log("ioworker: udp channel bound")
	invokeChannelListener[BoundChannel](w.logger, bindListener, u)
	return u, nil
}

func (w *Worker) createMulticastFallback(bind *net.UDPAddr, bindListener ChannelListener[BoundChannel], options OptionMap) (DatagramChannel, error) {
	if err := w.lifecycle.openResource(); err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		w.lifecycle.closeResource()
		return nil, newIOError("listen", bind, err)
	}
	// the fallback always applies buffer sizes, defaults included
	_ = conn.SetReadBuffer(OptReceiveBuffer.Get(options))
	_ = conn.SetWriteBuffer(OptSendBuffer.Get(options))
	m := &MulticastChannel{
		conn:        conn,
		worker:      w,
		readThread:  w.pools.chooseOptional(false),
		writeThread: w.pools.chooseOptional(true),
	}
	if err := w.trackResource(m); err != nil {
		_ = conn.Close()
		w.lifecycle.closeResource()
		return nil, err
	}
	w.logger.Debug().
		Str("local", conn.LocalAddr().String()).
		Log("ioworker: multicast fallback channel bound")
	invokeChannelListener[BoundChannel](w.logger, bindListener, m)
	return m, nil
}

// UDPChannel is the plain non-blocking datagram implementation. I/O never
// blocks: SendTo and ReceiveFrom report ErrWouldBlock, and readiness is
// observed through registrations on the channel's threads.
type UDPChannel struct {
	owner         *fdOwner
	worker        *Worker
	readThread    *WorkerThread
	writeThread   *WorkerThread
	local         *net.UDPAddr
	family        int
	closeListener ListenerSetter[DatagramChannel]
}

// LocalAddr returns the bound local address.
func (u *UDPChannel) LocalAddr() net.Addr { return u.local }

// IsOpen reports whether the channel has not been closed.
func (u *UDPChannel) IsOpen() bool { return u.owner.isOpen() }

// FD returns the raw descriptor, valid until Close.
func (u *UDPChannel) FD() int { return u.owner.fd }

// ReadThread returns the thread assigned for read readiness, nil with an
// empty read pool.
func (u *UDPChannel) ReadThread() *WorkerThread { return u.readThread }

// WriteThread returns the thread assigned for write readiness, nil with an
// empty write pool.
func (u *UDPChannel) WriteThread() *WorkerThread { return u.writeThread }

// RegisterRead registers the channel for read readiness on its read thread.
func (u *UDPChannel) RegisterRead(cb IOCallback) (*Registration, error) {
	return u.register(u.readThread, EventRead, cb)
}

// RegisterWrite registers the channel for write readiness on its write
// thread.
func (u *UDPChannel) RegisterWrite(cb IOCallback) (*Registration, error) {
	return u.register(u.writeThread, EventWrite, cb)
}

func (u *UDPChannel) register(t *WorkerThread, events IOEvents, cb IOCallback) (*Registration, error) {
	if !u.owner.isOpen() {
		return nil, net.ErrClosed
	}
	if t == nil {
		return nil, ErrNoThreads
	}
	return t.RegisterReadiness(u.owner.fd, events, cb)
}

// SendTo transmits one datagram without blocking.
func (u *UDPChannel) SendTo(p []byte, to *net.UDPAddr) (int, error) {
	if to == nil {
		return 0, fmt.Errorf("%w: nil destination address", ErrInvalidArgument)
	}
	if !u.owner.isOpen() {
		return 0, net.ErrClosed
	}
	n, wouldBlock, err := sendToFD(u.owner.fd, u.family, p, to)
	if wouldBlock {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, newIOError("sendto", to, err)
	}
	return n, nil
}

// ReceiveFrom receives one datagram without blocking.
func (u *UDPChannel) ReceiveFrom(p []byte) (int, *net.UDPAddr, error) {
	if !u.owner.isOpen() {
		return 0, nil, net.ErrClosed
	}
	n, from, wouldBlock, err := recvFromFD(u.owner.fd, p)
	if wouldBlock {
		return 0, nil, ErrWouldBlock
	}
	if err != nil {
		return 0, nil, newIOError("recvfrom", u.local, err)
	}
	return n, from, nil
}

// SetCloseListener sets the single-slot close listener.
func (u *UDPChannel) SetCloseListener(listener ChannelListener[DatagramChannel]) {
	u.closeListener.Set(listener)
}

// Close releases the channel and its resource count. Idempotent.
func (u *UDPChannel) Close() error {
	if !u.owner.claim() {
		return nil
	}
	if u.readThread != nil {
		u.readThread.deregisterFD(u.owner.fd)
	}
	if u.writeThread != nil && u.writeThread != u.readThread {
		u.writeThread.deregisterFD(u.owner.fd)
	}
	err := closeFD(u.owner.fd)
	u.worker.untrackResource(u)
	u.worker.lifecycle.closeResource()
	invokeChannelListener[DatagramChannel](u.worker.logger, u.closeListener.get(), u)
	return err
}

// MulticastChannel is the blocking-socket fallback used when multicast is
// required but the platform lacks native non-blocking multicast support. It
// holds at most one read-pool and one write-pool thread reference, either
// possibly nil with empty pools: sends are offloaded to the write thread
// when present, receives block the calling goroutine, and no loop thread
// ever blocks on this channel's socket.
type MulticastChannel struct {
	conn          *net.UDPConn
	worker        *Worker
	readThread    *WorkerThread
	writeThread   *WorkerThread
	closed        atomic.Bool
	closeListener ListenerSetter[DatagramChannel]
}

// LocalAddr returns the bound local address.
func (m *MulticastChannel) LocalAddr() net.Addr { return m.conn.LocalAddr() }

// IsOpen reports whether the channel has not been closed.
func (m *MulticastChannel) IsOpen() bool { return !m.closed.Load() }

// ReadThread returns the assigned read-pool thread reference, possibly nil.
func (m *MulticastChannel) ReadThread() *WorkerThread { return m.readThread }

// WriteThread returns the assigned write-pool thread reference, possibly
// nil.
func (m *MulticastChannel) WriteThread() *WorkerThread { return m.writeThread }

// JoinGroup joins an IPv4 multicast group, optionally on a specific
// interface.
func (m *MulticastChannel) JoinGroup(group net.IP, ifi *net.Interface) error {
	if m.closed.Load() {
		return net.ErrClosed
	}
	return joinGroupConn(m.conn, group, ifi)
}

// SendTo transmits one datagram. The write is offloaded to the channel's
// write thread when one is assigned, so it must not be called from a loop
// thread; with no write thread it runs inline.
func (m *MulticastChannel) SendTo(p []byte, to *net.UDPAddr) (int, error) {
	if to == nil {
		return 0, fmt.Errorf("%w: nil destination address", ErrInvalidArgument)
	}
	if m.closed.Load() {
		return 0, net.ErrClosed
	}
	if t := m.writeThread; t != nil {
		type sendResult struct {
			n   int
			err error
		}
		ch := make(chan sendResult, 1)
		if err := t.Execute(func() {
			n, err := m.conn.WriteToUDP(p, to)
			ch <- sendResult{n, err}
		}); err == nil {
			r := <-ch
			return r.n, r.err
		}
	}
	return m.conn.WriteToUDP(p, to)
}

// ReceiveFrom blocks the calling goroutine until a datagram arrives or the
// channel closes.
func (m *MulticastChannel) ReceiveFrom(p []byte) (int, *net.UDPAddr, error) {
	if m.closed.Load() {
		return 0, nil, net.ErrClosed
	}
	return m.conn.ReadFromUDP(p)
}

// SetCloseListener sets the single-slot close listener.
func (m *MulticastChannel) SetCloseListener(listener ChannelListener[DatagramChannel]) {
	m.closeListener.Set(listener)
}

// Close releases the channel and its resource count, unblocking any
// in-flight ReceiveFrom. Idempotent.
func (m *MulticastChannel) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.conn.Close()
	m.worker.untrackResource(m)
	m.worker.lifecycle.closeResource()
	invokeChannelListener[DatagramChannel](m.worker.logger, m.closeListener.get(), m)
	return err
}
