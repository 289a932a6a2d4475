package ioworker

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// TCPServer is a long-lived accepting channel. Accept readiness is
// registered on every read-pool thread, so inbound connections are drained
// by whichever thread wakes first and handed to the accept listener as
// StreamChannels. The server counts as one live resource until Close.
type TCPServer struct {
	worker *Worker
	owner  *fdOwner
	local  *net.TCPAddr

	acceptListener ListenerSetter[*StreamChannel]
	closeListener  ListenerSetter[*TCPServer]

	mu            sync.Mutex
	registrations []*Registration
}

// CreateTCPServer binds and listens on bind, registering accept readiness
// across the whole read pool. The accept listener runs on loop threads and
// receives each accepted channel; it may be replaced later via
// SetAcceptListener. Bootstrap failures are returned synchronously with
// every partial resource already released.
func (w *Worker) CreateTCPServer(bind *net.TCPAddr, acceptListener ChannelListener[*StreamChannel], options OptionMap) (*TCPServer, error) {
	if bind == nil {
		return nil, fmt.Errorf("%w: nil bind address", ErrInvalidArgument)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if len(w.pools.read) == 0 {
		return nil, ErrNoThreads
	}
	if err := w.lifecycle.openResource(); err != nil {
		return nil, err
	}
	family := addrFamily(bind.IP)
	fd, err := openStreamSocket(family, options)
	if err != nil {
		w.lifecycle.closeResource()
		return nil, err
	}
	fail := func(op string, err error) (*TCPServer, error) {
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
	if err := listenFD(fd, options); err != nil {
		return fail("listen", err)
	}

	s := &TCPServer{
		worker: w,
		owner:  &fdOwner{fd: fd},
		local:  localTCPAddr(fd),
	}
	s.acceptListener.Set(acceptListener)
	if err := w.trackResource(s); err != nil {
		_ = closeFD(fd)
		w.lifecycle.closeResource()
		return nil, err
	}

	regs := make([]*Registration, 0, len(w.pools.read))
	for _, t := range w.pools.read {
		reg, err := t.RegisterReadiness(fd, EventRead, s.onAcceptable)
		if err != nil {
			s.mu.Lock()
			s.registrations = regs
			s.mu.Unlock()
			_ = s.Close()
			return nil, err
		}
		regs = append(regs, reg)
	}
	s.mu.Lock()
	s.registrations = regs
	s.mu.Unlock()

	w.logger.Info().
		Str("worker", w.name).
		Str("local", s.local.String()).
		Int("threads", len(regs)).
		Log("ioworker: tcp server started")
	return s, nil
}

// LocalAddr returns the bound listening address.
func (s *TCPServer) LocalAddr() net.Addr { return s.local }

// IsOpen reports whether Close has not been called.
func (s *TCPServer) IsOpen() bool { return s.owner.isOpen() }

// SetAcceptListener replaces the listener receiving accepted channels.
func (s *TCPServer) SetAcceptListener(listener ChannelListener[*StreamChannel]) {
	s.acceptListener.Set(listener)
}

// SetCloseListener sets the single-slot listener fired when the server
// finishes closing.
func (s *TCPServer) SetCloseListener(listener ChannelListener[*TCPServer]) {
	s.closeListener.Set(listener)
}

// onAcceptable runs on a read-pool thread and drains the accept queue.
func (s *TCPServer) onAcceptable(IOEvents) {
	for s.owner.isOpen() {
		cfd, _, wouldBlock, err := acceptFD(s.owner.fd)
		if err != nil {
			// transient condition (e.g. descriptor exhaustion); the
			// registration stays armed
			s.worker.logger.Err().
				Err(err).
				Str("local", s.local.String()).
				Log("ioworker: accept failed")
			return
		}
		if wouldBlock {
			return
		}
		c, err := s.worker.adoptAccepted(cfd)
		if err != nil {
			return
		}
		s.worker.metrics.acceptCompleted()
		invokeChannelListener(s.worker.logger, s.acceptListener.get(), c)
	}
}

// SuspendAccepts stops accept notifications without dropping queued
// connections; error and hangup conditions are still delivered.
func (s *TCPServer) SuspendAccepts() error {
	return s.rearm(0)
}

// ResumeAccepts re-enables accept notifications.
func (s *TCPServer) ResumeAccepts() error {
	return s.rearm(EventRead)
}

func (s *TCPServer) rearm(events IOEvents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registrations == nil {
		return net.ErrClosed
	}
	for _, reg := range s.registrations {
		if err := reg.Resume(events); err != nil {
			return err
		}
	}
	return nil
}

// Accept performs one non-blocking accept directly, bypassing the accept
// listener. Returns (nil, nil) when no connection is pending.
func (s *TCPServer) Accept() (*StreamChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owner.isOpen() {
		return nil, net.ErrClosed
	}
	cfd, _, wouldBlock, err := acceptFD(s.owner.fd)
	if err != nil {
		return nil, newIOError("accept", s.local, err)
	}
	if wouldBlock {
		return nil, nil
	}
	return s.worker.adoptAccepted(cfd)
}

// Close stops accepting and releases the server. The listening descriptor
// closes only after every read-pool thread has dropped its registration,
// serialized on the loop threads; IsOpen reports false immediately, and the
// close listener fires once the descriptor is released. Idempotent.
func (s *TCPServer) Close() error {
	if !s.owner.claim() {
		return nil
	}
	s.mu.Lock()
	regs := s.registrations
	s.registrations = nil
	s.mu.Unlock()
	if len(regs) == 0 {
		s.finishClose()
		return nil
	}
	var pending atomic.Int32
	pending.Store(int32(len(regs)))
	done := func() {
		if pending.Add(-1) == 0 {
			s.finishClose()
		}
	}
	for _, reg := range regs {
		reg := reg
		if err := reg.thread.Execute(func() {
			reg.Cancel()
			done()
		}); err != nil {
			// thread already terminated, its poller is gone
			reg.Cancel()
			done()
		}
	}
	return nil
}

// finishClose runs exactly once, after the last registration is dropped.
func (s *TCPServer) finishClose() {
	s.mu.Lock()
	_ = closeFD(s.owner.fd)
	s.mu.Unlock()
	s.worker.untrackResource(s)
	s.worker.lifecycle.closeResource()
	s.worker.logger.Info().
		Str("local", s.local.String()).
		Log("ioworker: tcp server closed")
	invokeChannelListener(s.worker.logger, s.closeListener.get(), s)
}
