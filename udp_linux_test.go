//go:build linux

package ioworker

import (
	"bytes"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func newUDPPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	_ = peer.SetDeadline(time.Now().Add(10 * time.Second))
	return peer
}

func createTestUDP(t *testing.T, w *Worker, options OptionMap) DatagramChannel {
	t.Helper()
	d, err := w.CreateUDPServer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil, options)
	if err != nil {
		t.Fatalf("CreateUDPServer: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestCreateUDPServer(t *testing.T) {
	w := newTestWorker(t, nil)

	var bound atomic.Pointer[net.UDPAddr]
	d, err := w.CreateUDPServer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, func(b BoundChannel) {
		if a, ok := b.LocalAddr().(*net.UDPAddr); ok {
			bound.Store(a)
		}
	}, nil)
	if err != nil {
		t.Fatalf("CreateUDPServer: %v", err)
	}
	defer func() { _ = d.Close() }()

	if _, ok := d.(*UDPChannel); !ok {
		t.Fatalf("channel type = %T, want *UDPChannel", d)
	}
	if !d.IsOpen() {
		t.Fatal("channel not open")
	}
	addr := bound.Load()
	if addr == nil || addr.Port == 0 {
		t.Fatalf("bind listener saw %v, want an assigned port", addr)
	}
	if got := d.LocalAddr().(*net.UDPAddr); got.Port != addr.Port {
		t.Fatalf("LocalAddr = %v, want port %d", got, addr.Port)
	}
}

func TestCreateUDPServerValidation(t *testing.T) {
	w := newTestWorker(t, nil)

	if _, err := w.CreateUDPServer(nil, nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil bind = %v, want ErrInvalidArgument", err)
	}
	if _, err := w.CreateUDPServer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil, OptionMap{"receive-buffer": 0}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("invalid options = %v, want ErrInvalidArgument", err)
	}
}

func TestUDPChannelSendReceive(t *testing.T) {
	w := newTestWorker(t, nil)
	u := createTestUDP(t, w, nil).(*UDPChannel)
	peer := newUDPPeer(t)

	buf := make([]byte, 64)
	if _, _, err := u.ReceiveFrom(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("ReceiveFrom on empty socket = %v, want ErrWouldBlock", err)
	}
	if _, err := u.SendTo([]byte("x"), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SendTo nil dest = %v, want ErrInvalidArgument", err)
	}

	readable := make(chan struct{}, 1)
	reg, err := u.RegisterRead(func(IOEvents) {
		select {
		case readable <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("RegisterRead: %v", err)
	}
	defer reg.Cancel()

	if _, err := peer.WriteToUDP([]byte("ping"), u.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	select {
	case <-readable:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for read readiness")
	}
	n, from, err := u.ReceiveFrom(buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Fatalf("received %q, want ping", buf[:n])
	}
	if from.String() != peer.LocalAddr().String() {
		t.Fatalf("from = %v, want %v", from, peer.LocalAddr())
	}

	if n, err := u.SendTo([]byte("pong"), peer.LocalAddr().(*net.UDPAddr)); err != nil || n != 4 {
		t.Fatalf("SendTo = %d, %v", n, err)
	}
	n, addr, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("pong")) {
		t.Fatalf("peer received %q, want pong", buf[:n])
	}
	if addr.String() != u.LocalAddr().String() {
		t.Fatalf("peer saw sender %v, want %v", addr, u.LocalAddr())
	}
}

// A worker with no loop threads can still bind datagram channels; only the
// readiness registrations need a pool.
func TestUDPChannelEmptyReadPool(t *testing.T) {
	w := newTestWorker(t, OptionMap{"read-threads": 0, "write-threads": 1})
	u := createTestUDP(t, w, nil).(*UDPChannel)

	if u.ReadThread() != nil {
		t.Fatal("ReadThread should be nil with an empty read pool")
	}
	if u.WriteThread() == nil {
		t.Fatal("WriteThread should be assigned")
	}
	if _, err := u.RegisterRead(func(IOEvents) {}); !errors.Is(err, ErrNoThreads) {
		t.Fatalf("RegisterRead = %v, want ErrNoThreads", err)
	}

	writable := make(chan struct{}, 1)
	reg, err := u.RegisterWrite(func(IOEvents) {
		select {
		case writable <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("RegisterWrite: %v", err)
	}
	select {
	case <-writable:
	case <-time.After(10 * time.Second):
		t.Fatal("write readiness never delivered")
	}
	reg.Cancel()

	peer := newUDPPeer(t)
	if _, err := u.SendTo([]byte("hi"), peer.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	buf := make([]byte, 8)
	if n, _, err := peer.ReadFromUDP(buf); err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("peer read = %q, %v", buf[:n], err)
	}
}

func TestUDPChannelClose(t *testing.T) {
	w := newTestWorker(t, nil)
	u := createTestUDP(t, w, nil).(*UDPChannel)

	var closes atomic.Int32
	u.SetCloseListener(func(DatagramChannel) { closes.Add(1) })

	if err := u.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := closes.Load(); got != 1 {
		t.Fatalf("close listener ran %d times, want 1", got)
	}
	if u.IsOpen() {
		t.Fatal("IsOpen after Close")
	}
	if _, err := u.SendTo([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("SendTo after close = %v, want net.ErrClosed", err)
	}
	if _, _, err := u.ReceiveFrom(make([]byte, 8)); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("ReceiveFrom after close = %v, want net.ErrClosed", err)
	}
	if _, err := u.RegisterRead(func(IOEvents) {}); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("RegisterRead after close = %v, want net.ErrClosed", err)
	}
}

// Without native non-blocking multicast support, requesting multicast
// selects the blocking-socket fallback.
func TestCreateUDPServerMulticastFallback(t *testing.T) {
	w := newTestWorker(t, nil)
	d := createTestUDP(t, w, OptionMap{"multicast": true})
	m, ok := d.(*MulticastChannel)
	if !ok {
		t.Fatalf("channel type = %T, want *MulticastChannel", d)
	}
	if !m.IsOpen() {
		t.Fatal("channel not open")
	}
	if m.WriteThread() == nil {
		t.Fatal("fallback channel missing write thread reference")
	}
	peer := newUDPPeer(t)

	// The send offloads to the write thread.
	if n, err := m.SendTo([]byte("ping"), peer.LocalAddr().(*net.UDPAddr)); err != nil || n != 4 {
		t.Fatalf("SendTo = %d, %v", n, err)
	}
	buf := make([]byte, 64)
	n, from, err := peer.ReadFromUDP(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("peer read = %q, %v", buf[:n], err)
	}

	if _, err := peer.WriteToUDP([]byte("pong"), from); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	n, sender, err := m.ReceiveFrom(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("ReceiveFrom = %q, %v", buf[:n], err)
	}
	if sender.String() != peer.LocalAddr().String() {
		t.Fatalf("sender = %v, want %v", sender, peer.LocalAddr())
	}

	if _, err := m.SendTo([]byte("x"), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SendTo nil dest = %v, want ErrInvalidArgument", err)
	}
}

// With no write pool the fallback sends inline on the calling goroutine.
func TestMulticastFallbackInlineSend(t *testing.T) {
	w := newTestWorker(t, OptionMap{"read-threads": 1, "write-threads": 0})
	m := createTestUDP(t, w, OptionMap{"multicast": true}).(*MulticastChannel)
	if m.WriteThread() != nil {
		t.Fatal("WriteThread should be nil with an empty write pool")
	}
	if m.ReadThread() == nil {
		t.Fatal("ReadThread should be assigned")
	}
	peer := newUDPPeer(t)

	if n, err := m.SendTo([]byte("inline"), peer.LocalAddr().(*net.UDPAddr)); err != nil || n != 6 {
		t.Fatalf("SendTo = %d, %v", n, err)
	}
	buf := make([]byte, 16)
	if n, _, err := peer.ReadFromUDP(buf); err != nil || string(buf[:n]) != "inline" {
		t.Fatalf("peer read = %q, %v", buf[:n], err)
	}
}

func TestMulticastFallbackCloseUnblocksReceive(t *testing.T) {
	w := newTestWorker(t, nil)
	m := createTestUDP(t, w, OptionMap{"multicast": true}).(*MulticastChannel)

	var closes atomic.Int32
	m.SetCloseListener(func(DatagramChannel) { closes.Add(1) })

	errCh := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_, _, err := m.ReceiveFrom(make([]byte, 64))
		errCh <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("blocked ReceiveFrom unblocked with %v, want net.ErrClosed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ReceiveFrom still blocked after Close")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := closes.Load(); got != 1 {
		t.Fatalf("close listener ran %d times, want 1", got)
	}
	if _, err := m.SendTo([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("SendTo after close = %v, want net.ErrClosed", err)
	}
	if _, _, err := m.ReceiveFrom(make([]byte, 8)); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("ReceiveFrom after close = %v, want net.ErrClosed", err)
	}
}

func TestMulticastFallbackJoinGroup(t *testing.T) {
	w := newTestWorker(t, nil)
	m := createTestUDP(t, w, OptionMap{"multicast": true}).(*MulticastChannel)

	if err := m.JoinGroup(net.IPv4(127, 0, 0, 1), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("JoinGroup with unicast address = %v, want ErrInvalidArgument", err)
	}
	if err := m.JoinGroup(nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("JoinGroup with nil group = %v, want ErrInvalidArgument", err)
	}

	_ = m.Close()
	if err := m.JoinGroup(net.IPv4(239, 0, 0, 1), nil); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("JoinGroup after close = %v, want net.ErrClosed", err)
	}
}

// Declaring native multicast capability keeps multicast requests on the
// non-blocking implementation.
func TestCreateUDPServerNativeMulticast(t *testing.T) {
	w := newTestWorker(t, nil, WithDatagramCapability(true))
	d := createTestUDP(t, w, OptionMap{"multicast": true})
	if _, ok := d.(*UDPChannel); !ok {
		t.Fatalf("channel type = %T, want *UDPChannel", d)
	}
}
