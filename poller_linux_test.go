//go:build linux

package ioworker

import (
	"testing"

	"golang.org/x/sys/unix"
)

// newTestPipe returns a non-blocking pipe, closed automatically at test end.
func newTestPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestPoller(t *testing.T) *poller {
	t.Helper()
	p, err := newPoller()
	if err != nil {
		t.Fatalf("newPoller: %v", err)
	}
	t.Cleanup(func() { _ = p.close() })
	return p
}

func TestPollerRegisterAndWait(t *testing.T) {
	p := newTestPoller(t)
	r, w := newTestPipe(t)

	var fired int
	var got IOEvents
	if err := p.register(r, EventRead, func(events IOEvents) {
		fired++
		got = events
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Nothing readable yet.
	n, err := p.wait(0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 0 || fired != 0 {
		t.Fatalf("wait with no data: n=%d fired=%d", n, fired)
	}

	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err = p.wait(1000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 1 || fired != 1 {
		t.Fatalf("wait with data: n=%d fired=%d", n, fired)
	}
	if got&EventRead == 0 {
		t.Fatalf("callback events = %v, want EventRead set", got)
	}
}

func TestPollerRegisterErrors(t *testing.T) {
	p := newTestPoller(t)
	r, _ := newTestPipe(t)
	cb := func(IOEvents) {}

	if err := p.register(-1, EventRead, cb); err != ErrFDOutOfRange {
		t.Fatalf("register(-1) = %v, want ErrFDOutOfRange", err)
	}
	if err := p.register(r, EventRead, cb); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.register(r, EventWrite, cb); err != ErrFDAlreadyRegistered {
		t.Fatalf("duplicate register = %v, want ErrFDAlreadyRegistered", err)
	}
	if err := p.unregister(r); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := p.unregister(r); err != ErrFDNotRegistered {
		t.Fatalf("repeat unregister = %v, want ErrFDNotRegistered", err)
	}
	if err := p.unregister(-1); err != ErrFDOutOfRange {
		t.Fatalf("unregister(-1) = %v, want ErrFDOutOfRange", err)
	}
	if err := p.modify(r, EventRead); err != ErrFDNotRegistered {
		t.Fatalf("modify unregistered = %v, want ErrFDNotRegistered", err)
	}
}

func TestPollerModifySuspendsAndResumes(t *testing.T) {
	p := newTestPoller(t)
	r, w := newTestPipe(t)

	var fired int
	// Zero interest: only error/hangup conditions are delivered.
	if err := p.register(r, 0, func(IOEvents) { fired++ }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := p.wait(50); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if fired != 0 {
		t.Fatalf("suspended registration fired %d times", fired)
	}

	if err := p.modify(r, EventRead); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if _, err := p.wait(1000); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if fired != 1 {
		t.Fatalf("resumed registration fired %d times, want 1", fired)
	}

	// Suspend again; the unread byte must no longer produce events.
	if err := p.modify(r, 0); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if _, err := p.wait(50); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if fired != 1 {
		t.Fatalf("suspended registration fired again: %d", fired)
	}
}

func TestPollerUnregisterStopsDispatch(t *testing.T) {
	p := newTestPoller(t)
	r, w := newTestPipe(t)

	var fired int
	if err := p.register(r, EventRead, func(IOEvents) { fired++ }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.unregister(r); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := p.wait(50); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if fired != 0 {
		t.Fatalf("callback fired %d times after unregister", fired)
	}
}

func TestPollerActiveFDs(t *testing.T) {
	p := newTestPoller(t)
	r1, _ := newTestPipe(t)
	r2, _ := newTestPipe(t)
	cb := func(IOEvents) {}

	if fds := p.activeFDs(); len(fds) != 0 {
		t.Fatalf("fresh poller activeFDs = %v", fds)
	}
	if err := p.register(r1, EventRead, cb); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.register(r2, EventRead, cb); err != nil {
		t.Fatalf("register: %v", err)
	}
	fds := p.activeFDs()
	if len(fds) != 2 {
		t.Fatalf("activeFDs = %v, want two entries", fds)
	}
	seen := map[int]bool{fds[0]: true, fds[1]: true}
	if !seen[r1] || !seen[r2] {
		t.Fatalf("activeFDs = %v, want %d and %d", fds, r1, r2)
	}
	if err := p.unregister(r1); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	fds = p.activeFDs()
	if len(fds) != 1 || fds[0] != r2 {
		t.Fatalf("activeFDs after unregister = %v, want [%d]", fds, r2)
	}
}

func TestPollerClose(t *testing.T) {
	p := newTestPoller(t)
	r, _ := newTestPipe(t)

	if err := p.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.close(); err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	if err := p.register(r, EventRead, func(IOEvents) {}); err != ErrPollerClosed {
		t.Fatalf("register after close = %v, want ErrPollerClosed", err)
	}
	if _, err := p.wait(0); err != ErrPollerClosed {
		t.Fatalf("wait after close = %v, want ErrPollerClosed", err)
	}
}

func TestEventConversion(t *testing.T) {
	if got := eventsToEpoll(EventRead | EventWrite); got != unix.EPOLLIN|unix.EPOLLOUT {
		t.Fatalf("eventsToEpoll = %#x", got)
	}
	if got := eventsToEpoll(0); got != 0 {
		t.Fatalf("eventsToEpoll(0) = %#x", got)
	}
	if got := epollToEvents(unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP); got != EventRead|EventError|EventHangup {
		t.Fatalf("epollToEvents = %v", got)
	}
	if got := epollToEvents(unix.EPOLLOUT); got != EventWrite {
		t.Fatalf("epollToEvents(EPOLLOUT) = %v", got)
	}
}
