//go:build linux

package ioworker

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// initialFDSlots is the initial size of the fd lookup table.
const initialFDSlots = 4096

// maxFDSlot bounds growth of the fd lookup table. 16M covers any practical
// descriptor limit.
const maxFDSlot = 1 << 24

// fdWatch stores per-fd registration data.
type fdWatch struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// poller multiplexes fd readiness through one epoll instance.
//
// THREAD SAFE: register/unregister/modify may be called from any goroutine;
// the fd table is guarded by an RWMutex. Callbacks are copied out under the
// read lock and invoked outside it, so a callback may run once more after
// unregister returns. Callers close descriptors only after deregistering.
type poller struct {
	fds    []fdWatch
	epfd   int
	events [128]unix.EpollEvent
	mu     sync.RWMutex
	closed atomic.Bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &poller{
		epfd: epfd,
		fds:  make([]fdWatch, initialFDSlots),
	}, nil
}

// register begins monitoring fd for events.
func (p *poller) register(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDSlot {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if fd >= len(p.fds) {
		grown := make([]fdWatch, min(fd*2+1, maxFDSlot))
		copy(grown, p.fds)
		p.fds = grown
	}
	if p.fds[fd].active {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdWatch{callback: cb, events: events, active: true}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		p.fds[fd] = fdWatch{}
		p.mu.Unlock()
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// unregister stops monitoring fd.
func (p *poller) unregister(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdWatch{}
	p.mu.Unlock()

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// modify replaces the monitored event set for fd. A zero set suspends
// notifications, though error and hangup conditions are still delivered.
func (p *poller) modify(fd int, events IOEvents) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// wait blocks for up to timeoutMs (-1 blocks indefinitely) and dispatches
// callbacks for ready descriptors. Returns the number of events handled.
func (p *poller) wait(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd < 0 {
			continue
		}

		p.mu.RLock()
		var watch fdWatch
		if fd < len(p.fds) {
			watch = p.fds[fd]
		}
		p.mu.RUnlock()

		if watch.active && watch.callback != nil {
			watch.callback(epollToEvents(p.events[i].Events))
		}
	}
	return n, nil
}

// activeFDs returns a snapshot of currently registered descriptors.
func (p *poller) activeFDs() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var fds []int
	for fd, watch := range p.fds {
		if watch.active {
			fds = append(fds, fd)
		}
	}
	return fds
}

// close shuts the epoll instance down. Registered descriptors are not
// closed; their owners remain responsible for them.
func (p *poller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
