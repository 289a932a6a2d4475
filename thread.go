package ioworker

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

// Thread states. Transitions are one-way: created threads run, a running
// thread shuts down once, a shut-down thread terminates once.
const (
	threadRunning int32 = iota
	threadShuttingDown
	threadTerminated
)

// WorkerThread is a single event-multiplexed I/O thread: one goroutine
// locked to an OS thread, owning one epoll instance and one eventfd wake
// descriptor. Readiness callbacks, submitted tasks, and timer tasks all run
// on the loop goroutine, so they observe single-threaded semantics and must
// never block.
//
// THREAD SAFE: Execute, ScheduleAfter, RegisterReadiness, and Shutdown may
// be called from any goroutine.
type WorkerThread struct {
	poller  *poller
	tasks   *queue.Queue
	logger  *logiface.Logger[logiface.Event]
	metrics *workerMetrics

	// onExit runs exactly once after the loop goroutine has fully
	// terminated. The owning worker uses it to release the thread's
	// unconditional resource count.
	onExit func()

	done chan struct{}
	name string

	timers   timerHeap
	timerSeq uint64

	wakeFd int

	mu          sync.Mutex
	state       atomic.Int32
	wakePending atomic.Bool
}

// newWorkerThread constructs a thread with its poller and wake descriptor
// already open, but without starting the loop goroutine. Construction
// failures leak nothing.
func newWorkerThread(name string, logger *logiface.Logger[logiface.Event], metrics *workerMetrics, onExit func()) (*WorkerThread, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = p.close()
		return nil, err
	}
	t := &WorkerThread{
		name:    name,
		poller:  p,
		wakeFd:  wakeFd,
		tasks:   queue.New(),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
		onExit:  onExit,
	}
	if err := p.register(wakeFd, EventRead, func(IOEvents) {
		drainWakeFd(wakeFd)
		t.wakePending.Store(false)
	}); err != nil {
		_ = p.close()
		closeWakeFd(wakeFd)
		return nil, err
	}
	return t, nil
}

// Name returns the thread's name, used in logs.
func (t *WorkerThread) Name() string { return t.name }

// Done returns a channel closed once the loop goroutine has terminated.
func (t *WorkerThread) Done() <-chan struct{} { return t.done }

// start launches the loop goroutine. Called exactly once, after the owning
// worker has accounted for the thread as a live resource.
func (t *WorkerThread) start() {
	go t.run()
}

// dispose releases the poller and wake descriptor of a thread that was
// never started. Only valid before start.
func (t *WorkerThread) dispose() {
	_ = t.poller.close()
	closeWakeFd(t.wakeFd)
}

// wake interrupts a blocked poll. The pending flag deduplicates signals: a
// wake that arrives while one is already outstanding is free.
func (t *WorkerThread) wake() {
	if t.wakePending.CompareAndSwap(false, true) {
		_ = signalWakeFd(t.wakeFd)
	}
}

// Execute queues task to run on the loop goroutine and wakes the loop.
// Tasks queued before shutdown is requested are guaranteed to run; later
// submissions fail with ErrThreadTerminated.
func (t *WorkerThread) Execute(task func()) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	t.mu.Lock()
	if t.state.Load() != threadRunning {
		t.mu.Unlock()
		return ErrThreadTerminated
	}
	t.tasks.Add(task)
	t.mu.Unlock()
	t.wake()
	return nil
}

// ScheduleAfter schedules task to run on the loop goroutine after delay.
// A non-positive delay runs on the next loop iteration. The returned key
// cancels the task if it has not yet started.
func (t *WorkerThread) ScheduleAfter(task func(), delay time.Duration) (*TimerKey, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	k := &TimerKey{deadline: time.Now().Add(delay), task: task}
	t.mu.Lock()
	if t.state.Load() != threadRunning {
		t.mu.Unlock()
		return nil, ErrThreadTerminated
	}
	t.timerSeq++
	k.seq = t.timerSeq
	heap.Push(&t.timers, k)
	t.mu.Unlock()
	t.wake()
	return k, nil
}

// RegisterReadiness registers fd for the given readiness events. The
// callback runs on the loop goroutine each time an event in the interest
// set (or an error/hangup condition) is delivered.
func (t *WorkerThread) RegisterReadiness(fd int, events IOEvents, cb IOCallback) (*Registration, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidArgument)
	}
	if t.state.Load() != threadRunning {
		return nil, ErrThreadTerminated
	}
	if err := t.poller.register(fd, events, cb); err != nil {
		return nil, err
	}
	return &Registration{thread: t, fd: fd}, nil
}

// deregisterFD removes fd's registration, tolerating one that has already
// been removed. Internal operations deregister by descriptor because their
// callbacks can fire before RegisterReadiness has returned a handle.
func (t *WorkerThread) deregisterFD(fd int) {
	if err := t.poller.unregister(fd); err != nil && err != ErrFDNotRegistered && err != ErrPollerClosed {
		t.logger.Err().
			Err(err).
			Str("thread", t.name).
			Int("fd", fd).
			Log("ioworker: deregister failed")
	}
}

// resumeFD re-arms fd's interest mask.
func (t *WorkerThread) resumeFD(fd int, events IOEvents) error {
	return t.poller.modify(fd, events)
}

// Shutdown requests the loop stop: intake closes immediately, queued tasks
// drain, timers are discarded, and the poller and wake descriptors close.
// Idempotent and non-blocking; observe completion via Done.
func (t *WorkerThread) Shutdown() {
	if t.state.CompareAndSwap(threadRunning, threadShuttingDown) {
		t.wake()
	}
}

// run is the loop goroutine.
func (t *WorkerThread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t.logger.Debug().
		Str("thread", t.name).
		Log("ioworker: thread started")
	for t.state.Load() == threadRunning {
		t.runTasks()
		t.runTimers()
		if _, err := t.poller.wait(t.pollTimeout()); err != nil {
			if t.state.Load() == threadRunning {
				t.logger.Err().
					Err(err).
					Str("thread", t.name).
					Log("ioworker: poll failed, terminating thread")
				t.state.Store(threadShuttingDown)
			}
			break
		}
	}
	t.finalize()
}

// runTasks drains the task queue, running each task outside the lock so
// tasks may submit further tasks.
func (t *WorkerThread) runTasks() {
	for {
		t.mu.Lock()
		if t.tasks.Length() == 0 {
			t.mu.Unlock()
			return
		}
		task := t.tasks.Remove().(func())
		t.mu.Unlock()
		t.safeRun(task)
	}
}

// runTimers pops and runs every timer whose deadline has passed. Cancelled
// keys are skipped lazily here rather than removed eagerly.
func (t *WorkerThread) runTimers() {
	now := time.Now()
	for {
		t.mu.Lock()
		if len(t.timers) == 0 || t.timers[0].deadline.After(now) {
			t.mu.Unlock()
			return
		}
		k := heap.Pop(&t.timers).(*TimerKey)
		t.mu.Unlock()
		if k.cancelled.Load() {
			continue
		}
		t.safeRun(k.task)
	}
}

// pollTimeout derives the epoll timeout from pending work: zero when tasks
// are queued, the time to the nearest timer deadline otherwise, and block
// indefinitely when idle.
func (t *WorkerThread) pollTimeout() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tasks.Length() > 0 {
		return 0
	}
	if len(t.timers) == 0 {
		return -1
	}
	d := time.Until(t.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		// round up so a near-due timer does not busy-spin
		ms = 1
	}
	return ms
}

// safeRun executes task with panic recovery; a panicking task cannot take
// down the loop.
func (t *WorkerThread) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Err().
				Interface("panic", r).
				Str("thread", t.name).
				Log("ioworker: task panicked")
		}
	}()
	task()
	t.metrics.taskExecuted()
}

// finalize drains remaining tasks, discards timers, closes the poller and
// wake descriptor, and releases the thread's resource count.
func (t *WorkerThread) finalize() {
	for {
		t.mu.Lock()
		if t.tasks.Length() == 0 {
			break
		}
		task := t.tasks.Remove().(func())
		t.mu.Unlock()
		t.safeRun(task)
	}
	t.timers = nil
	t.state.Store(threadTerminated)
	t.mu.Unlock()
	_ = t.poller.close()
	closeWakeFd(t.wakeFd)
	close(t.done)
	t.logger.Debug().
		Str("thread", t.name).
		Log("ioworker: thread terminated")
	if t.onExit != nil {
		t.onExit()
	}
}

// Registration is a handle to an fd readiness registration.
type Registration struct {
	thread    *WorkerThread
	fd        int
	cancelled atomic.Bool
}

// Cancel removes the registration. Idempotent, callable from any goroutine.
func (r *Registration) Cancel() {
	if r.cancelled.CompareAndSwap(false, true) {
		r.thread.deregisterFD(r.fd)
	}
}

// Resume replaces the registration's interest mask. A zero mask suspends
// event delivery (error and hangup conditions are still reported). Fails
// with ErrRegistrationCancelled once the registration is cancelled.
func (r *Registration) Resume(events IOEvents) error {
	if r.cancelled.Load() {
		return ErrRegistrationCancelled
	}
	return r.thread.resumeFD(r.fd, events)
}

// Thread returns the thread the registration lives on.
func (r *Registration) Thread() *WorkerThread { return r.thread }

// TimerKey identifies a scheduled task. Cancellation is lazy: the key is
// flagged and skipped when its deadline pops.
type TimerKey struct {
	deadline  time.Time
	task      func()
	seq       uint64
	cancelled atomic.Bool
}

// Cancel prevents the task from running if it has not already started.
// Idempotent, callable from any goroutine.
func (k *TimerKey) Cancel() {
	k.cancelled.Store(true)
}

// timerHeap is a min-heap ordered by deadline, sequence-stable for equal
// deadlines.
type timerHeap []*TimerKey

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*TimerKey)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	k := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return k
}
