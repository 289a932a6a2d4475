package ioworker

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
)

var workerSeq atomic.Uint64

// Worker is a fixed pool of event-multiplexed I/O threads plus the
// machinery to establish connections onto them. Pools are sized at
// construction and never resized; either pool may be empty, in which case
// operations needing that pool fail with ErrNoThreads, but at least one of
// the two must have a thread.
//
// All operations are safe for concurrent use. Shutdown is idempotent and
// waits for every live resource (threads, channels, in-flight handshakes)
// to drain.
type Worker struct {
	lifecycle *resourceState
	pools     *threadPools
	logger    *logiface.Logger[logiface.Event]
	metrics   *workerMetrics

	name      string
	id        string
	stackSize int

	nativeMulticast bool

	closeListener ListenerSetter[*Worker]

	// resources tracks every closer that must be forced down when shutdown
	// begins: open channels and pending handshake operations. Entries are
	// snapshotted and closed exactly once, by the shutdown winner.
	resMu     sync.Mutex
	resources map[io.Closer]struct{}
	resClosed bool
}

// New constructs a worker from the given option map, starting
// read-threads + write-threads event-loop goroutines. Mid-construction
// failures release everything already created before returning.
//
// WorkerOptions carry process wiring that does not belong in a serializable
// map: logger, metrics registerer, datagram capability, and randomness
// source. Worker names must be unique per metrics registerer.
func New(options OptionMap, opts ...WorkerOption) (*Worker, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	cfg, err := resolveWorkerOptions(opts)
	if err != nil {
		return nil, err
	}
	name := OptWorkerName.Get(options)
	if name == "" {
		name = fmt.Sprintf("ioworker-%d", workerSeq.Add(1))
	}
	readCount := OptReadThreads.Get(options)
	writeCount := OptWriteThreads.Get(options)
	if readCount == 0 && writeCount == 0 {
		return nil, fmt.Errorf("%w: read-threads and write-threads are both zero", ErrNoThreads)
	}

	w := &Worker{
		lifecycle:       newResourceState(),
		logger:          cfg.logger,
		name:            name,
		id:              uuid.NewString(),
		stackSize:       OptStackSize.Get(options),
		nativeMulticast: cfg.nativeMulticast,
		resources:       make(map[io.Closer]struct{}),
	}
	w.lifecycle.onClosed = func() {
		w.logger.Info().
			Str("worker", w.name).
			Log("ioworker: worker closed")
		invokeChannelListener(w.logger, w.closeListener.get(), w)
	}
	w.metrics = newWorkerMetrics(cfg.registerer, name, readCount, writeCount, w.lifecycle)

	var rng *rand.Rand
	if cfg.randSource != nil {
		rng = rand.New(cfg.randSource)
	}
	pools := &threadPools{rng: rng}
	dispose := func() {
		for _, t := range pools.read {
			t.dispose()
		}
		for _, t := range pools.write {
			t.dispose()
		}
	}
	for i := 0; i < readCount; i++ {
		t, err := newWorkerThread(fmt.Sprintf("%s-read-%d", name, i+1), w.logger, w.metrics, w.lifecycle.closeResource)
		if err != nil {
			dispose()
			return nil, err
		}
		pools.read = append(pools.read, t)
	}
	for i := 0; i < writeCount; i++ {
		t, err := newWorkerThread(fmt.Sprintf("%s-write-%d", name, i+1), w.logger, w.metrics, w.lifecycle.closeResource)
		if err != nil {
			dispose()
			return nil, err
		}
		pools.write = append(pools.write, t)
	}
	w.pools = pools

	// Nothing below can fail: every started thread holds one unconditional
	// resource count, released when its loop goroutine exits.
	for _, t := range pools.read {
		w.lifecycle.openResourceUnconditionally()
		t.start()
	}
	for _, t := range pools.write {
		w.lifecycle.openResourceUnconditionally()
		t.start()
	}

	w.logger.Info().
		Str("worker", w.name).
		Str("id", w.id).
		Int("readThreads", readCount).
		Int("writeThreads", writeCount).
		Log("ioworker: worker started")
	return w, nil
}

// Name returns the worker's configured or generated name.
func (w *Worker) Name() string { return w.name }

// ID returns the worker's unique instance id.
func (w *Worker) ID() string { return w.id }

// ReadPoolSize returns the number of read-pool threads.
func (w *Worker) ReadPoolSize() int { return len(w.pools.read) }

// WritePoolSize returns the number of write-pool threads.
func (w *Worker) WritePoolSize() int { return len(w.pools.write) }

// StackSize returns the requested thread stack size in bytes, zero meaning
// the runtime default. Goroutine stacks grow dynamically, so the value is
// advisory.
func (w *Worker) StackSize() int { return w.stackSize }

// IsOpen reports whether shutdown has not yet been requested.
func (w *Worker) IsOpen() bool { return w.lifecycle.isOpen() }

// SetCloseListener sets the single-slot listener fired exactly once when
// the worker's last live resource drains. The listener runs outside any
// lock and may call back into the worker.
func (w *Worker) SetCloseListener(listener ChannelListener[*Worker]) {
	w.closeListener.Set(listener)
}

// Execute runs task on one event-loop thread, chosen uniformly across both
// pools.
func (w *Worker) Execute(task func()) error {
	t, err := w.pools.chooseAny()
	if err != nil {
		return err
	}
	return t.Execute(task)
}

// ScheduleAfter runs task on one event-loop thread after delay. The
// returned key cancels the task if it has not yet started.
func (w *Worker) ScheduleAfter(task func(), delay time.Duration) (*TimerKey, error) {
	t, err := w.pools.chooseAny()
	if err != nil {
		return nil, err
	}
	return t.ScheduleAfter(task, delay)
}

// Close shuts the worker down and blocks until every live resource has
// drained. Idempotent; concurrent callers all unblock once the close
// completes.
func (w *Worker) Close() error {
	return w.Shutdown(context.Background())
}

// Shutdown requests worker shutdown and waits for the drain. Exactly one
// caller wins the close-requested transition and forces down every tracked
// resource: pending handshakes fail with ErrWorkerClosed, channels close,
// and each pool thread stops after running its queued tasks. Context
// cancellation abandons only the wait; the shutdown itself always runs to
// completion in the background.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w.lifecycle.requestClose() {
		w.logger.Info().
			Str("worker", w.name).
			Log("ioworker: shutdown initiated")
		for _, c := range w.drainResources() {
			_ = c.Close()
		}
		for _, t := range w.pools.read {
			t.Shutdown()
		}
		for _, t := range w.pools.write {
			t.Shutdown()
		}
	}
	select {
	case <-w.lifecycle.closed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trackResource records a closer to be forced down at shutdown. Fails with
// ErrWorkerClosed once the shutdown winner has snapshotted the registry, at
// which point the caller must roll its resource back itself.
func (w *Worker) trackResource(c io.Closer) error {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	if w.resClosed {
		return ErrWorkerClosed
	}
	w.resources[c] = struct{}{}
	return nil
}

// untrackResource removes a closer from the registry. Safe to call for
// entries that were never tracked.
func (w *Worker) untrackResource(c io.Closer) {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	delete(w.resources, c)
}

// drainResources marks the registry closed and returns the final snapshot.
func (w *Worker) drainResources() []io.Closer {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	w.resClosed = true
	out := make([]io.Closer, 0, len(w.resources))
	for c := range w.resources {
		out = append(out, c)
	}
	return out
}

// adoptAccepted wraps a just-accepted descriptor as a live StreamChannel
// with its own resource count. Descriptors produced mid-handshake are
// admitted unconditionally; when shutdown has already begun the descriptor
// is closed and rolled back before any listener could see it.
func (w *Worker) adoptAccepted(fd int) (*StreamChannel, error) {
	w.lifecycle.openResourceUnconditionally()
	c := newStreamChannel(w, &fdOwner{fd: fd}, w.pools.chooseOptional(false), w.pools.chooseOptional(true))
	if err := w.trackResource(c); err != nil {
		if c.owner.claim() {
			_ = closeFD(fd)
		}
		w.lifecycle.closeResource()
		return nil, err
	}
	return c, nil
}
