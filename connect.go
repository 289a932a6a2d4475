package ioworker

import (
	"fmt"
	"net"
)

// pendingConnect is an in-flight outbound TCP connect: a non-blocking
// handshake driven by writable-readiness callbacks on a single loop thread.
//
// The channel object exists for the whole handshake and owns the descriptor
// and the operation's resource count; every terminal path funnels through
// the future's single assignment and the descriptor owner's claim, so the
// count is released exactly once no matter how completion, cancellation,
// and worker shutdown interleave.
type pendingConnect struct {
	worker       *Worker
	thread       *WorkerThread
	channel      *StreamChannel
	result       *Result[*StreamChannel]
	dest         *net.TCPAddr
	openListener ChannelListener[*StreamChannel]
}

// ConnectTCP initiates a non-blocking outbound TCP connection to dest,
// optionally bound to bind first. The bind listener fires synchronously
// with a restricted view of the bound socket; the open listener fires with
// the connected channel once the future has taken the established result,
// and not at all if cancellation claimed the future first.
//
// All failures, including immediate ones, surface through the returned
// future. Cancelling the future while the handshake is pending closes the
// socket and settles the future as Cancelled.
func (w *Worker) ConnectTCP(bind, dest *net.TCPAddr, openListener ChannelListener[*StreamChannel], bindListener ChannelListener[BoundChannel], options OptionMap) *Future[*StreamChannel] {
	if dest == nil {
		return NewFailedFuture[*StreamChannel](fmt.Errorf("%w: nil destination address", ErrInvalidArgument))
	}
	if err := options.validate(); err != nil {
		return NewFailedFuture[*StreamChannel](err)
	}
	thread, err := w.pools.choose(OptEstablishWriting.Get(options))
	if err != nil {
		return NewFailedFuture[*StreamChannel](err)
	}
	if err := w.lifecycle.openResource(); err != nil {
		return NewFailedFuture[*StreamChannel](err)
	}
	family := addrFamily(dest.IP)
	fd, err := openStreamSocket(family, options)
	if err != nil {
		w.lifecycle.closeResource()
		return NewFailedFuture[*StreamChannel](err)
	}

	op := &pendingConnect{
		worker:       w,
		thread:       thread,
		channel:      newStreamChannel(w, &fdOwner{fd: fd}, w.pools.chooseOptional(false), w.pools.chooseOptional(true)),
		result:       NewResult[*StreamChannel](),
		dest:         dest,
		openListener: openListener,
	}

	if bind != nil {
		if err := bindFD(fd, family, bind.IP, bind.Port, bind.Zone); err != nil {
			op.fail(newIOError("bind", bind, err))
			return op.result.Future()
		}
	}
	invokeChannelListener[BoundChannel](w.logger, bindListener, &boundView{
		addr:   localTCPAddr(fd),
		isOpen: op.channel.owner.isOpen,
		closeFn: func() error {
			op.fail(net.ErrClosed)
			return nil
		},
	})
	// The listener may have aborted the operation through the bound view;
	// the descriptor is being torn down, so it must not be touched again.
	if op.result.Future().State() != FuturePending {
		return op.result.Future()
	}

	w.metrics.connectInitiated()
	w.logger.Debug().
		Str("dest", dest.String()).
		Str("thread", thread.Name()).
		Log("ioworker: connect initiated")

	inProgress, err := connectFD(fd, family, dest.IP, dest.Port, dest.Zone)
	if err != nil {
		op.fail(newIOError("connect", dest, err))
		return op.result.Future()
	}
	if !inProgress {
		op.establishImmediate()
		return op.result.Future()
	}

	if err := w.trackResource(op); err != nil {
		op.fail(err)
		return op.result.Future()
	}
	op.result.OnCancel(op.cancel)
	if _, err := thread.RegisterReadiness(fd, EventWrite, op.onWritable); err != nil {
		op.fail(err)
	}
	return op.result.Future()
}

// onWritable runs on the loop thread whenever the connecting socket reports
// writable, error, or hangup readiness.
func (op *pendingConnect) onWritable(IOEvents) {
	if op.result.Future().State() != FuturePending {
		return
	}
	inProgress, err := connectResult(op.channel.owner.fd)
	if inProgress {
		// spurious wakeup, stay registered
		return
	}
	if err != nil {
		op.fail(newIOError("connect", op.dest, err))
		return
	}
	op.establish()
}

// establish completes the handshake: the channel the operation has carried
// since initiation becomes a tracked live resource and the future succeeds.
// A cancellation that claimed the future first turns this into teardown.
func (op *pendingConnect) establish() {
	if op.result.Future().State() != FuturePending {
		return
	}
	c := op.channel
	op.thread.deregisterFD(c.owner.fd)
	op.worker.untrackResource(op)
	c.local = localTCPAddr(c.owner.fd)
	c.remote = remoteTCPAddr(c.owner.fd)
	if err := op.worker.trackResource(c); err != nil {
		if op.result.Fail(err) {
			op.worker.metrics.connectFailed()
		}
		_ = c.Close()
		return
	}
	if op.result.Succeed(c) {
		op.worker.metrics.connectEstablished()
		op.worker.logger.Debug().
			Str("dest", op.dest.String()).
			Log("ioworker: connection established")
		invokeChannelListener(op.worker.logger, op.openListener, c)
		return
	}
	op.worker.untrackResource(c)
	_ = c.Close()
}

// establishImmediate completes a connect that succeeded synchronously,
// before any registration or tracking existed. The future is terminal by
// the time ConnectTCP returns; the open listener runs on the owning thread,
// not on the caller.
func (op *pendingConnect) establishImmediate() {
	c := op.channel
	c.local = localTCPAddr(c.owner.fd)
	c.remote = remoteTCPAddr(c.owner.fd)
	if err := op.worker.trackResource(c); err != nil {
		if op.result.Fail(err) {
			op.worker.metrics.connectFailed()
		}
		_ = c.Close()
		return
	}
	if !op.result.Succeed(c) {
		op.worker.untrackResource(c)
		_ = c.Close()
		return
	}
	op.worker.metrics.connectEstablished()
	op.worker.logger.Debug().
		Str("dest", op.dest.String()).
		Log("ioworker: connection established")
	if op.openListener == nil {
		return
	}
	listener, logger := op.openListener, op.worker.logger
	if err := op.thread.Execute(func() {
		invokeChannelListener(logger, listener, c)
	}); err != nil {
		invokeChannelListener(logger, listener, c)
	}
}

// fail settles the future as Failed and tears the socket down.
func (op *pendingConnect) fail(err error) {
	if !op.result.Fail(err) {
		return
	}
	op.worker.untrackResource(op)
	op.worker.metrics.connectFailed()
	op.worker.logger.Debug().
		Err(err).
		Str("dest", op.dest.String()).
		Log("ioworker: connect failed")
	op.release()
}

// cancel is the future's cancel handler.
func (op *pendingConnect) cancel() {
	if !op.result.Cancel() {
		return
	}
	op.worker.untrackResource(op)
	op.release()
}

// Close aborts the pending handshake; the worker's shutdown path drives it
// through the resource registry.
func (op *pendingConnect) Close() error {
	if op.result.Fail(ErrWorkerClosed) {
		op.worker.metrics.connectFailed()
		op.release()
	}
	return nil
}

// release tears the socket down on the loop thread, serializing descriptor
// table mutations with callback dispatch. A closed descriptor number can be
// reused by the kernel at any time, so no other goroutine may touch the
// thread's table for this fd once it closes.
func (op *pendingConnect) release() {
	teardown := func() {
		op.thread.deregisterFD(op.channel.owner.fd)
		_ = op.channel.Close()
	}
	if err := op.thread.Execute(teardown); err != nil {
		// thread already terminated, its poller is gone
		teardown()
	}
}
