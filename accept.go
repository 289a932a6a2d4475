package ioworker

import (
	"fmt"
	"net"
)

// pendingAccept is an in-flight single-shot inbound accept: a transient
// listening socket that produces exactly one connected channel and then
// closes. Unlike connect there is no cancel handler; cancelling the future
// has no effect, matching the one-result contract.
type pendingAccept struct {
	worker       *Worker
	thread       *WorkerThread
	owner        *fdOwner
	result       *Result[*StreamChannel]
	dest         *net.TCPAddr
	openListener ChannelListener[*StreamChannel]
}

// AcceptTCPOnce binds a transient listener to dest and accepts exactly one
// inbound TCP connection, surfaced through the returned future. The bind
// listener fires synchronously with a restricted view of the listening
// socket. The listening socket closes as soon as one connection is
// accepted; persistent serving is CreateTCPServer.
func (w *Worker) AcceptTCPOnce(dest *net.TCPAddr, openListener ChannelListener[*StreamChannel], bindListener ChannelListener[BoundChannel], options OptionMap) *Future[*StreamChannel] {
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

	op := &pendingAccept{
		worker:       w,
		thread:       thread,
		owner:        &fdOwner{fd: fd},
		result:       NewResult[*StreamChannel](),
		dest:         dest,
		openListener: openListener,
	}

	if err := applyListenerOptions(fd, options); err != nil {
		op.fail(newIOError("setsockopt", dest, err))
		return op.result.Future()
	}
	if err := bindFD(fd, family, dest.IP, dest.Port, dest.Zone); err != nil {
		op.fail(newIOError("bind", dest, err))
		return op.result.Future()
	}
	if err := listenFD(fd, options); err != nil {
		op.fail(newIOError("listen", dest, err))
		return op.result.Future()
	}
	invokeChannelListener[BoundChannel](w.logger, bindListener, &boundView{
		addr:   localTCPAddr(fd),
		isOpen: op.owner.isOpen,
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

	cfd, _, wouldBlock, err := acceptFD(fd)
	if err != nil {
		op.fail(newIOError("accept", dest, err))
		return op.result.Future()
	}
	if !wouldBlock {
		op.complete(cfd)
		return op.result.Future()
	}

	if err := w.trackResource(op); err != nil {
		op.fail(err)
		return op.result.Future()
	}
	if _, err := thread.RegisterReadiness(fd, EventRead, op.onAcceptable); err != nil {
		op.fail(err)
	}
	return op.result.Future()
}

// onAcceptable runs on the loop thread when the listening socket reports
// readable readiness. A wakeup with no queued connection keeps waiting.
func (op *pendingAccept) onAcceptable(IOEvents) {
	if op.result.Future().State() != FuturePending {
		return
	}
	cfd, _, wouldBlock, err := acceptFD(op.owner.fd)
	if err != nil {
		op.fail(newIOError("accept", op.dest, err))
		return
	}
	if wouldBlock {
		return
	}
	op.complete(cfd)
}

// complete hands off the accepted descriptor and retires the listener
// socket: exactly one connection per request.
func (op *pendingAccept) complete(cfd int) {
	op.worker.untrackResource(op)
	op.thread.deregisterFD(op.owner.fd)
	if op.owner.claim() {
		_ = closeFD(op.owner.fd)
		op.worker.lifecycle.closeResource()
	}
	c, err := op.worker.adoptAccepted(cfd)
	if err != nil {
		op.result.Fail(err)
		return
	}
	if op.result.Succeed(c) {
		op.worker.metrics.acceptCompleted()
		op.worker.logger.Debug().
			Str("local", op.dest.String()).
			Log("ioworker: single-shot accept completed")
		invokeChannelListener(op.worker.logger, op.openListener, c)
		return
	}
	op.worker.untrackResource(c)
	_ = c.Close()
}

// fail settles the future as Failed and retires the listener socket.
func (op *pendingAccept) fail(err error) {
	if !op.result.Fail(err) {
		return
	}
	op.worker.untrackResource(op)
	op.release()
}

// Close aborts the pending accept; the worker's shutdown path drives it
// through the resource registry.
func (op *pendingAccept) Close() error {
	if op.result.Fail(ErrWorkerClosed) {
		op.release()
	}
	return nil
}

// release tears the listener socket down on the loop thread, serializing
// descriptor table mutations with callback dispatch.
func (op *pendingAccept) release() {
	teardown := func() {
		op.thread.deregisterFD(op.owner.fd)
		if op.owner.claim() {
			_ = closeFD(op.owner.fd)
			op.worker.lifecycle.closeResource()
		}
	}
	if err := op.thread.Execute(teardown); err != nil {
		teardown()
	}
}
