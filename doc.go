// Package ioworker provides the worker-pool and connection-establishment
// core of a non-blocking, event-multiplexed I/O runtime: fixed pools of
// event-loop threads, randomized load balancing across them, a lock-free
// resource lifecycle guaranteeing race-free shutdown, and asynchronous
// TCP/UDP channel bootstrap surfaced through cancellable futures.
//
// # Architecture
//
// A [Worker] owns two fixed pools of [WorkerThread] instances (a read pool
// and a write pool), sized at construction via [OptionMap] keys and never
// resized. Each thread is one goroutine locked to an OS thread, multiplexing
// socket readiness through its own epoll instance, with an eventfd wake
// channel, a task queue, and a timer heap. Asynchronous operations are
// dispatched onto threads chosen uniformly at random: one thread weighted
// across both pools ([Worker.Execute]), one thread from a named pool
// (connection establishment), or exactly k distinct threads from a pool
// (internal sampling without replacement).
//
// Connection establishment is a readiness-driven state machine per
// operation: [Worker.ConnectTCP] drives a non-blocking connect to
// completion on writable readiness, and [Worker.AcceptTCPOnce] accepts
// exactly one inbound connection before retiring its listener socket. Both
// produce a [Future] of a [StreamChannel]. Persistent serving is
// [Worker.CreateTCPServer]; datagram bootstrap, including the blocking
// multicast fallback, is [Worker.CreateUDPServer].
//
// # Resource Lifecycle
//
// Every independently-owned resource (pool thread, channel, in-flight
// handshake) holds one count in a single atomic word also carrying
// close-requested and close-complete bits. [Worker.Shutdown] sets
// close-requested exactly once, forces down tracked resources, and waits
// for the count to drain; new resources are refused with [ErrWorkerClosed]
// from that point on. The close listener fires exactly once, outside any
// lock, when the last count releases.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Listeners, readiness
// callbacks, tasks, and future completion listeners run synchronously on
// event-loop threads and must not block.
//
// # Platform Support
//
// The readiness machinery requires Linux (epoll, eventfd). On other
// platforms the package compiles with the same surface, but constructing a
// worker with pool threads fails with [ErrUnsupportedPlatform].
package ioworker
