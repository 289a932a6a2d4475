// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioworker

import (
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// defaultBufferSize is the default datagram send/receive buffer size.
const defaultBufferSize = 8192

// OptionMap is an immutable, read-only key/value lookup with typed defaults.
// It configures workers and individual operations. Values are plain Go
// scalars (int, bool, string) so a map parses directly from YAML.
//
// Unrecognized keys are ignored, allowing maps to be shared with other
// components.
type OptionMap map[string]any

// Opt is a typed configuration key with a default value. Use the package
// variables (OptReadThreads, OptSendBuffer, ...) rather than constructing
// keys directly.
type Opt[T any] struct {
	parse func(any) (T, bool)
	name  string
	def   T
}

// Name returns the key's name as it appears in an OptionMap.
func (o Opt[T]) Name() string { return o.name }

// Default returns the value Get yields when the key is absent.
func (o Opt[T]) Default() T { return o.def }

// Get returns the key's value from m, or the key's default when m is nil,
// the key is absent, or the stored value has the wrong type.
func (o Opt[T]) Get(m OptionMap) T {
	if v, ok := m[o.name]; ok && v != nil {
		if t, ok := o.parse(v); ok {
			return t
		}
	}
	return o.def
}

// check reports whether the value stored under the key, if any, parses.
func (o Opt[T]) check(m OptionMap) bool {
	v, ok := m[o.name]
	if !ok || v == nil {
		return true
	}
	_, ok = o.parse(v)
	return ok
}

// IntOpt declares an integer option key. YAML integer scalars decode as int
// or int64 depending on magnitude; both are accepted.
func IntOpt(name string, def int) Opt[int] {
	return Opt[int]{name: name, def: def, parse: func(v any) (int, bool) {
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case uint64:
			return int(n), true
		}
		return 0, false
	}}
}

// BoolOpt declares a boolean option key.
func BoolOpt(name string, def bool) Opt[bool] {
	return Opt[bool]{name: name, def: def, parse: func(v any) (bool, bool) {
		b, ok := v.(bool)
		return b, ok
	}}
}

// StringOpt declares a string option key.
func StringOpt(name string, def string) Opt[string] {
	return Opt[string]{name: name, def: def, parse: func(v any) (string, bool) {
		s, ok := v.(string)
		return s, ok
	}}
}

// Option keys recognized by this package.
var (
	// OptReadThreads is the read-pool size. Zero is permitted; operations
	// that need a read thread then fail with ErrNoThreads.
	OptReadThreads = IntOpt("read-threads", 1)

	// OptWriteThreads is the write-pool size.
	OptWriteThreads = IntOpt("write-threads", 1)

	// OptWorkerName names the worker for logging and metrics. Defaults to a
	// generated "ioworker-<n>" name.
	OptWorkerName = StringOpt("worker-name", "")

	// OptStackSize is the requested per-thread stack size in bytes. Zero
	// means the runtime default. Goroutine stacks grow dynamically, so the
	// value is advisory and recorded only.
	OptStackSize = IntOpt("stack-size", 0)

	// OptEstablishWriting selects the write pool, rather than the read
	// pool, for connect/accept handshake readiness.
	OptEstablishWriting = BoolOpt("establish-writing", false)

	// OptMulticast requests multicast support from CreateUDPServer. On
	// platforms without native non-blocking multicast this selects the
	// blocking-socket fallback.
	OptMulticast = BoolOpt("multicast", false)

	// OptSendBuffer is the socket send buffer size in bytes.
	OptSendBuffer = IntOpt("send-buffer", defaultBufferSize)

	// OptReceiveBuffer is the socket receive buffer size in bytes.
	OptReceiveBuffer = IntOpt("receive-buffer", defaultBufferSize)

	// OptTCPNoDelay disables Nagle's algorithm on stream channels.
	OptTCPNoDelay = BoolOpt("tcp-nodelay", false)

	// OptReusePort enables SO_REUSEPORT on listener sockets.
	OptReusePort = BoolOpt("reuse-port", false)

	// OptBacklog is the listen backlog for TCP servers.
	OptBacklog = IntOpt("backlog", 128)
)

// validate checks every recognized key: stored values must parse, counts and
// sizes must be in range. Unknown keys pass.
func (m OptionMap) validate() error {
	if !OptReadThreads.check(m) || OptReadThreads.Get(m) < 0 {
		return fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidArgument, OptReadThreads.Name())
	}
	if !OptWriteThreads.check(m) || OptWriteThreads.Get(m) < 0 {
		return fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidArgument, OptWriteThreads.Name())
	}
	if !OptStackSize.check(m) || OptStackSize.Get(m) < 0 {
		return fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidArgument, OptStackSize.Name())
	}
	if !OptSendBuffer.check(m) || OptSendBuffer.Get(m) <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidArgument, OptSendBuffer.Name())
	}
	if !OptReceiveBuffer.check(m) || OptReceiveBuffer.Get(m) <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidArgument, OptReceiveBuffer.Name())
	}
	if !OptBacklog.check(m) || OptBacklog.Get(m) <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidArgument, OptBacklog.Name())
	}
	if !OptWorkerName.check(m) {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidArgument, OptWorkerName.Name())
	}
	for _, o := range []Opt[bool]{OptEstablishWriting, OptMulticast, OptTCPNoDelay, OptReusePort} {
		if !o.check(m) {
			return fmt.Errorf("%w: %s must be a boolean", ErrInvalidArgument, o.Name())
		}
	}
	return nil
}

// ParseOptionMap decodes a YAML document into an OptionMap. The document
// must be a mapping of scalar values.
func ParseOptionMap(data []byte) (OptionMap, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ioworker: parse options: %w", err)
	}
	return m, nil
}

// LoadOptionMapFile reads and parses a YAML option file.
func LoadOptionMapFile(path string) (OptionMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ioworker: load options: %w", err)
	}
	return ParseOptionMap(data)
}

// --- Worker Options ---

// workerOptions holds process-level wiring resolved at construction. These
// are deliberately separate from OptionMap: an OptionMap is serializable
// configuration, while these carry live references.
type workerOptions struct {
	logger          *logiface.Logger[logiface.Event]
	registerer      prometheus.Registerer
	randSource      rand.Source
	nativeMulticast bool
}

// WorkerOption configures a Worker instance.
type WorkerOption interface {
	applyWorker(*workerOptions) error
}

// workerOptionImpl implements WorkerOption.
type workerOptionImpl struct {
	applyWorkerFunc func(*workerOptions) error
}

func (o *workerOptionImpl) applyWorker(opts *workerOptions) error {
	return o.applyWorkerFunc(opts)
}

// WithLogger attaches a structured logger to the worker. A nil logger
// disables logging (the default).
func WithLogger(logger *logiface.Logger[logiface.Event]) WorkerOption {
	return &workerOptionImpl{func(opts *workerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics registers the worker's Prometheus collectors against reg.
// A nil registerer disables metrics (the default).
func WithMetrics(reg prometheus.Registerer) WorkerOption {
	return &workerOptionImpl{func(opts *workerOptions) error {
		opts.registerer = reg
		return nil
	}}
}

// WithDatagramCapability declares whether the platform supports native
// non-blocking multicast datagram channels. When false (the default,
// matching readiness-multiplexed runtimes on Linux), CreateUDPServer with
// OptMulticast set selects the blocking-socket fallback.
func WithDatagramCapability(nativeMulticast bool) WorkerOption {
	return &workerOptionImpl{func(opts *workerOptions) error {
		opts.nativeMulticast = nativeMulticast
		return nil
	}}
}

// WithRandSource injects the randomness source used for thread selection.
// Intended for deterministic tests; the default is the shared global
// generator. The source is serialized internally, so it need not be safe
// for concurrent use.
func WithRandSource(src rand.Source) WorkerOption {
	return &workerOptionImpl{func(opts *workerOptions) error {
		opts.randSource = src
		return nil
	}}
}

// resolveWorkerOptions applies WorkerOption instances to workerOptions.
func resolveWorkerOptions(opts []WorkerOption) (*workerOptions, error) {
	cfg := &workerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyWorker(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
