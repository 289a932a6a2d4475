package ioworker

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// ChannelListener observes a channel event: a bind, an established
// connection, an accepted connection, or a close. Listeners run
// synchronously on whatever goroutine produced the event, frequently an
// event-loop thread, so they must not block.
type ChannelListener[T any] func(T)

// ListenerSetter is a single-slot, atomically replaceable listener
// registration. The zero value is ready to use with no listener set.
type ListenerSetter[T any] struct {
	v atomic.Pointer[ChannelListener[T]]
}

// Set replaces the current listener. A nil listener clears the slot.
func (s *ListenerSetter[T]) Set(listener ChannelListener[T]) {
	if listener == nil {
		s.v.Store(nil)
		return
	}
	s.v.Store(&listener)
}

// get returns the current listener, or nil.
func (s *ListenerSetter[T]) get() ChannelListener[T] {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return nil
}

// invokeChannelListener fires listener with subject. A nil listener is a
// no-op. Panics are recovered and logged so a misbehaving listener cannot
// take down an event-loop thread.
func invokeChannelListener[T any](logger *logiface.Logger[logiface.Event], listener ChannelListener[T], subject T) {
	if listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Err().
				Interface("panic", r).
				Log("ioworker: channel listener panicked")
		}
	}()
	listener(subject)
}
