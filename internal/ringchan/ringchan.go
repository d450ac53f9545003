// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel so producers never block: when the
// buffer is full the oldest element is discarded to make room.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
	closed      atomic.Bool
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend attempts to insert without blocking.
// Returns false if the buffer is full or the channel is closed.
func (rc *RingChannel[T]) TrySend(v T) bool {
	if rc.closed.Load() {
		return false
	}
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// ForceSend always succeeds immediately, discarding the oldest if needed.
// Returns true if an element was dropped. Sends after Close are ignored.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	if rc.closed.Load() {
		return false
	}

	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Subsequent sends are dropped.
// Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	if rc.closed.CompareAndSwap(false, true) {
		close(rc.ch)
	}
}

// Written returns the number of accepted elements
func (rc *RingChannel[T]) Written() int64 {
	return rc.written.Load()
}

// Overwritten returns the number of elements discarded to make room
func (rc *RingChannel[T]) Overwritten() int64 {
	return rc.overwritten.Load()
}
