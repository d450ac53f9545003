// Package samples keeps the most recent ADC samples for charting.
package samples

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of samples a chart keeps
const DefaultCapacity = 100

// Sample is one ADC reading
type Sample struct {
	Time  time.Time
	Value int32
	Tick  uint64 // arrival sequence number, starting at 1
}

// Buffer is a capacity-bounded, insertion-ordered list of samples. When an
// append would exceed the capacity, the oldest sample is evicted.
//
// Storage is a fixed ring so appends are O(1); Snapshot copies out in arrival
// order. All methods are safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	ring  []Sample
	head  int // index of the oldest sample
	size  int
	ticks uint64
}

// NewBuffer creates a buffer holding at most capacity samples.
// A non-positive capacity falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{ring: make([]Sample, capacity)}
}

// Append inserts s at the end, evicting the oldest sample if full.
// A zero Tick is replaced by the buffer's arrival counter.
// Returns true if a sample was evicted.
func (b *Buffer) Append(s Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, evicted := b.push(s)
	return evicted
}

// Record appends a sample stamped with the current time and returns it
func (b *Buffer) Record(value int32) Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, _ := b.push(Sample{Time: time.Now(), Value: value})
	return stored
}

// push must be called with mu held
func (b *Buffer) push(s Sample) (Sample, bool) {
	b.ticks++
	if s.Tick == 0 {
		s.Tick = b.ticks
	}

	if b.size < len(b.ring) {
		b.ring[(b.head+b.size)%len(b.ring)] = s
		b.size++
		return s, false
	}

	// full: overwrite the oldest slot and advance head
	b.ring[b.head] = s
	b.head = (b.head + 1) % len(b.ring)
	return s, true
}

// Snapshot returns a copy of the samples in arrival order
func (b *Buffer) Snapshot() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Sample, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

// Values returns only the sample values in arrival order
func (b *Buffer) Values() []int32 {
	snap := b.Snapshot()
	out := make([]int32, len(snap))
	for i, s := range snap {
		out[i] = s.Value
	}
	return out
}

// Last returns the most recent sample
func (b *Buffer) Last() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return Sample{}, false
	}
	return b.ring[(b.head+b.size-1)%len(b.ring)], true
}

// Len returns the number of stored samples
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the capacity bound
func (b *Buffer) Cap() int {
	return len(b.ring)
}

// Reset discards all samples and restarts the arrival counter
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = Sample{}
	}
	b.head = 0
	b.size = 0
	b.ticks = 0
}
