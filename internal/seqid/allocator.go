// Package seqid allocates strictly increasing event sequence ids.
package seqid

import (
	"sync/atomic"
	"time"

	"firestige.xyz/dpslens/internal/core"
)

// TicksPerCounter is the id space reserved for each tick.
const TicksPerCounter = 100

// tickUnit is the resolution of one tick (100ns).
const tickUnit = 100 * time.Nanosecond

// TickSource returns the number of elapsed ticks since the allocator epoch.
type TickSource func() int64

// Allocator hands out ids of the form ticks*100 + k. Safe for concurrent
// use; allocation is a lock-free compare-and-swap loop.
type Allocator struct {
	ticks TickSource
	// one past the last allocated id; zero means nothing was allocated
	next atomic.Uint64
}

// New creates an allocator anchored to the current monotonic time.
func New() *Allocator {
	epoch := time.Now()
	return NewWithSource(func() int64 {
		return int64(time.Since(epoch) / tickUnit)
	})
}

// NewWithSource creates an allocator driven by a custom tick source.
func NewWithSource(src TickSource) *Allocator {
	return &Allocator{ticks: src}
}

// Next returns a new id and the tick it was allocated in. Ids are unique
// and non-decreasing in call-completion order. Within one tick successive
// ids increment by one; a new tick restarts the counter at zero.
func (a *Allocator) Next() (core.SequenceID, int64) {
	for {
		ticks := a.ticks()
		if ticks < 0 {
			ticks = 0
		}
		floor := a.next.Load()
		id := uint64(ticks) * TicksPerCounter
		if id < floor {
			id = floor
		}
		if a.next.CompareAndSwap(floor, id+1) {
			return core.SequenceID(id), ticks
		}
	}
}

// Last returns the most recently allocated id and false if none was
// allocated yet.
func (a *Allocator) Last() (core.SequenceID, bool) {
	n := a.next.Load()
	if n == 0 {
		return 0, false
	}
	return core.SequenceID(n - 1), true
}
