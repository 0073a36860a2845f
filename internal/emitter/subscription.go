package emitter

import (
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/world"
)

// Subscription is one consumer's view of the emitter.
type Subscription struct {
	name      string
	events    chan core.CombatEvent
	snapshots chan *world.Snapshot
	emitter   *Emitter
	dropped   atomic.Uint64

	// stalled is set once a publish timed out on this queue; the rest of
	// that publish does not wait again. Guarded by the emitter mutex.
	stalled   bool
	closeOnce sync.Once
}

func newSubscription(name string, size int, e *Emitter) *Subscription {
	return &Subscription{
		name:      name,
		events:    make(chan core.CombatEvent, size),
		snapshots: make(chan *world.Snapshot, 1),
		emitter:   e,
	}
}

func (s *Subscription) Name() string { return s.name }

// Events delivers combat events in sequence order. Closed when the
// subscription ends.
func (s *Subscription) Events() <-chan core.CombatEvent { return s.events }

// Snapshots delivers the latest snapshot. Unread snapshots are replaced.
func (s *Subscription) Snapshots() <-chan *world.Snapshot { return s.snapshots }

// Dropped returns how many events were evicted from this queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe detaches from the emitter and closes both channels.
func (s *Subscription) Unsubscribe() {
	s.emitter.unsubscribe(s)
}

// offer enqueues ev, waiting up to timeout on a full queue, then evicts
// the oldest event. It reports whether an event was dropped.
func (s *Subscription) offer(ev core.CombatEvent, timeout time.Duration) bool {
	select {
	case s.events <- ev:
		return false
	default:
	}

	if timeout > 0 && !s.stalled {
		timer := time.NewTimer(timeout)
		select {
		case s.events <- ev:
			timer.Stop()
			return false
		case <-timer.C:
		}
		s.stalled = true
	}

	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
	s.dropped.Add(1)
	return true
}

func (s *Subscription) offerSnapshot(snap *world.Snapshot) {
	for {
		select {
		case s.snapshots <- snap:
			return
		default:
		}
		select {
		case <-s.snapshots:
		default:
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.events)
		close(s.snapshots)
	})
}
