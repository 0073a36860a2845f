// Package emitter turns applied damage records into combat events and
// fans them out to subscribers.
package emitter

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/metrics"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/seqid"
	"firestige.xyz/dpslens/internal/world"
)

// Config tunes delivery.
type Config struct {
	// QueueSize is the event buffer of each subscriber.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// BackpressureTimeout is how long a publish waits on a full queue
	// before the oldest queued event is dropped.
	BackpressureTimeout time.Duration `mapstructure:"backpressure_timeout" yaml:"backpressure_timeout"`
	// DedupeWindow is how long a damage record identity is remembered.
	// Zero disables deduplication.
	DedupeWindow time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`
}

// DefaultConfig returns the default emitter configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:           1024,
		BackpressureTimeout: 5 * time.Millisecond,
		DedupeWindow:        2 * time.Second,
	}
}

// Stats is a point-in-time view of the emitter counters.
type Stats struct {
	Published   uint64
	Duplicates  uint64
	Dropped     uint64
	Subscribers int
}

// Emitter is shared by every analyzer. Publish calls are serialized so
// sequence ids increase in emission order.
type Emitter struct {
	cfg     Config
	alloc   *seqid.Allocator
	dedupe  *cache.Cache
	logger  log.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	subs   []*Subscription
	closed bool

	latest     atomic.Pointer[world.Snapshot]
	published  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
}

// Option customizes an Emitter.
type Option func(*Emitter)

func WithLogger(l log.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Emitter) { e.metrics = c }
}

// New creates an emitter drawing sequence ids from alloc.
func New(cfg Config, alloc *seqid.Allocator, opts ...Option) *Emitter {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	e := &Emitter{
		cfg:    cfg,
		alloc:  alloc,
		logger: log.Discard(),
	}
	if cfg.DedupeWindow > 0 {
		e.dedupe = cache.New(cfg.DedupeWindow, 2*cfg.DedupeWindow)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a consumer. The latest snapshot, if any, is already
// waiting in its mailbox.
func (e *Emitter) Subscribe(name string) *Subscription {
	s := newSubscription(name, e.cfg.QueueSize, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		s.close()
		return s
	}
	if snap := e.latest.Load(); snap != nil {
		s.offerSnapshot(snap)
	}
	e.subs = append(e.subs, s)
	e.logger.WithField("subscriber", name).Debug("subscriber added")
	return s
}

func (e *Emitter) unsubscribe(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub == s {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			s.close()
			return
		}
	}
}

// Publish emits one event per non-duplicate hit and returns how many were
// emitted. seen is the arrival time of the carrying frame.
func (e *Emitter) Publish(ch core.Channel, hits []world.Hit, seen time.Time) int {
	if len(hits) == 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	for _, s := range e.subs {
		s.stalled = false
	}

	n := 0
	for i := range hits {
		if e.duplicate(&hits[i]) {
			e.duplicates.Add(1)
			e.metrics.Duplicate()
			continue
		}
		ev := eventFromHit(ch, &hits[i], seen)
		ev.Seq, ev.Ticks = e.alloc.Next()

		for _, s := range e.subs {
			if s.offer(ev, e.cfg.BackpressureTimeout) {
				e.dropped.Add(1)
				e.metrics.SubscriberDrop(s.name)
			}
		}
		e.published.Add(1)
		e.metrics.Event(ev.Kind.String())
		n++
	}
	return n
}

// PublishSnapshot delivers snap to every mailbox, replacing any unread
// snapshot.
func (e *Emitter) PublishSnapshot(snap *world.Snapshot) {
	if snap == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.latest.Store(snap)
	for _, s := range e.subs {
		s.offerSnapshot(snap)
	}
}

// Snapshot returns the most recently published snapshot, nil before the
// first one.
func (e *Emitter) Snapshot() *world.Snapshot {
	return e.latest.Load()
}

// Stats returns the emitter counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	n := len(e.subs)
	e.mu.Unlock()
	return Stats{
		Published:   e.published.Load(),
		Duplicates:  e.duplicates.Load(),
		Dropped:     e.dropped.Load(),
		Subscribers: n,
	}
}

// Close closes every subscription. Later publishes are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, s := range e.subs {
		s.close()
	}
	e.subs = nil
}

// duplicate reports whether the same hit was already seen within the
// window, typically once per channel.
func (e *Emitter) duplicate(h *world.Hit) bool {
	if e.dedupe == nil {
		return false
	}
	key := strconv.FormatUint(h.Damage.UID, 10) + "/" +
		strconv.FormatUint(uint64(h.Damage.Attacker), 10) + "/" +
		strconv.FormatUint(uint64(h.Target), 10)
	return e.dedupe.Add(key, struct{}{}, cache.DefaultExpiration) != nil
}

func eventFromHit(ch core.Channel, h *world.Hit, seen time.Time) core.CombatEvent {
	d := h.Damage
	// Summons are credited to their owner.
	src := d.Attacker
	if d.TopSummoner != 0 {
		src = d.TopSummoner
	}

	kind := core.EventOther
	switch d.Type {
	case protocol.DamageNormal:
		kind = core.EventDamage
	case protocol.DamageHeal:
		kind = core.EventHeal
	}

	mag := d.Value
	if mag < 0 {
		mag = -mag
	}

	return core.CombatEvent{
		Timestamp:    seen,
		Source:       core.EntityBaseID(src),
		SourcePlayer: core.IsPlayer(src),
		Target:       core.EntityBaseID(h.Target),
		TargetPlayer: core.IsPlayer(h.Target),
		Kind:         kind,
		Magnitude:    mag,
		SkillID:      d.SkillID,
		Critical:     d.Critical,
		Lethal:       d.Dead,
		Channel:      ch,
	}
}
