// Package analyzer wires the decode path of one connection and
// dispatches many connections over partitioned workers.
package analyzer

import (
	"errors"
	"sync/atomic"
	"time"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/integrity"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/metrics"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/session"
	"firestige.xyz/dpslens/internal/world"
)

// Config configures one analyzer.
type Config struct {
	Decoder protocol.Limits `mapstructure:"decoder" yaml:"decoder"`
	Session session.Config  `mapstructure:"session" yaml:"session"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		Decoder: protocol.DefaultLimits(),
		Session: session.DefaultConfig(),
	}
}

// DropCounters reports why frames or bytes were not applied.
type DropCounters struct {
	Malformed   uint64 `json:"malformed"`
	Tampered    uint64 `json:"tampered"`
	Stale       uint64 `json:"stale"`
	Discarded   uint64 `json:"discarded"`
	Rejected    uint64 `json:"rejected"`
	OutOfOrder  uint64 `json:"out_of_order"`
	Unknown     uint64 `json:"unknown"`
	ResyncBytes uint64 `json:"resync_bytes"`
}

type dropCounters struct {
	malformed   atomic.Uint64
	tampered    atomic.Uint64
	stale       atomic.Uint64
	discarded   atomic.Uint64
	rejected    atomic.Uint64
	outOfOrder  atomic.Uint64
	unknown     atomic.Uint64
	resyncBytes atomic.Uint64
}

// Analyzer runs frame decoding, validation, session gating, world
// synchronization and event emission for one connection. Mutating methods
// must be called by a single owner. CurrentSessionState, DropCounters and
// Snapshot are safe from any goroutine.
type Analyzer struct {
	flow      string
	decoder   *protocol.Decoder
	validator *integrity.Validator
	session   *session.Session
	world     *world.Synchronizer
	emitter   *emitter.Emitter
	logger    log.Logger
	metrics   *metrics.Collector

	drops    dropCounters
	lastSeen time.Time
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

func WithLogger(l log.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(a *Analyzer) { a.metrics = c }
}

// WithEmitter routes events and snapshots to em.
func WithEmitter(em *emitter.Emitter) Option {
	return func(a *Analyzer) { a.emitter = em }
}

// New creates an analyzer for flow in the Disconnected state.
func New(flow string, cfg Config, opts ...Option) *Analyzer {
	a := &Analyzer{
		flow:      flow,
		decoder:   protocol.NewDecoder(cfg.Decoder),
		validator: integrity.NewValidator(),
		world:     world.NewSynchronizer(),
		logger:    log.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithField("flow", flow)
	a.session = session.New(cfg.Session, session.ObserverFunc(a.onTransition))
	return a
}

// Flow returns the flow key.
func (a *Analyzer) Flow() string { return a.flow }

// Connect attaches a new connection. Any buffered bytes are dropped.
func (a *Analyzer) Connect() error {
	if err := a.session.Connect(); err != nil {
		return err
	}
	a.decoder.Reset()
	return nil
}

// Feed decodes and applies every complete frame in data. Incomplete
// trailing bytes are kept for the next call. It returns ErrNotConnected
// or ErrFaulted when frames were rejected for that reason; every other
// outcome is reported through counters and state.
func (a *Analyzer) Feed(data []byte, seen time.Time) error {
	a.lastSeen = seen
	a.decoder.Write(data, seen)

	var rejected error
	for {
		f, err := a.decoder.Next()
		if errors.Is(err, core.ErrNeedMoreData) {
			break
		}
		if err != nil {
			a.fail(err)
			n := a.decoder.Resync()
			a.drops.resyncBytes.Add(uint64(n))
			a.metrics.Drop(metrics.ReasonResync, n)
			continue
		}
		if err := a.handle(&f); err != nil {
			rejected = err
		}
	}
	return rejected
}

// MarkGap reports bytes lost before the next Feed.
func (a *Analyzer) MarkGap() {
	if n := a.decoder.Buffered(); n > 0 {
		a.drops.resyncBytes.Add(uint64(n))
		a.metrics.Drop(metrics.ReasonResync, n)
	}
	a.decoder.Reset()
	a.session.MarkGap()
}

// ConnectionLost detaches the connection and clears the snapshot, unless
// the session is faulted.
func (a *Analyzer) ConnectionLost() {
	a.decoder.Reset()
	if a.session.ConnectionLost() {
		a.publishSnapshot(a.world.Clear(a.lastSeen))
	}
}

// RequestReset clears Faulted back to Disconnected. It reports whether a
// reset happened.
func (a *Analyzer) RequestReset() bool {
	if !a.session.Reset() {
		return false
	}
	a.decoder.Reset()
	a.publishSnapshot(a.world.Clear(a.lastSeen))
	return true
}

func (a *Analyzer) CurrentSessionState() session.State {
	return a.session.State()
}

func (a *Analyzer) DropCounters() DropCounters {
	return DropCounters{
		Malformed:   a.drops.malformed.Load(),
		Tampered:    a.drops.tampered.Load(),
		Stale:       a.drops.stale.Load(),
		Discarded:   a.drops.discarded.Load(),
		Rejected:    a.drops.rejected.Load(),
		OutOfOrder:  a.drops.outOfOrder.Load(),
		Unknown:     a.drops.unknown.Load(),
		ResyncBytes: a.drops.resyncBytes.Load(),
	}
}

// Snapshot returns the latest published world snapshot.
func (a *Analyzer) Snapshot() *world.Snapshot {
	return a.world.Snapshot()
}

func (a *Analyzer) handle(f *protocol.Frame) error {
	a.metrics.Frame(f.Kind.String())

	if err := a.session.Admit(); err != nil {
		a.drops.rejected.Add(1)
		a.metrics.Drop(metrics.ReasonRejected, 1)
		return err
	}

	// Nothing is inflated, decoded or applied before the token matches.
	if err := a.validator.Validate(f.Payload, f.Token); err != nil {
		a.fail(err)
		return nil
	}
	body, err := f.Body()
	if err != nil {
		a.fail(err)
		return nil
	}
	a.session.ObserveHandshake()

	switch f.Kind {
	case protocol.KindHeartbeat:
		a.session.RecordSuccess()
	case protocol.KindFullSync:
		a.applyFullSync(f, body)
	case protocol.KindDelta:
		a.applyDelta(f, body)
	default:
		a.drops.unknown.Add(1)
		a.metrics.Drop(metrics.ReasonUnknown, 1)
		a.session.RecordSuccess()
		if a.logger.IsDebugEnabled() {
			a.logger.WithField("opcode", f.Opcode.String()).WithField("length", f.Length).Debug("skipping unknown frame")
		}
	}
	return nil
}

func (a *Analyzer) applyFullSync(f *protocol.Frame, body []byte) {
	fs, err := protocol.DecodeFullSync(body)
	if err != nil {
		a.fail(err)
		return
	}
	if err := a.session.AcceptFullSync(fs.Seq); err != nil {
		return
	}
	a.publishSnapshot(a.world.ApplyFullSync(fs, f.Seen))
}

func (a *Analyzer) applyDelta(f *protocol.Frame, body []byte) {
	d, err := protocol.DecodeDelta(body)
	if err != nil {
		a.fail(err)
		return
	}

	switch err := a.session.AdmitDelta(f.Channel, d.Seq); {
	case err == nil:
	case errors.Is(err, core.ErrStaleDelta):
		a.drops.stale.Add(1)
		a.metrics.Drop(metrics.ReasonStale, 1)
		return
	case errors.Is(err, core.ErrOutOfOrderDelta):
		a.drops.outOfOrder.Add(1)
		a.metrics.Drop(metrics.ReasonOutOfOrder, 1)
		return
	default:
		a.drops.discarded.Add(1)
		a.metrics.Drop(metrics.ReasonDiscarded, 1)
		return
	}

	res := a.world.ApplyDelta(f.Channel, d, f.Seen)
	a.session.CommitDelta(f.Channel, d.Seq)
	if res.Stale > 0 {
		a.drops.stale.Add(uint64(res.Stale))
		a.metrics.Drop(metrics.ReasonStale, res.Stale)
	}
	if a.emitter != nil {
		a.emitter.Publish(f.Channel, res.Hits, f.Seen)
	}
	if res.Applied > 0 {
		a.publishSnapshot(res.Snapshot)
	}
}

// fail counts a malformed or tampered frame and lets the session react.
func (a *Analyzer) fail(err error) {
	if errors.Is(err, core.ErrDataTampered) {
		a.drops.tampered.Add(1)
		a.metrics.Drop(metrics.ReasonTampered, 1)
	} else {
		a.drops.malformed.Add(1)
		a.metrics.Drop(metrics.ReasonMalformed, 1)
	}
	st := a.session.RecordFailure(err)
	if a.logger.IsDebugEnabled() {
		a.logger.WithError(err).WithField("state", string(st)).Debug("frame rejected")
	}
}

func (a *Analyzer) publishSnapshot(snap *world.Snapshot) {
	a.metrics.Snapshot(a.flow, snap.Len())
	if a.emitter != nil {
		a.emitter.PublishSnapshot(snap)
	}
}

func (a *Analyzer) onTransition(t session.Transition) {
	a.metrics.Transition(a.flow, string(t.From), string(t.To))
	l := a.logger.WithFields(map[string]interface{}{
		"from":   string(t.From),
		"to":     string(t.To),
		"reason": t.Reason,
	})
	if t.To == session.StateFaulted {
		l.Error("session faulted, reset required")
		return
	}
	l.Info("session state changed")
}
