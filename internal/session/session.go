// Package session implements the per-connection protocol state machine.
package session

import (
	"sync/atomic"

	"firestige.xyz/dpslens/internal/core"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateDisconnected indicates no connection is attached.
	StateDisconnected State = "disconnected"
	// StateConnecting indicates a connection is attached but no frame was validated yet.
	StateConnecting State = "connecting"
	// StateAwaitingFullSync indicates the handshake completed and no full sync arrived yet.
	StateAwaitingFullSync State = "awaiting_full_sync"
	// StateSynced indicates the world view is consistent and deltas apply.
	StateSynced State = "synced"
	// StateResyncing indicates the world view is suspect until the next full sync.
	StateResyncing State = "resyncing"
	// StateFaulted indicates too many consecutive failures; only a reset recovers.
	StateFaulted State = "faulted"
)

// Config tunes failure handling.
type Config struct {
	// FailureThreshold is the number of consecutive malformed or tampered
	// frames that faults the session.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// ReorderWindow is the largest sequence regression still treated as a
	// stale duplicate. Larger regressions force a resync. Zero disables
	// the check.
	ReorderWindow uint64 `mapstructure:"reorder_window" yaml:"reorder_window"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ReorderWindow:    4096,
	}
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Reason string
}

// Observer is notified of every transition, synchronously, on the owning
// goroutine.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Session tracks the protocol state of one connection. Mutating methods
// must be called from a single owner; State may be read concurrently.
type Session struct {
	cfg      Config
	observer Observer

	state      atomic.Value // State
	watermarks [core.ChannelCount]uint64
	failures   int
}

// New creates a disconnected session. observer may be nil.
func New(cfg Config, observer Observer) *Session {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	s := &Session{cfg: cfg, observer: observer}
	s.state.Store(StateDisconnected)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// Failures returns the current consecutive failure count.
func (s *Session) Failures() int {
	return s.failures
}

// Watermark returns the highest applied delta sequence of ch.
func (s *Session) Watermark(ch core.Channel) uint64 {
	if int(ch) >= core.ChannelCount {
		return 0
	}
	return s.watermarks[ch]
}

// Connect attaches a new connection. It is a no-op while a connection is
// already attached.
func (s *Session) Connect() error {
	switch s.State() {
	case StateFaulted:
		return core.ErrFaulted
	case StateDisconnected:
		s.transition(StateConnecting, "connection established")
	}
	return nil
}

// Admit reports whether frames may be processed at all.
func (s *Session) Admit() error {
	switch s.State() {
	case StateDisconnected:
		return core.ErrNotConnected
	case StateFaulted:
		return core.ErrFaulted
	}
	return nil
}

// ObserveHandshake records a validated frame. The first one completes the
// handshake.
func (s *Session) ObserveHandshake() {
	if s.State() == StateConnecting {
		s.transition(StateAwaitingFullSync, "handshake")
	}
}

// AcceptFullSync records an applied full sync at seq. Both channel
// watermarks restart from seq.
func (s *Session) AcceptFullSync(seq uint64) error {
	if err := s.Admit(); err != nil {
		return err
	}
	s.ObserveHandshake()
	for i := range s.watermarks {
		s.watermarks[i] = seq
	}
	s.failures = 0
	if s.State() != StateSynced {
		s.transition(StateSynced, "full sync")
	}
	return nil
}

// AdmitDelta decides whether a delta with seq on ch may be applied.
// It returns ErrDeltaDiscarded outside Synced, ErrStaleDelta for a
// sequence at or below the watermark and ErrOutOfOrderDelta when the
// regression exceeds the reorder window, which also forces a resync.
func (s *Session) AdmitDelta(ch core.Channel, seq uint64) error {
	if s.State() != StateSynced {
		return core.ErrDeltaDiscarded
	}
	if int(ch) >= core.ChannelCount {
		return core.ErrMalformedFrame
	}
	wm := s.watermarks[ch]
	if seq > wm {
		return nil
	}
	if s.cfg.ReorderWindow > 0 && wm-seq > s.cfg.ReorderWindow {
		s.transition(StateResyncing, "out-of-order delta on "+ch.String())
		return core.ErrOutOfOrderDelta
	}
	return core.ErrStaleDelta
}

// CommitDelta advances the watermark of ch after the delta was applied.
func (s *Session) CommitDelta(ch core.Channel, seq uint64) {
	if int(ch) < core.ChannelCount && seq > s.watermarks[ch] {
		s.watermarks[ch] = seq
	}
	s.failures = 0
}

// RecordFailure counts a malformed or tampered frame and returns the
// resulting state. Reaching the threshold faults the session; otherwise a
// synced session starts resyncing.
func (s *Session) RecordFailure(cause error) State {
	st := s.State()
	if st == StateDisconnected || st == StateFaulted {
		return st
	}
	s.failures++

	reason := "failure"
	if cause != nil {
		reason = cause.Error()
	}
	switch {
	case s.failures >= s.cfg.FailureThreshold:
		s.transition(StateFaulted, reason)
	case st == StateSynced:
		s.transition(StateResyncing, reason)
	}
	return s.State()
}

// RecordSuccess clears the consecutive failure count.
func (s *Session) RecordSuccess() {
	s.failures = 0
}

// MarkGap records bytes lost in transit. Deltas can no longer be trusted
// until the next full sync.
func (s *Session) MarkGap() {
	if s.State() == StateSynced {
		s.transition(StateResyncing, "stream gap")
	}
}

// ConnectionLost detaches the connection and clears all sync state. A
// faulted session stays faulted. It reports whether the session was
// cleared.
func (s *Session) ConnectionLost() bool {
	switch s.State() {
	case StateFaulted:
		return false
	case StateDisconnected:
		s.clear()
		return true
	}
	s.clear()
	s.transition(StateDisconnected, core.ErrConnectionLost.Error())
	return true
}

// Reset leaves Faulted for Disconnected. It reports whether a reset
// happened; in any other state it does nothing.
func (s *Session) Reset() bool {
	if s.State() != StateFaulted {
		return false
	}
	s.clear()
	s.transition(StateDisconnected, "reset requested")
	return true
}

func (s *Session) clear() {
	s.watermarks = [core.ChannelCount]uint64{}
	s.failures = 0
}

func (s *Session) transition(to State, reason string) {
	from := s.State()
	if from == to {
		return
	}
	s.state.Store(to)
	if s.observer != nil {
		s.observer.OnTransition(Transition{From: from, To: to, Reason: reason})
	}
}
