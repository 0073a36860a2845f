// Package console logs combat events as they are emitted.
package console

import (
	"context"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/world"
)

// Name is the subscriber name used with the emitter.
const Name = "console"

// Sink writes every event and snapshot version to a logger.
type Sink struct {
	sub    *emitter.Subscription
	logger log.Logger
	events uint64
}

// New subscribes to em.
func New(em *emitter.Emitter, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Discard()
	}
	return &Sink{sub: em.Subscribe(Name), logger: logger}
}

// Run logs until ctx is done or the emitter closes. It returns the number
// of events logged.
func (s *Sink) Run(ctx context.Context) uint64 {
	defer s.sub.Unsubscribe()
	events, snapshots := s.sub.Events(), s.sub.Snapshots()
	for {
		select {
		case <-ctx.Done():
			return s.events
		case ev, ok := <-events:
			if !ok {
				return s.events
			}
			s.Send(ev)
		case snap, ok := <-snapshots:
			if !ok {
				// Keep draining events queued before the close.
				snapshots = nil
				continue
			}
			s.snapshot(snap)
		}
	}
}

// Send logs one event.
func (s *Sink) Send(ev core.CombatEvent) {
	s.events++
	s.logger.WithFields(map[string]interface{}{
		"seq":       ev.Seq,
		"kind":      ev.Kind.String(),
		"source":    ev.Source,
		"target":    ev.Target,
		"magnitude": ev.Magnitude,
		"skill":     ev.SkillID,
		"crit":      ev.Critical,
		"lethal":    ev.Lethal,
		"channel":   ev.Channel.String(),
	}).Info("combat event")
}

func (s *Sink) snapshot(snap *world.Snapshot) {
	if !s.logger.IsDebugEnabled() {
		return
	}
	s.logger.WithField("version", snap.Version()).
		WithField("entities", snap.Len()).
		WithField("local", snap.LocalPlayer()).
		Debug("snapshot")
}
