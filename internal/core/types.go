// Package core defines core types with zero external dependencies.
package core

import "time"

// RawIdentifier is the 64-bit entity reference carried on the wire.
// The low 16 bits hold a type marker, the upper 48 bits the base id.
type RawIdentifier uint64

// EntityID is the base entity id extracted from a RawIdentifier.
type EntityID uint64

// SequenceID orders emitted events: elapsedTicks*100 + intraTickCounter.
type SequenceID uint64

// Channel identifies one of the two independent delta streams.
type Channel uint8

const (
	ChannelNear Channel = iota // entities in proximity to the local player
	ChannelToMe                // entities interacting with the local player

	ChannelCount = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelNear:
		return "near"
	case ChannelToMe:
		return "to_me"
	default:
		return "unknown"
	}
}

// EventKind classifies a combat event.
type EventKind uint8

const (
	EventOther EventKind = iota
	EventDamage
	EventHeal
)

func (k EventKind) String() string {
	switch k {
	case EventDamage:
		return "damage"
	case EventHeal:
		return "heal"
	default:
		return "other"
	}
}

// CombatEvent is one emitted damage/heal record. Immutable once emitted.
type CombatEvent struct {
	Seq       SequenceID `json:"seq"`
	Ticks     int64      `json:"ticks"`
	Timestamp time.Time  `json:"timestamp"` // arrival time of the carrying frame

	Source       EntityID `json:"source"`
	SourcePlayer bool     `json:"source_player"`
	Target       EntityID `json:"target"`
	TargetPlayer bool     `json:"target_player"`

	Kind      EventKind `json:"kind"`
	Magnitude int64     `json:"magnitude"`
	SkillID   uint32    `json:"skill_id,omitempty"`
	Critical  bool      `json:"critical,omitempty"`
	Lethal    bool      `json:"lethal,omitempty"`
	Channel   Channel   `json:"channel"`
}
