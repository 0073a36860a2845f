// Package world maintains the versioned world snapshot built from full
// syncs and channel deltas.
package world

import (
	"sort"
	"time"

	"github.com/kamstrup/intmap"

	"firestige.xyz/dpslens/internal/core"
)

// EntityState is the reconstructed state of one entity.
type EntityState struct {
	ID         core.EntityID      `json:"id"`
	Raw        core.RawIdentifier `json:"raw"`
	Player     bool               `json:"player"`
	Name       string             `json:"name,omitempty"`
	Class      core.Class         `json:"class"`
	Spec       core.Spec          `json:"spec"`
	Level      uint32             `json:"level,omitempty"`
	HP         int64              `json:"hp"`
	MaxHP      int64              `json:"max_hp"`
	FightPoint uint32             `json:"fight_point,omitempty"`
	Dead       bool               `json:"dead,omitempty"`
	Channels   uint8              `json:"channels"`

	LastSeq   [core.ChannelCount]uint64 `json:"-"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// InChannel reports whether the entity is a member of ch.
func (e *EntityState) InChannel(ch core.Channel) bool {
	return e.Channels&(1<<ch) != 0
}

// Snapshot is an immutable point-in-time view of the world. Entity
// states are shared between snapshots and never mutated once published.
type Snapshot struct {
	version  uint64
	local    core.EntityID
	taken    time.Time
	entities *intmap.Map[core.EntityID, *EntityState]
}

func emptySnapshot(version uint64, taken time.Time) *Snapshot {
	return &Snapshot{
		version:  version,
		taken:    taken,
		entities: intmap.New[core.EntityID, *EntityState](0),
	}
}

// Version increases with every published snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

// LocalPlayer returns the base id of the local player, zero if unknown.
func (s *Snapshot) LocalPlayer() core.EntityID { return s.local }

// TakenAt returns the arrival time of the frame that produced s.
func (s *Snapshot) TakenAt() time.Time { return s.taken }

// Len returns the number of entities.
func (s *Snapshot) Len() int { return s.entities.Len() }

// Get returns a copy of the entity state for id.
func (s *Snapshot) Get(id core.EntityID) (EntityState, bool) {
	e, ok := s.entities.Get(id)
	if !ok {
		return EntityState{}, false
	}
	return *e, true
}

// ForEach calls fn for each entity in unspecified order until fn returns
// false.
func (s *Snapshot) ForEach(fn func(EntityState) bool) {
	s.entities.ForEach(func(_ core.EntityID, e *EntityState) bool {
		return fn(*e)
	})
}

// Entities returns all entity states ordered by id.
func (s *Snapshot) Entities() []EntityState {
	out := make([]EntityState, 0, s.entities.Len())
	s.ForEach(func(e EntityState) bool {
		out = append(out, e)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// View is the serializable form of a snapshot.
type View struct {
	Version     uint64        `json:"version"`
	LocalPlayer core.EntityID `json:"local_player"`
	TakenAt     time.Time     `json:"taken_at"`
	Entities    []EntityState `json:"entities"`
}

// View renders the snapshot for serialization.
func (s *Snapshot) View() View {
	return View{
		Version:     s.version,
		LocalPlayer: s.local,
		TakenAt:     s.taken,
		Entities:    s.Entities(),
	}
}

// clone returns a shallow copy sharing entity states with s.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:  s.version,
		local:    s.local,
		taken:    s.taken,
		entities: intmap.New[core.EntityID, *EntityState](s.entities.Len()),
	}
	s.entities.ForEach(func(id core.EntityID, e *EntityState) bool {
		next.entities.Put(id, e)
		return true
	})
	return next
}
