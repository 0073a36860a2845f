package world

import (
	"sync/atomic"
	"time"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/protocol"
)

// Hit is a damage record applied to a target entity.
type Hit struct {
	Target core.RawIdentifier
	Damage protocol.DamageRecord
}

// Result describes what one delta frame changed.
type Result struct {
	Snapshot *Snapshot
	Hits     []Hit
	Applied  int
	Stale    int
}

// Synchronizer applies frames copy-on-write and publishes each result
// atomically. Apply methods must be called by a single owner; Snapshot
// may be called from any goroutine.
type Synchronizer struct {
	current atomic.Pointer[Snapshot]
	stale   atomic.Uint64
}

// NewSynchronizer creates a synchronizer holding an empty snapshot.
func NewSynchronizer() *Synchronizer {
	s := &Synchronizer{}
	s.current.Store(emptySnapshot(0, time.Time{}))
	return s
}

// Snapshot returns the latest published snapshot.
func (s *Synchronizer) Snapshot() *Snapshot {
	return s.current.Load()
}

// StaleOps returns the number of ops dropped by per-entity watermarks.
func (s *Synchronizer) StaleOps() uint64 {
	return s.stale.Load()
}

// ApplyFullSync replaces the whole table. Entities without explicit
// channel membership join both channels.
func (s *Synchronizer) ApplyFullSync(fs protocol.FullSync, seen time.Time) *Snapshot {
	next := emptySnapshot(s.Snapshot().version+1, seen)
	next.local = core.EntityBaseID(fs.LocalPlayer)

	for i := range fs.Entities {
		rec := &fs.Entities[i]
		e := newEntity(rec.UUID)
		merge(e, rec)
		if !rec.Has(protocol.FieldChannels) || e.Channels == 0 {
			e.Channels = protocol.MemberNear | protocol.MemberToMe
		}
		for ch := range e.LastSeq {
			e.LastSeq[ch] = fs.Seq
		}
		e.UpdatedAt = seen
		next.entities.Put(e.ID, e)
	}

	s.current.Store(next)
	return next
}

// ApplyDelta applies every op of d received on ch. The snapshot is only
// republished when at least one op was applied.
func (s *Synchronizer) ApplyDelta(ch core.Channel, d protocol.Delta, seen time.Time) Result {
	cur := s.Snapshot()
	next := cur.clone()
	next.version++
	next.taken = seen

	bit := uint8(1) << ch
	res := Result{}
	for i := range d.Ops {
		op := &d.Ops[i]
		id := core.EntityBaseID(op.Entity.UUID)

		prev, exists := next.entities.Get(id)
		if exists && d.Seq <= prev.LastSeq[ch] {
			res.Stale++
			continue
		}

		var e *EntityState
		if exists {
			cp := *prev
			e = &cp
		} else {
			e = newEntity(op.Entity.UUID)
		}

		if op.Action == protocol.ActionRemove {
			if !exists {
				continue
			}
			res.Hits = applyDamage(e, op, res.Hits)
			e.Channels &^= bit
			if e.Channels == 0 {
				next.entities.Del(id)
			} else {
				e.LastSeq[ch] = d.Seq
				e.UpdatedAt = seen
				next.entities.Put(id, e)
			}
			res.Applied++
			continue
		}

		merge(e, &op.Entity)
		e.Channels |= bit
		e.LastSeq[ch] = d.Seq
		e.UpdatedAt = seen
		res.Hits = applyDamage(e, op, res.Hits)
		next.entities.Put(id, e)
		res.Applied++
	}

	if res.Stale > 0 {
		s.stale.Add(uint64(res.Stale))
	}
	if res.Applied == 0 {
		res.Snapshot = cur
		return res
	}
	s.current.Store(next)
	res.Snapshot = next
	return res
}

// Clear publishes an empty snapshot.
func (s *Synchronizer) Clear(at time.Time) *Snapshot {
	next := emptySnapshot(s.Snapshot().version+1, at)
	s.current.Store(next)
	return next
}

func newEntity(raw core.RawIdentifier) *EntityState {
	return &EntityState{
		ID:     core.EntityBaseID(raw),
		Raw:    raw,
		Player: core.IsPlayer(raw),
	}
}

// merge copies the fields present in rec, last write wins.
func merge(e *EntityState, rec *protocol.EntityRecord) {
	if rec.Has(protocol.FieldName) {
		e.Name = rec.Name
	}
	if rec.Has(protocol.FieldClass) {
		e.Class = rec.Class
	}
	if rec.Has(protocol.FieldSpec) {
		e.Spec = rec.Spec
		if e.Class == core.ClassUnknown {
			e.Class = rec.Spec.Class()
		}
	}
	if rec.Has(protocol.FieldLevel) {
		e.Level = rec.Level
	}
	if rec.Has(protocol.FieldHP) {
		e.HP = rec.HP
		if e.HP > 0 {
			e.Dead = false
		}
	}
	if rec.Has(protocol.FieldMaxHP) {
		e.MaxHP = rec.MaxHP
	}
	if rec.Has(protocol.FieldFightPoint) {
		e.FightPoint = rec.FightPoint
	}
	if rec.Has(protocol.FieldChannels) {
		e.Channels = rec.Channels
	}
}

func applyDamage(e *EntityState, op *protocol.DeltaOp, hits []Hit) []Hit {
	for _, dmg := range op.Damages {
		if dmg.Dead {
			e.Dead = true
			e.HP = 0
		}
		hits = append(hits, Hit{Target: e.Raw, Damage: dmg})
	}
	return hits
}
