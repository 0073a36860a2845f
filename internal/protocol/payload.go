package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/dpslens/internal/core"
)

// FieldMask records which optional entity fields a record carried.
type FieldMask uint16

const (
	FieldName FieldMask = 1 << iota
	FieldClass
	FieldSpec
	FieldLevel
	FieldHP
	FieldMaxHP
	FieldFightPoint
	FieldChannels
)

// Channel membership bits of EntityRecord.Channels.
const (
	MemberNear uint8 = 1 << core.ChannelNear
	MemberToMe uint8 = 1 << core.ChannelToMe
)

// EntityRecord is one entity as carried by a full sync or delta op.
// Only fields present in Fields were on the wire.
type EntityRecord struct {
	UUID       core.RawIdentifier
	Name       string
	Class      core.Class
	Spec       core.Spec
	Level      uint32
	HP         int64
	MaxHP      int64
	FightPoint uint32
	Channels   uint8
	Fields     FieldMask
}

// Has reports whether f was present on the wire.
func (r *EntityRecord) Has(f FieldMask) bool {
	return r.Fields&f != 0
}

// DamageType is the wire classification of a damage record.
type DamageType uint8

const (
	DamageNormal DamageType = iota
	DamageMiss
	DamageHeal
	DamageImmune
	DamageFall
	DamageAbsorbed
)

func (t DamageType) String() string {
	switch t {
	case DamageNormal:
		return "normal"
	case DamageMiss:
		return "miss"
	case DamageHeal:
		return "heal"
	case DamageImmune:
		return "immune"
	case DamageFall:
		return "fall"
	case DamageAbsorbed:
		return "absorbed"
	default:
		return fmt.Sprintf("damage_type(%d)", uint8(t))
	}
}

// DamageRecord is one hit landed on the entity of the enclosing op.
type DamageRecord struct {
	UID         uint64
	Attacker    core.RawIdentifier
	TopSummoner core.RawIdentifier // owner of a summoned attacker, zero if none
	Type        DamageType
	Value       int64
	Critical    bool
	Dead        bool
	SkillID     uint32
}

// Action is the kind of change a delta op applies.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionRemove:
		return "remove"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// DeltaOp is one entity change within a delta frame.
type DeltaOp struct {
	Action  Action
	Entity  EntityRecord
	Damages []DamageRecord
}

// Delta is the payload of a near or to-me delta frame.
type Delta struct {
	Seq uint64
	Ops []DeltaOp
}

// FullSync is the payload of a full synchronization frame.
type FullSync struct {
	Seq         uint64
	Entities    []EntityRecord
	LocalPlayer core.RawIdentifier
}

// DecodeFullSync parses a full sync payload.
func DecodeFullSync(b []byte) (FullSync, error) {
	var fs FullSync
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarint(typ, v)
			fs.Seq = x
			return n, err
		case 2:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return n, err
			}
			rec, err := decodeEntity(raw)
			if err != nil {
				return n, err
			}
			fs.Entities = append(fs.Entities, rec)
			return n, nil
		case 3:
			x, n, err := consumeVarint(typ, v)
			fs.LocalPlayer = core.RawIdentifier(x)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return FullSync{}, payloadError("full sync", err)
	}
	return fs, nil
}

// DecodeDelta parses a delta payload.
func DecodeDelta(b []byte) (Delta, error) {
	var d Delta
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarint(typ, v)
			d.Seq = x
			return n, err
		case 2:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return n, err
			}
			op, err := decodeOp(raw)
			if err != nil {
				return n, err
			}
			d.Ops = append(d.Ops, op)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return Delta{}, payloadError("delta", err)
	}
	return d, nil
}

func decodeOp(b []byte) (DeltaOp, error) {
	var op DeltaOp
	var haveEntity bool
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarint(typ, v)
			op.Action = Action(x)
			return n, err
		case 2:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return n, err
			}
			op.Entity, err = decodeEntity(raw)
			haveEntity = true
			return n, err
		case 3:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return n, err
			}
			dmg, err := decodeDamage(raw)
			if err != nil {
				return n, err
			}
			op.Damages = append(op.Damages, dmg)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return DeltaOp{}, err
	}
	if op.Action < ActionAdd || op.Action > ActionRemove {
		return DeltaOp{}, fmt.Errorf("unsupported %s", op.Action)
	}
	if !haveEntity {
		return DeltaOp{}, fmt.Errorf("%s op without entity", op.Action)
	}
	return op, nil
}

func decodeEntity(b []byte) (EntityRecord, error) {
	var r EntityRecord
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 2 {
			raw, n, err := consumeBytes(typ, v)
			r.Name = string(raw)
			r.Fields |= FieldName
			return n, err
		}
		if num < 1 || num > 9 {
			return 0, nil
		}
		x, n, err := consumeVarint(typ, v)
		if err != nil {
			return n, err
		}
		switch num {
		case 1:
			r.UUID = core.RawIdentifier(x)
		case 3:
			r.Class = core.ClassFromWire(x)
			r.Fields |= FieldClass
		case 4:
			r.Spec = core.SpecFromWire(x)
			r.Fields |= FieldSpec
		case 5:
			r.Level = uint32(x)
			r.Fields |= FieldLevel
		case 6:
			r.HP = int64(x)
			r.Fields |= FieldHP
		case 7:
			r.MaxHP = int64(x)
			r.Fields |= FieldMaxHP
		case 8:
			r.FightPoint = uint32(x)
			r.Fields |= FieldFightPoint
		case 9:
			r.Channels = uint8(x) & (MemberNear | MemberToMe)
			r.Fields |= FieldChannels
		}
		return n, nil
	})
	if err != nil {
		return EntityRecord{}, err
	}
	if r.UUID == 0 {
		return EntityRecord{}, fmt.Errorf("entity without uuid")
	}
	return r, nil
}

func decodeDamage(b []byte) (DamageRecord, error) {
	var d DamageRecord
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num < 1 || num > 8 {
			return 0, nil
		}
		x, n, err := consumeVarint(typ, v)
		if err != nil {
			return n, err
		}
		switch num {
		case 1:
			d.UID = x
		case 2:
			d.Attacker = core.RawIdentifier(x)
		case 3:
			d.TopSummoner = core.RawIdentifier(x)
		case 4:
			d.Type = DamageType(x)
		case 5:
			d.Value = protowire.DecodeZigZag(x)
		case 6:
			d.Critical = x != 0
		case 7:
			d.Dead = x != 0
		case 8:
			d.SkillID = uint32(x)
		}
		return n, nil
	})
	return d, err
}

// walkFields iterates the fields of a message. visit returns the number of
// value bytes it consumed, or zero to have the field skipped.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := visit(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return x, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func payloadError(what string, err error) error {
	return fmt.Errorf("%w: %s payload: %v", core.ErrMalformedFrame, what, err)
}
