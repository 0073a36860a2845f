package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// MarshalFullSync encodes a full sync payload.
func MarshalFullSync(fs FullSync) []byte {
	var b []byte
	b = appendVarint(b, 1, fs.Seq)
	for i := range fs.Entities {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalEntity(fs.Entities[i]))
	}
	if fs.LocalPlayer != 0 {
		b = appendVarint(b, 3, uint64(fs.LocalPlayer))
	}
	return b
}

// MarshalDelta encodes a delta payload.
func MarshalDelta(d Delta) []byte {
	var b []byte
	b = appendVarint(b, 1, d.Seq)
	for i := range d.Ops {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOp(d.Ops[i]))
	}
	return b
}

// MarshalEntity encodes an entity record. Only fields set in r.Fields are
// written.
func MarshalEntity(r EntityRecord) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.UUID))
	if r.Has(FieldName) {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.Name)
	}
	if r.Has(FieldClass) {
		b = appendVarint(b, 3, uint64(r.Class))
	}
	if r.Has(FieldSpec) {
		b = appendVarint(b, 4, uint64(r.Spec))
	}
	if r.Has(FieldLevel) {
		b = appendVarint(b, 5, uint64(r.Level))
	}
	if r.Has(FieldHP) {
		b = appendVarint(b, 6, uint64(r.HP))
	}
	if r.Has(FieldMaxHP) {
		b = appendVarint(b, 7, uint64(r.MaxHP))
	}
	if r.Has(FieldFightPoint) {
		b = appendVarint(b, 8, uint64(r.FightPoint))
	}
	if r.Has(FieldChannels) {
		b = appendVarint(b, 9, uint64(r.Channels))
	}
	return b
}

func marshalOp(op DeltaOp) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(op.Action))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, MarshalEntity(op.Entity))
	for i := range op.Damages {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDamage(op.Damages[i]))
	}
	return b
}

func marshalDamage(d DamageRecord) []byte {
	var b []byte
	b = appendVarint(b, 1, d.UID)
	b = appendVarint(b, 2, uint64(d.Attacker))
	if d.TopSummoner != 0 {
		b = appendVarint(b, 3, uint64(d.TopSummoner))
	}
	b = appendVarint(b, 4, uint64(d.Type))
	b = appendVarint(b, 5, protowire.EncodeZigZag(d.Value))
	if d.Critical {
		b = appendVarint(b, 6, 1)
	}
	if d.Dead {
		b = appendVarint(b, 7, 1)
	}
	if d.SkillID != 0 {
		b = appendVarint(b, 8, uint64(d.SkillID))
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
