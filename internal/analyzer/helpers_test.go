package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/protocol"
)

var t0 = time.Unix(1700000000, 0)

func player(base core.EntityID) core.RawIdentifier {
	return core.MakeRawIdentifier(base, core.PlayerMarker)
}

func monster(base core.EntityID) core.RawIdentifier {
	return core.MakeRawIdentifier(base, core.MonsterMarker)
}

func frame(t *testing.T, op protocol.Opcode, payload []byte) []byte {
	t.Helper()
	b, err := protocol.AppendFrame(nil, op, payload, false)
	require.NoError(t, err)
	return b
}

func fullSyncFrame(t *testing.T, seq uint64) []byte {
	t.Helper()
	return frame(t, protocol.OpFullSync, protocol.MarshalFullSync(protocol.FullSync{
		Seq: seq,
		Entities: []protocol.EntityRecord{
			{UUID: player(1), Name: "Aurora", HP: 100, MaxHP: 100,
				Fields: protocol.FieldName | protocol.FieldHP | protocol.FieldMaxHP},
			{UUID: monster(50), HP: 900, MaxHP: 900, Fields: protocol.FieldHP | protocol.FieldMaxHP},
		},
		LocalPlayer: player(1),
	}))
}

func hitDelta(seq, uid uint64, dmg int64) protocol.Delta {
	return protocol.Delta{
		Seq: seq,
		Ops: []protocol.DeltaOp{{
			Action: protocol.ActionUpdate,
			Entity: protocol.EntityRecord{UUID: monster(50), HP: 900 - dmg, Fields: protocol.FieldHP},
			Damages: []protocol.DamageRecord{
				{UID: uid, Attacker: player(1), Value: dmg},
			},
		}},
	}
}

func deltaFrame(t *testing.T, ch core.Channel, d protocol.Delta) []byte {
	t.Helper()
	return frame(t, protocol.DeltaOpcode(ch), protocol.MarshalDelta(d))
}
