// Package protocol implements the game stream framing and payload codec.
//
// Frame layout (all integers big-endian):
//
//	0  u32 length   total frame size including this header
//	4  u16 type     bit 15 = zstd compressed payload, bits 0..14 = opcode
//	6  u32 token    CRC-32C of the payload as transmitted
//	10 ... payload  protobuf wire format
package protocol

import (
	"fmt"
	"time"

	"firestige.xyz/dpslens/internal/core"
)

const (
	HeaderLen          = 10
	DefaultMaxFrameLen = 0x0FFFFF

	compressedFlag uint16 = 0x8000
	opcodeMask     uint16 = 0x7FFF
)

// Opcode is the 15-bit message type.
type Opcode uint16

const (
	OpInvalid   Opcode = 0x0000
	OpHeartbeat Opcode = 0x0001
	OpFullSync  Opcode = 0x0015
	OpNearDelta Opcode = 0x002D
	OpToMeDelta Opcode = 0x002E
	OpReserved  Opcode = 0x7FFF
)

func (o Opcode) String() string {
	switch o {
	case OpHeartbeat:
		return "heartbeat"
	case OpFullSync:
		return "full_sync"
	case OpNearDelta:
		return "near_delta"
	case OpToMeDelta:
		return "to_me_delta"
	default:
		return fmt.Sprintf("op(%#04x)", uint16(o))
	}
}

// Valid reports whether the opcode may appear on the wire at all.
func (o Opcode) Valid() bool {
	return o != OpInvalid && o != OpReserved
}

// Kind is the closed set of frame variants.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHeartbeat
	KindFullSync
	KindDelta
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindFullSync:
		return "full_sync"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Classify maps an opcode to its frame kind and, for deltas, the channel.
func Classify(op Opcode) (Kind, core.Channel) {
	switch op {
	case OpHeartbeat:
		return KindHeartbeat, 0
	case OpFullSync:
		return KindFullSync, 0
	case OpNearDelta:
		return KindDelta, core.ChannelNear
	case OpToMeDelta:
		return KindDelta, core.ChannelToMe
	default:
		return KindUnknown, 0
	}
}

// Frame is one complete decoded wire message. Payload is owned by the
// frame and is still compressed when Compressed is set.
type Frame struct {
	Opcode     Opcode
	Kind       Kind
	Channel    core.Channel // meaningful for KindDelta only
	Compressed bool
	Length     uint32
	Token      uint32
	Payload    []byte
	Seen       time.Time
}

// DeltaOpcode returns the opcode carrying deltas for ch.
func DeltaOpcode(ch core.Channel) Opcode {
	if ch == core.ChannelToMe {
		return OpToMeDelta
	}
	return OpNearDelta
}
