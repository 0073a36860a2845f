package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/dpslens/internal/core"
)

// Limits constrains accepted frame sizes.
type Limits struct {
	MaxFrameLen uint32 `mapstructure:"max_frame_len" yaml:"max_frame_len"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxFrameLen: DefaultMaxFrameLen}
}

// MalformedError describes a header that cannot start a valid frame.
type MalformedError struct {
	Offset int64 // stream offset of the rejected header
	Length uint32
	Opcode Opcode
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: %s (length=%d opcode=%s offset=%d)",
		core.ErrMalformedFrame, e.Reason, e.Length, e.Opcode, e.Offset)
}

func (e *MalformedError) Unwrap() error { return core.ErrMalformedFrame }

// Decoder is a pull-based frame parser over an append-only byte buffer.
// Each Next call yields one complete frame, core.ErrNeedMoreData, or a
// *MalformedError. After a malformed result the caller decides whether to
// Resync. Not safe for concurrent use.
type Decoder struct {
	limits Limits
	buf    []byte
	start  int
	offset int64 // stream offset of buf[start]
	seen   time.Time

	frames    uint64
	discarded uint64
}

// NewDecoder creates a decoder. Zero or undersized limits fall back to
// DefaultLimits.
func NewDecoder(limits Limits) *Decoder {
	if limits.MaxFrameLen < HeaderLen {
		limits = DefaultLimits()
	}
	return &Decoder{limits: limits}
}

// Write appends bytes that arrived at seen.
func (d *Decoder) Write(p []byte, seen time.Time) {
	if d.start > 0 && d.start >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}
	d.buf = append(d.buf, p...)
	d.seen = seen
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Next decodes the frame at the head of the buffer.
func (d *Decoder) Next() (Frame, error) {
	win := d.buf[d.start:]
	if err := d.check(win, d.offset); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(win[0:4])
	if len(win) < int(length) {
		return Frame{}, core.ErrNeedMoreData
	}

	typ := binary.BigEndian.Uint16(win[4:6])
	op := Opcode(typ & opcodeMask)
	kind, ch := Classify(op)

	// Copy out: the buffer is compacted and reused on later writes.
	payload := make([]byte, int(length)-HeaderLen)
	copy(payload, win[HeaderLen:length])

	d.advance(int(length))
	d.frames++

	return Frame{
		Opcode:     op,
		Kind:       kind,
		Channel:    ch,
		Compressed: typ&compressedFlag != 0,
		Length:     length,
		Token:      binary.BigEndian.Uint32(win[6:10]),
		Payload:    payload,
		Seen:       d.seen,
	}, nil
}

// Resync discards bytes up to the next plausible frame header and returns
// how many were dropped. At least one byte is dropped when any is buffered.
func (d *Decoder) Resync() int {
	win := d.buf[d.start:]
	if len(win) == 0 {
		return 0
	}

	skip := 1
	for ; skip < len(win); skip++ {
		err := d.check(win[skip:], d.offset+int64(skip))
		if err == nil || errors.Is(err, core.ErrNeedMoreData) {
			break
		}
	}

	d.advance(skip)
	d.discarded += uint64(skip)
	return skip
}

// Reset drops every buffered byte, e.g. after a stream gap.
func (d *Decoder) Reset() {
	n := d.Buffered()
	d.advance(n)
	d.discarded += uint64(n)
}

// Stats returns the number of decoded frames and discarded bytes.
func (d *Decoder) Stats() (frames, discarded uint64) {
	return d.frames, d.discarded
}

// check validates the header at the start of win. It reports
// ErrNeedMoreData while the header is incomplete but still plausible.
func (d *Decoder) check(win []byte, offset int64) error {
	if len(win) < 4 {
		return core.ErrNeedMoreData
	}
	length := binary.BigEndian.Uint32(win[0:4])
	if length < HeaderLen || length > d.limits.MaxFrameLen {
		return &MalformedError{Offset: offset, Length: length, Reason: "length out of bounds"}
	}
	if len(win) < 6 {
		return core.ErrNeedMoreData
	}
	op := Opcode(binary.BigEndian.Uint16(win[4:6]) & opcodeMask)
	if !op.Valid() {
		return &MalformedError{Offset: offset, Length: length, Opcode: op, Reason: "invalid opcode"}
	}
	return nil
}

func (d *Decoder) advance(n int) {
	d.start += n
	d.offset += int64(n)
	if d.start == len(d.buf) {
		d.buf = d.buf[:0]
		d.start = 0
	}
}
