package protocol

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/dpslens/internal/integrity"
)

// AppendFrame appends an encoded frame to dst. When compress is set the
// payload is zstd compressed first and the token covers the compressed
// bytes.
func AppendFrame(dst []byte, op Opcode, payload []byte, compress bool) ([]byte, error) {
	if !op.Valid() {
		return dst, fmt.Errorf("protocol: cannot encode opcode %s", op)
	}
	typ := uint16(op) & opcodeMask
	if compress {
		var err error
		if payload, err = Compress(payload); err != nil {
			return dst, err
		}
		typ |= compressedFlag
	}
	length := HeaderLen + len(payload)
	if length > DefaultMaxFrameLen {
		return dst, fmt.Errorf("protocol: frame of %d bytes exceeds %d", length, DefaultMaxFrameLen)
	}

	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	binary.BigEndian.PutUint16(hdr[4:6], typ)
	binary.BigEndian.PutUint32(hdr[6:10], integrity.Checksum(payload))

	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}
