package protocol

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"firestige.xyz/dpslens/internal/core"
)

// MaxInflatedLen bounds the size of a decompressed payload.
const MaxInflatedLen = 64 << 20

// DecodeAll and EncodeAll are safe for concurrent use, so one coder of
// each kind is shared by every analyzer.
var (
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxInflatedLen))
	})
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
)

// Inflate decompresses a zstd payload. Failures are malformed frames.
func Inflate(b []byte) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("protocol: zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", core.ErrMalformedFrame, err)
	}
	return out, nil
}

// Compress zstd-compresses b.
func Compress(b []byte) ([]byte, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("protocol: zstd encoder: %w", err)
	}
	return enc.EncodeAll(b, nil), nil
}

// Body returns the frame payload, decompressed when the frame carries the
// compression flag.
func (f *Frame) Body() ([]byte, error) {
	if !f.Compressed {
		return f.Payload, nil
	}
	return Inflate(f.Payload)
}
