package integrity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpslens/internal/core"
)

func TestValidate_Match(t *testing.T) {
	v := NewValidator()
	payload := []byte("full sync payload")

	err := v.Validate(payload, Checksum(payload))

	assert.NoError(t, err)
	checked, tampered := v.Stats()
	assert.Equal(t, uint64(1), checked)
	assert.Zero(t, tampered)
}

func TestValidate_SingleByteMutation(t *testing.T) {
	v := NewValidator()
	payload := []byte{0x08, 0x96, 0x01, 0x12, 0x04, 0x0a, 0x02, 0x08, 0x01}
	token := Checksum(payload)

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01

		err := v.Validate(mutated, token)
		require.Error(t, err, "mutation at byte %d must be detected", i)
		assert.True(t, errors.Is(err, core.ErrDataTampered))

		var tamper *TamperError
		require.True(t, errors.As(err, &tamper))
		assert.Equal(t, token, tamper.Expected)
		assert.Equal(t, len(payload), tamper.Length)
	}

	_, tampered := v.Stats()
	assert.Equal(t, uint64(len(payload)), tampered)
}

func TestValidate_EmptyPayload(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(nil, Checksum(nil)))
	assert.Error(t, v.Validate(nil, 0xDEADBEEF))
}

func TestChecksum_KnownVector(t *testing.T) {
	// CRC-32C check value for "123456789".
	assert.Equal(t, uint32(0xE3069283), Checksum([]byte("123456789")))
}
