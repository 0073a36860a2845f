// Package integrity verifies frame payloads against their integrity token.
package integrity

import (
	"fmt"
	"hash/crc32"

	"firestige.xyz/dpslens/internal/core"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the integrity token of a payload as transmitted.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// TamperError reports a payload whose recomputed token does not match.
type TamperError struct {
	Expected uint32 // token carried by the frame
	Actual   uint32 // token recomputed from the payload
	Length   int
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("%v: token %#08x, payload %#08x (%d bytes)",
		core.ErrDataTampered, e.Expected, e.Actual, e.Length)
}

func (e *TamperError) Unwrap() error { return core.ErrDataTampered }

// Validator checks frames before they may mutate any state.
type Validator struct {
	checked  uint64
	tampered uint64
}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns a *TamperError when payload does not hash to token.
// Not safe for concurrent use; each analyzer owns its validator.
func (v *Validator) Validate(payload []byte, token uint32) error {
	v.checked++
	if sum := Checksum(payload); sum != token {
		v.tampered++
		return &TamperError{Expected: token, Actual: sum, Length: len(payload)}
	}
	return nil
}

// Stats returns how many payloads were checked and how many failed.
func (v *Validator) Stats() (checked, tampered uint64) {
	return v.checked, v.tampered
}
