// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors of the analyzer core. Every condition is returned as a
// value and drives the session state machine; none of them terminate the
// process.
var (
	// Decoding
	ErrNeedMoreData   = errors.New("dpslens: need more data")
	ErrMalformedFrame = errors.New("dpslens: malformed frame")

	// Integrity
	ErrDataTampered = errors.New("dpslens: data tampered")

	// Delta gating
	ErrStaleDelta      = errors.New("dpslens: stale delta")
	ErrDeltaDiscarded  = errors.New("dpslens: delta discarded outside synced state")
	ErrOutOfOrderDelta = errors.New("dpslens: out-of-order delta")

	// Session lifecycle
	ErrConnectionLost = errors.New("dpslens: connection lost")
	ErrNotConnected   = errors.New("dpslens: session not connected")
	ErrFaulted        = errors.New("dpslens: session faulted")

	// Configuration errors
	ErrConfigInvalid = errors.New("dpslens: invalid configuration")
)
