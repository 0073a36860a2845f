package core

// Type markers stored in the low 16 bits of a RawIdentifier.
const (
	PlayerMarker  = 640
	MonsterMarker = 64

	markerMask  = 0xFFFF
	markerShift = 16
)

// IsPlayer reports whether raw refers to a player character.
func IsPlayer(raw RawIdentifier) bool {
	return raw&markerMask == PlayerMarker
}

// IsMonster reports whether raw refers to a monster.
func IsMonster(raw RawIdentifier) bool {
	return raw&markerMask == MonsterMarker
}

// EntityBaseID strips the type marker. Applies to every entity type.
func EntityBaseID(raw RawIdentifier) EntityID {
	return EntityID(raw >> markerShift)
}

// Marker returns the low 16-bit type marker.
func Marker(raw RawIdentifier) uint16 {
	return uint16(raw & markerMask)
}

// MakeRawIdentifier composes a raw identifier from a base id and marker.
func MakeRawIdentifier(base EntityID, marker uint16) RawIdentifier {
	return RawIdentifier(base)<<markerShift | RawIdentifier(marker)
}
