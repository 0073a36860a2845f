package core

import "strconv"

// Class is a player's profession. Unrecognised wire values map to
// ClassUnknown.
type Class uint8

const (
	ClassUnknown       Class = 0
	ClassStormblade    Class = 1
	ClassFrostMage     Class = 2
	ClassWindKnight    Class = 4
	ClassVerdantOracle Class = 5
	ClassHeavyGuardian Class = 9
	ClassMarksman      Class = 11
	ClassShieldKnight  Class = 12
	ClassSoulMusician  Class = 13
)

var classNames = map[Class]string{
	ClassUnknown:       "unknown",
	ClassStormblade:    "stormblade",
	ClassFrostMage:     "frost_mage",
	ClassWindKnight:    "wind_knight",
	ClassVerdantOracle: "verdant_oracle",
	ClassHeavyGuardian: "heavy_guardian",
	ClassMarksman:      "marksman",
	ClassShieldKnight:  "shield_knight",
	ClassSoulMusician:  "soul_musician",
}

// ClassFromWire converts the wire profession id.
func ClassFromWire(v uint64) Class {
	if v > 0xFF {
		return ClassUnknown
	}
	c := Class(v)
	if _, ok := classNames[c]; !ok {
		return ClassUnknown
	}
	return c
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "class(" + strconv.Itoa(int(c)) + ")"
}

// Spec is a talent branch. Each class has exactly two.
type Spec uint8

const (
	SpecUnknown Spec = iota
	SpecIaido
	SpecMoonstrike
	SpecIcicle
	SpecFrostbeam
	SpecVanguard
	SpecSkyward
	SpecSmite
	SpecLifebind
	SpecEarthfort
	SpecBlock
	SpecWildpack
	SpecFalconry
	SpecRecovery
	SpecShield
	SpecDissonance
	SpecConcerto
)

type specInfo struct {
	name  string
	class Class
}

var specs = map[Spec]specInfo{
	SpecUnknown:    {"unknown", ClassUnknown},
	SpecIaido:      {"iaido", ClassStormblade},
	SpecMoonstrike: {"moonstrike", ClassStormblade},
	SpecIcicle:     {"icicle", ClassFrostMage},
	SpecFrostbeam:  {"frostbeam", ClassFrostMage},
	SpecVanguard:   {"vanguard", ClassWindKnight},
	SpecSkyward:    {"skyward", ClassWindKnight},
	SpecSmite:      {"smite", ClassVerdantOracle},
	SpecLifebind:   {"lifebind", ClassVerdantOracle},
	SpecEarthfort:  {"earthfort", ClassHeavyGuardian},
	SpecBlock:      {"block", ClassHeavyGuardian},
	SpecWildpack:   {"wildpack", ClassMarksman},
	SpecFalconry:   {"falconry", ClassMarksman},
	SpecRecovery:   {"recovery", ClassShieldKnight},
	SpecShield:     {"shield", ClassShieldKnight},
	SpecDissonance: {"dissonance", ClassSoulMusician},
	SpecConcerto:   {"concerto", ClassSoulMusician},
}

// SpecFromWire converts the wire talent id.
func SpecFromWire(v uint64) Spec {
	if v > 0xFF {
		return SpecUnknown
	}
	s := Spec(v)
	if _, ok := specs[s]; !ok {
		return SpecUnknown
	}
	return s
}

func (s Spec) String() string {
	if info, ok := specs[s]; ok {
		return info.name
	}
	return "spec(" + strconv.Itoa(int(s)) + ")"
}

// Class returns the profession the spec belongs to.
func (s Spec) Class() Class {
	return specs[s].class
}
