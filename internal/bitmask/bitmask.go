// Package bitmask implements the 32-bit participant permission word used on
// the MCComm wire, together with masked-field helpers and the legacy grouped
// layout spoken by older addon generations.
//
// The canonical layout is flat: sixteen independent single-bit flags in the
// low half of the word. The upper sixteen bits are reserved and are carried
// through untouched by every mutation helper.
package bitmask

import "fmt"

// Word is a participant permission word. All arithmetic on it is unsigned.
type Word uint32

// Flat layout flags.
const (
	DeathEnabled       Word = 1 << 0
	ProximityEnabled   Word = 1 << 1
	WaterEffectEnabled Word = 1 << 2
	EchoEffectEnabled  Word = 1 << 3
	DirectionalEnabled Word = 1 << 4
	EnvironmentEnabled Word = 1 << 5

	Hearing1 Word = 1 << 6
	Hearing2 Word = 1 << 7
	Hearing3 Word = 1 << 8
	Hearing4 Word = 1 << 9
	Hearing5 Word = 1 << 10

	Talking1 Word = 1 << 11
	Talking2 Word = 1 << 12
	Talking3 Word = 1 << 13
	Talking4 Word = 1 << 14
	Talking5 Word = 1 << 15
)

// Composite masks.
const (
	None Word = 0
	All  Word = 0xFFFF

	EffectsMask Word = DeathEnabled | ProximityEnabled | WaterEffectEnabled |
		EchoEffectEnabled | DirectionalEnabled | EnvironmentEnabled
	HearingMask Word = Hearing1 | Hearing2 | Hearing3 | Hearing4 | Hearing5
	TalkingMask Word = Talking1 | Talking2 | Talking3 | Talking4 | Talking5

	hearingShift = 6
	talkingShift = 11

	// Default is assigned to every newly bound participant: all effects on,
	// hearing and talking in group 1.
	Default Word = EffectsMask | Hearing1 | Talking1
)

// Groups is the number of hearing/talking groups.
const Groups = 5

// Flags is the decoded form of a flat Word.
type Flags struct {
	DeathEnabled       bool    `json:"death_enabled"`
	ProximityEnabled   bool    `json:"proximity_enabled"`
	WaterEffectEnabled bool    `json:"water_effect_enabled"`
	EchoEffectEnabled  bool    `json:"echo_effect_enabled"`
	DirectionalEnabled bool    `json:"directional_enabled"`
	EnvironmentEnabled bool    `json:"environment_enabled"`
	Hearing            [5]bool `json:"hearing"`
	Talking            [5]bool `json:"talking"`
	Reserved           uint16  `json:"reserved,omitempty"`
}

// Encode packs flags into a Word.
func Encode(f Flags) Word {
	var w Word
	w = setBool(w, DeathEnabled, f.DeathEnabled)
	w = setBool(w, ProximityEnabled, f.ProximityEnabled)
	w = setBool(w, WaterEffectEnabled, f.WaterEffectEnabled)
	w = setBool(w, EchoEffectEnabled, f.EchoEffectEnabled)
	w = setBool(w, DirectionalEnabled, f.DirectionalEnabled)
	w = setBool(w, EnvironmentEnabled, f.EnvironmentEnabled)
	for i := 0; i < Groups; i++ {
		w = setBool(w, Hearing1<<uint(i), f.Hearing[i])
		w = setBool(w, Talking1<<uint(i), f.Talking[i])
	}
	w = SetField(w, 0xFFFF0000, 16, uint32(f.Reserved))
	return w
}

// Decode unpacks a Word into flags.
func Decode(w Word) Flags {
	f := Flags{
		DeathEnabled:       w.Has(DeathEnabled),
		ProximityEnabled:   w.Has(ProximityEnabled),
		WaterEffectEnabled: w.Has(WaterEffectEnabled),
		EchoEffectEnabled:  w.Has(EchoEffectEnabled),
		DirectionalEnabled: w.Has(DirectionalEnabled),
		EnvironmentEnabled: w.Has(EnvironmentEnabled),
		Reserved:           uint16(GetField(w, 0xFFFF0000, 16)),
	}
	for i := 0; i < Groups; i++ {
		f.Hearing[i] = w.Has(Hearing1 << uint(i))
		f.Talking[i] = w.Has(Talking1 << uint(i))
	}
	return f
}

// GetField extracts the bits selected by mask and shifts them down.
func GetField(w Word, mask uint32, shift uint) uint32 {
	return (uint32(w) & mask) >> shift
}

// SetField clears the bits selected by mask and writes value into them.
// Bits outside mask are never touched; value bits that do not fit are dropped.
func SetField(w Word, mask uint32, shift uint, value uint32) Word {
	cleared := uint32(w) &^ mask
	return Word(cleared | ((value << shift) & mask))
}

// Has reports whether every bit of flag is set.
func (w Word) Has(flag Word) bool {
	return w&flag == flag
}

// With returns w with flag set.
func (w Word) With(flag Word) Word {
	return w | flag
}

// Without returns w with flag cleared.
func (w Word) Without(flag Word) Word {
	return w &^ flag
}

// CanTalk reports whether any talking group is enabled.
func (w Word) CanTalk() bool {
	return w&TalkingMask != 0
}

// CanHear reports whether any hearing group is enabled.
func (w Word) CanHear() bool {
	return w&HearingMask != 0
}

// TalkingGroups returns the 5-bit talking group field.
func (w Word) TalkingGroups() uint32 {
	return GetField(w, uint32(TalkingMask), talkingShift)
}

// HearingGroups returns the 5-bit hearing group field.
func (w Word) HearingGroups() uint32 {
	return GetField(w, uint32(HearingMask), hearingShift)
}

// String renders the word as a zero-padded 16-bit binary string, the way the
// addon documents its flags.
func (w Word) String() string {
	if w>>16 != 0 {
		return fmt.Sprintf("%032b", uint32(w))
	}
	return fmt.Sprintf("%016b", uint32(w))
}

func setBool(w Word, flag Word, on bool) Word {
	if on {
		return w | flag
	}
	return w &^ flag
}
