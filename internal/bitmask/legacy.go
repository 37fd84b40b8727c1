package bitmask

import "errors"

// ErrInvalidGroup is returned for a proximity group outside 1..5.
var ErrInvalidGroup = errors.New("invalid proximity group")

// Legacy grouped layout:
//
//	bits  0-19  settings nibble per group (group n at bits 4(n-1)..4(n-1)+3)
//	bits 20-24  talk enabled, groups 1-5
//	bits 25-29  listen enabled, groups 1-5
//	bit  30     dead
//	bit  31     muffled
const (
	LegacyProximityDisabled   uint32 = 1 << 0
	LegacyDeathDisabled       uint32 = 1 << 1
	LegacyVoiceEffectDisabled uint32 = 1 << 2
	LegacyEnvironmentDisabled uint32 = 1 << 3

	legacyNibbleMask  uint32 = 0xF
	legacyTalkShift          = 20
	legacyListenShift        = 25
	LegacyDead        uint32 = 1 << 30
	LegacyMuffled     uint32 = 1 << 31
)

// GroupSettings returns the settings nibble of a group from a legacy word.
func GroupSettings(legacy uint32, group int) (uint32, error) {
	if group < 1 || group > Groups {
		return 0, ErrInvalidGroup
	}
	shift := uint(4 * (group - 1))
	return GetField(Word(legacy), legacyNibbleMask<<shift, shift), nil
}

// SetGroupSettings writes the settings nibble of a group into a legacy word.
func SetGroupSettings(legacy uint32, group int, nibble uint32) (uint32, error) {
	if group < 1 || group > Groups {
		return legacy, ErrInvalidGroup
	}
	shift := uint(4 * (group - 1))
	return uint32(SetField(Word(legacy), legacyNibbleMask<<shift, shift, nibble)), nil
}

// TalkEnabled reports the talk bit of a group in a legacy word.
func TalkEnabled(legacy uint32, group int) (bool, error) {
	if group < 1 || group > Groups {
		return false, ErrInvalidGroup
	}
	return legacy&(1<<uint(legacyTalkShift+group-1)) != 0, nil
}

// ListenEnabled reports the listen bit of a group in a legacy word.
func ListenEnabled(legacy uint32, group int) (bool, error) {
	if group < 1 || group > Groups {
		return false, ErrInvalidGroup
	}
	return legacy&(1<<uint(legacyListenShift+group-1)) != 0, nil
}

// FromLegacy converts a grouped word into the flat layout. The group 1
// nibble decides the effect flags; a disabled voice-effects bit clears the
// water, echo and directional flags together. The dead and muffled data bits
// have no flat counterpart and are dropped.
func FromLegacy(legacy uint32) Word {
	nibble, _ := GroupSettings(legacy, 1)

	var w Word
	w = setBool(w, ProximityEnabled, nibble&LegacyProximityDisabled == 0)
	w = setBool(w, DeathEnabled, nibble&LegacyDeathDisabled == 0)
	fx := nibble&LegacyVoiceEffectDisabled == 0
	w = setBool(w, WaterEffectEnabled, fx)
	w = setBool(w, EchoEffectEnabled, fx)
	w = setBool(w, DirectionalEnabled, fx)
	w = setBool(w, EnvironmentEnabled, nibble&LegacyEnvironmentDisabled == 0)

	talk := GetField(Word(legacy), 0x1F<<legacyTalkShift, legacyTalkShift)
	listen := GetField(Word(legacy), 0x1F<<legacyListenShift, legacyListenShift)
	w = SetField(w, uint32(TalkingMask), talkingShift, talk)
	w = SetField(w, uint32(HearingMask), hearingShift, listen)
	return w
}

// ToLegacy converts a flat word into the grouped layout, writing the same
// settings nibble into every group. Voice effects count as enabled when any
// of water, echo or directional is on. Reserved flat bits are dropped.
func ToLegacy(w Word) uint32 {
	var nibble uint32
	if !w.Has(ProximityEnabled) {
		nibble |= LegacyProximityDisabled
	}
	if !w.Has(DeathEnabled) {
		nibble |= LegacyDeathDisabled
	}
	if w&(WaterEffectEnabled|EchoEffectEnabled|DirectionalEnabled) == 0 {
		nibble |= LegacyVoiceEffectDisabled
	}
	if !w.Has(EnvironmentEnabled) {
		nibble |= LegacyEnvironmentDisabled
	}

	var legacy uint32
	for g := 1; g <= Groups; g++ {
		legacy, _ = SetGroupSettings(legacy, g, nibble)
	}
	legacy = uint32(SetField(Word(legacy), 0x1F<<legacyTalkShift, legacyTalkShift, w.TalkingGroups()))
	legacy = uint32(SetField(Word(legacy), 0x1F<<legacyListenShift, legacyListenShift, w.HearingGroups()))
	return legacy
}
