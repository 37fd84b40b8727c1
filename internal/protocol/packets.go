// Package protocol implements the MCComm wire format spoken between the
// Minecraft addon and the server. Every request and response is a single
// JSON object carrying a numeric PacketId discriminant, the session Token
// and the variant's own fields flattened alongside them.
package protocol

import "fmt"

// PacketType is the wire discriminant. Values are part of the protocol
// contract and must never be renumbered.
type PacketType int

const (
	PacketLogin                 PacketType = 0
	PacketAccept                PacketType = 1
	PacketDeny                  PacketType = 2
	PacketBind                  PacketType = 3
	PacketUpdate                PacketType = 4
	PacketAckUpdate             PacketType = 5
	PacketGetChannels           PacketType = 6
	PacketGetChannelSettings    PacketType = 7
	PacketSetChannelSettings    PacketType = 8
	PacketGetDefaultSettings    PacketType = 9
	PacketSetDefaultSettings    PacketType = 10
	PacketDisconnectParticipant PacketType = 11
	PacketGetParticipantBitmask PacketType = 12
	PacketSetParticipantBitmask PacketType = 13
	PacketMuteParticipant       PacketType = 14
	PacketUnmuteParticipant     PacketType = 15
	PacketDeafenParticipant     PacketType = 16
	PacketUndeafenParticipant   PacketType = 17
	PacketChannelMove           PacketType = 18

	// Appended after the 0-18 set shipped with the addon.
	PacketGetParticipants          PacketType = 19
	PacketAndModParticipantBitmask PacketType = 20
	PacketOrModParticipantBitmask  PacketType = 21
	PacketXorModParticipantBitmask PacketType = 22
	PacketLogout                   PacketType = 23
)

var packetNames = map[PacketType]string{
	PacketLogin:                    "Login",
	PacketAccept:                   "Accept",
	PacketDeny:                     "Deny",
	PacketBind:                     "Bind",
	PacketUpdate:                   "Update",
	PacketAckUpdate:                "AckUpdate",
	PacketGetChannels:              "GetChannels",
	PacketGetChannelSettings:       "GetChannelSettings",
	PacketSetChannelSettings:       "SetChannelSettings",
	PacketGetDefaultSettings:       "GetDefaultSettings",
	PacketSetDefaultSettings:       "SetDefaultSettings",
	PacketDisconnectParticipant:    "DisconnectParticipant",
	PacketGetParticipantBitmask:    "GetParticipantBitmask",
	PacketSetParticipantBitmask:    "SetParticipantBitmask",
	PacketMuteParticipant:          "MuteParticipant",
	PacketUnmuteParticipant:        "UnmuteParticipant",
	PacketDeafenParticipant:        "DeafenParticipant",
	PacketUndeafenParticipant:      "UndeafenParticipant",
	PacketChannelMove:              "ChannelMove",
	PacketGetParticipants:          "GetParticipants",
	PacketAndModParticipantBitmask: "ANDModParticipantBitmask",
	PacketOrModParticipantBitmask:  "ORModParticipantBitmask",
	PacketXorModParticipantBitmask: "XORModParticipantBitmask",
	PacketLogout:                   "Logout",
}

// String returns the packet name.
func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(t))
}

// MaxPacketSize bounds a single request body. A full Update for a busy
// world is a few hundred bytes per player.
const MaxPacketSize = 1 << 20

// Packet is implemented by every wire variant. The set is closed: only
// types in this package can satisfy it.
type Packet interface {
	PacketID() PacketType
	GetToken() string
	header() *Header
}

// Header holds the fields shared by every packet.
type Header struct {
	ID    PacketType `json:"PacketId"`
	Token string     `json:"Token"`
}

// GetToken returns the session token carried by the packet.
func (h *Header) GetToken() string { return h.Token }

func (h *Header) header() *Header { return h }

// Settings is the proximity settings block shared by the settings packets
// and channel overrides.
type Settings struct {
	ProximityDistance int  `json:"ProximityDistance"`
	ProximityToggle   bool `json:"ProximityToggle"`
	VoiceEffects      bool `json:"VoiceEffects"`
}

// ChannelInfo describes one channel in a GetChannels response.
type ChannelInfo struct {
	Name             string    `json:"Name"`
	Password         string    `json:"Password"`
	Locked           bool      `json:"Locked"`
	Hidden           bool      `json:"Hidden"`
	OverrideSettings *Settings `json:"OverrideSettings,omitempty"`
}

// ---- Variants ----

type Login struct {
	Header
	LoginKey string `json:"LoginKey"`
}

type Logout struct {
	Header
}

type Accept struct {
	Header
}

type Deny struct {
	Header
	Reason string `json:"Reason"`
}

type Bind struct {
	Header
	PlayerID  string     `json:"PlayerId"`
	PlayerKey BindingKey `json:"PlayerKey"`
	Gamertag  string     `json:"Gamertag"`
	Fake      bool       `json:"Fake,omitempty"`
}

type Update struct {
	Header
	Players []PlayerState `json:"Players"`
}

type AckUpdate struct {
	Header
	SpeakingPlayers []string `json:"SpeakingPlayers"`
}

type GetChannels struct {
	Header
	Channels map[int]ChannelInfo `json:"Channels"`
}

type GetChannelSettings struct {
	Header
	ChannelID int `json:"ChannelId"`
	Settings
}

type SetChannelSettings struct {
	Header
	ChannelID int `json:"ChannelId"`
	Settings
	ClearSettings bool `json:"ClearSettings,omitempty"`
}

type GetDefaultSettings struct {
	Header
	Settings
}

type SetDefaultSettings struct {
	Header
	Settings
}

type GetParticipants struct {
	Header
	Players []string `json:"Players"`
}

type DisconnectParticipant struct {
	Header
	PlayerID string `json:"PlayerId"`
}

type GetParticipantBitmask struct {
	Header
	PlayerID string `json:"PlayerId"`
	Bitmask  uint32 `json:"Bitmask"`
}

type SetParticipantBitmask struct {
	Header
	PlayerID string `json:"PlayerId"`
	Bitmask  uint32 `json:"Bitmask"`
}

type MuteParticipant struct {
	Header
	PlayerID string `json:"PlayerId"`
}

type UnmuteParticipant struct {
	Header
	PlayerID string `json:"PlayerId"`
}

type DeafenParticipant struct {
	Header
	PlayerID string `json:"PlayerId"`
}

type UndeafenParticipant struct {
	Header
	PlayerID string `json:"PlayerId"`
}

type AndModParticipantBitmask struct {
	Header
	PlayerID string `json:"PlayerId"`
	Bitmask  uint32 `json:"Bitmask"`
}

type OrModParticipantBitmask struct {
	Header
	PlayerID string `json:"PlayerId"`
	Bitmask  uint32 `json:"Bitmask"`
}

type XorModParticipantBitmask struct {
	Header
	PlayerID string `json:"PlayerId"`
	Bitmask  uint32 `json:"Bitmask"`
}

type ChannelMove struct {
	Header
	PlayerID  string `json:"PlayerId"`
	ChannelID int    `json:"ChannelId"`
}

func (*Login) PacketID() PacketType                    { return PacketLogin }
func (*Logout) PacketID() PacketType                   { return PacketLogout }
func (*Accept) PacketID() PacketType                   { return PacketAccept }
func (*Deny) PacketID() PacketType                     { return PacketDeny }
func (*Bind) PacketID() PacketType                     { return PacketBind }
func (*Update) PacketID() PacketType                   { return PacketUpdate }
func (*AckUpdate) PacketID() PacketType                { return PacketAckUpdate }
func (*GetChannels) PacketID() PacketType              { return PacketGetChannels }
func (*GetChannelSettings) PacketID() PacketType       { return PacketGetChannelSettings }
func (*SetChannelSettings) PacketID() PacketType       { return PacketSetChannelSettings }
func (*GetDefaultSettings) PacketID() PacketType       { return PacketGetDefaultSettings }
func (*SetDefaultSettings) PacketID() PacketType       { return PacketSetDefaultSettings }
func (*GetParticipants) PacketID() PacketType          { return PacketGetParticipants }
func (*DisconnectParticipant) PacketID() PacketType    { return PacketDisconnectParticipant }
func (*GetParticipantBitmask) PacketID() PacketType    { return PacketGetParticipantBitmask }
func (*SetParticipantBitmask) PacketID() PacketType    { return PacketSetParticipantBitmask }
func (*MuteParticipant) PacketID() PacketType          { return PacketMuteParticipant }
func (*UnmuteParticipant) PacketID() PacketType        { return PacketUnmuteParticipant }
func (*DeafenParticipant) PacketID() PacketType        { return PacketDeafenParticipant }
func (*UndeafenParticipant) PacketID() PacketType      { return PacketUndeafenParticipant }
func (*AndModParticipantBitmask) PacketID() PacketType { return PacketAndModParticipantBitmask }
func (*OrModParticipantBitmask) PacketID() PacketType  { return PacketOrModParticipantBitmask }
func (*XorModParticipantBitmask) PacketID() PacketType { return PacketXorModParticipantBitmask }
func (*ChannelMove) PacketID() PacketType              { return PacketChannelMove }

// newPacket allocates the empty variant for a discriminant.
func newPacket(id PacketType) (Packet, bool) {
	switch id {
	case PacketLogin:
		return &Login{}, true
	case PacketLogout:
		return &Logout{}, true
	case PacketAccept:
		return &Accept{}, true
	case PacketDeny:
		return &Deny{}, true
	case PacketBind:
		return &Bind{}, true
	case PacketUpdate:
		return &Update{}, true
	case PacketAckUpdate:
		return &AckUpdate{}, true
	case PacketGetChannels:
		return &GetChannels{}, true
	case PacketGetChannelSettings:
		return &GetChannelSettings{}, true
	case PacketSetChannelSettings:
		return &SetChannelSettings{}, true
	case PacketGetDefaultSettings:
		return &GetDefaultSettings{}, true
	case PacketSetDefaultSettings:
		return &SetDefaultSettings{}, true
	case PacketGetParticipants:
		return &GetParticipants{}, true
	case PacketDisconnectParticipant:
		return &DisconnectParticipant{}, true
	case PacketGetParticipantBitmask:
		return &GetParticipantBitmask{}, true
	case PacketSetParticipantBitmask:
		return &SetParticipantBitmask{}, true
	case PacketMuteParticipant:
		return &MuteParticipant{}, true
	case PacketUnmuteParticipant:
		return &UnmuteParticipant{}, true
	case PacketDeafenParticipant:
		return &DeafenParticipant{}, true
	case PacketUndeafenParticipant:
		return &UndeafenParticipant{}, true
	case PacketAndModParticipantBitmask:
		return &AndModParticipantBitmask{}, true
	case PacketOrModParticipantBitmask:
		return &OrModParticipantBitmask{}, true
	case PacketXorModParticipantBitmask:
		return &XorModParticipantBitmask{}, true
	case PacketChannelMove:
		return &ChannelMove{}, true
	default:
		return nil, false
	}
}
