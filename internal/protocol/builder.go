package protocol

// ---- Pre-built response constructors ----

// DefaultDenyReason is used when a caller supplies no reason, so that a
// Deny on the wire always carries something displayable.
const DefaultDenyReason = "request denied"

// NewAccept builds an Accept response. The token is only set on the reply
// to a successful Login.
func NewAccept(token string) *Accept {
	return &Accept{Header: Header{ID: PacketAccept, Token: token}}
}

// NewDeny builds a Deny response with a non-empty reason.
func NewDeny(reason string) *Deny {
	if reason == "" {
		reason = DefaultDenyReason
	}
	return &Deny{Header: Header{ID: PacketDeny}, Reason: reason}
}

// NewAckUpdate builds the reply to an Update.
func NewAckUpdate(speaking []string) *AckUpdate {
	if speaking == nil {
		speaking = []string{}
	}
	return &AckUpdate{Header: Header{ID: PacketAckUpdate}, SpeakingPlayers: speaking}
}

// NewGetChannels builds a GetChannels response.
func NewGetChannels(channels map[int]ChannelInfo) *GetChannels {
	if channels == nil {
		channels = map[int]ChannelInfo{}
	}
	return &GetChannels{Header: Header{ID: PacketGetChannels}, Channels: channels}
}

// NewGetChannelSettings builds a GetChannelSettings response.
func NewGetChannelSettings(channelID int, s Settings) *GetChannelSettings {
	return &GetChannelSettings{
		Header:    Header{ID: PacketGetChannelSettings},
		ChannelID: channelID,
		Settings:  s,
	}
}

// NewGetDefaultSettings builds a GetDefaultSettings response.
func NewGetDefaultSettings(s Settings) *GetDefaultSettings {
	return &GetDefaultSettings{Header: Header{ID: PacketGetDefaultSettings}, Settings: s}
}

// NewGetParticipants builds a GetParticipants response.
func NewGetParticipants(players []string) *GetParticipants {
	if players == nil {
		players = []string{}
	}
	return &GetParticipants{Header: Header{ID: PacketGetParticipants}, Players: players}
}

// NewGetParticipantBitmask builds a GetParticipantBitmask response.
func NewGetParticipantBitmask(playerID string, bitmask uint32) *GetParticipantBitmask {
	return &GetParticipantBitmask{
		Header:   Header{ID: PacketGetParticipantBitmask},
		PlayerID: playerID,
		Bitmask:  bitmask,
	}
}
