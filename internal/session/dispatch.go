package session

import (
	"context"

	"github.com/voicecraft-project/mccomm/internal/bitmask"
	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/protocol"
)

// route maps one authenticated request to its operation.
func (m *Manager) route(ctx context.Context, pkt protocol.Packet) (protocol.Packet, error) {
	switch p := pkt.(type) {
	case *protocol.Logout:
		m.Logout()
		return protocol.NewAccept(""), nil

	case *protocol.Bind:
		return m.bind(p)

	case *protocol.Update:
		ack, err := m.updates.Apply(ctx, p.Players)
		if err != nil {
			return nil, err
		}
		return protocol.NewAckUpdate(ack.SpeakingPlayers), nil

	case *protocol.GetChannels:
		return protocol.NewGetChannels(m.channelInfos()), nil

	case *protocol.GetChannelSettings:
		s, err := m.channels.GetEffectiveSettings(p.ChannelID)
		if err != nil {
			return nil, err
		}
		return protocol.NewGetChannelSettings(p.ChannelID, toWire(s)), nil

	case *protocol.SetChannelSettings:
		if err := m.SetChannelSettings(p.ChannelID, fromWire(p.Settings), p.ClearSettings); err != nil {
			return nil, err
		}
		return protocol.NewAccept(""), nil

	case *protocol.GetDefaultSettings:
		return protocol.NewGetDefaultSettings(toWire(m.channels.GetDefault())), nil

	case *protocol.SetDefaultSettings:
		if err := m.SetDefaultSettings(fromWire(p.Settings)); err != nil {
			return nil, err
		}
		return protocol.NewAccept(""), nil

	case *protocol.GetParticipants:
		return protocol.NewGetParticipants(m.registry.List()), nil

	case *protocol.DisconnectParticipant:
		return m.moderate(p.PlayerID, events.ActionDisconnect)
	case *protocol.MuteParticipant:
		return m.moderate(p.PlayerID, events.ActionMute)
	case *protocol.UnmuteParticipant:
		return m.moderate(p.PlayerID, events.ActionUnmute)
	case *protocol.DeafenParticipant:
		return m.moderate(p.PlayerID, events.ActionDeafen)
	case *protocol.UndeafenParticipant:
		return m.moderate(p.PlayerID, events.ActionUndeafen)

	case *protocol.GetParticipantBitmask:
		w, err := m.registry.GetBitmask(p.PlayerID)
		if err != nil {
			return nil, err
		}
		return protocol.NewGetParticipantBitmask(p.PlayerID, m.wireBitmask(w)), nil

	case *protocol.SetParticipantBitmask:
		return m.modBitmask(p.PlayerID, p.Bitmask, events.ActionSetBitmask, func(_, v uint32) uint32 { return v })
	case *protocol.AndModParticipantBitmask:
		return m.modBitmask(p.PlayerID, p.Bitmask, events.ActionAndBitmask, func(cur, v uint32) uint32 { return cur & v })
	case *protocol.OrModParticipantBitmask:
		return m.modBitmask(p.PlayerID, p.Bitmask, events.ActionOrBitmask, func(cur, v uint32) uint32 { return cur | v })
	case *protocol.XorModParticipantBitmask:
		return m.modBitmask(p.PlayerID, p.Bitmask, events.ActionXorBitmask, func(cur, v uint32) uint32 { return cur ^ v })

	case *protocol.ChannelMove:
		if err := m.registry.MoveChannel(p.PlayerID, p.ChannelID); err != nil {
			return nil, err
		}
		m.emit(events.EventChannelMoved, events.ChannelMovePayload{PlayerID: p.PlayerID, ChannelID: p.ChannelID})
		return protocol.NewAccept(""), nil

	default:
		// responses sent as requests
		return nil, ValidationError(ReasonUnexpected, nil)
	}
}

func (m *Manager) bind(p *protocol.Bind) (protocol.Packet, error) {
	id := p.PlayerID
	if id == "" {
		id = p.Gamertag
	}

	var err error
	if p.Fake {
		err = m.registry.BindFake(id, p.Gamertag, string(p.PlayerKey))
	} else {
		err = m.registry.Bind(id, p.Gamertag, string(p.PlayerKey))
	}
	if err != nil {
		return nil, err
	}

	m.emit(events.EventParticipantBound, events.ParticipantPayload{
		PlayerID: id,
		Gamertag: p.Gamertag,
		Fake:     p.Fake,
	})
	return protocol.NewAccept(""), nil
}

func (m *Manager) moderate(playerID string, action events.ModerationAction) (protocol.Packet, error) {
	if err := m.Moderate(playerID, action, "mccomm"); err != nil {
		return nil, err
	}
	return protocol.NewAccept(""), nil
}

// bitOp combines the current word with a request operand, both in the
// wire layout.
type bitOp func(cur, operand uint32) uint32

// modBitmask applies op in the participant's critical section. With the
// legacy layout the operand is a mask over grouped bits, so op runs on the
// grouped form of the current word and the result is converted back. The
// reserved upper flat bits have no grouped form and are carried over.
func (m *Manager) modBitmask(playerID string, wire uint32, action events.ModerationAction, op bitOp) (protocol.Packet, error) {
	result, err := m.registry.ModifyBitmask(playerID, func(cur bitmask.Word) bitmask.Word {
		if !m.opts.LegacyBitmask {
			return bitmask.Word(op(uint32(cur), wire))
		}
		return bitmask.FromLegacy(op(bitmask.ToLegacy(cur), wire)) | cur&^bitmask.All
	})
	if err != nil {
		return nil, err
	}
	m.emit(events.EventParticipantModerated, events.ModerationPayload{
		PlayerID: playerID,
		Action:   action,
		Bitmask:  uint32(result),
		Actor:    "mccomm",
	})
	return protocol.NewAccept(""), nil
}

// wireBitmask converts a flat word into the configured wire layout.
func (m *Manager) wireBitmask(w bitmask.Word) uint32 {
	if m.opts.LegacyBitmask {
		return bitmask.ToLegacy(w)
	}
	return uint32(w)
}

func (m *Manager) channelInfos() map[int]protocol.ChannelInfo {
	list := m.channels.List()
	out := make(map[int]protocol.ChannelInfo, len(list))
	for _, ch := range list {
		info := protocol.ChannelInfo{
			Name:     ch.Name,
			Password: ch.Password,
			Locked:   ch.Locked,
			Hidden:   ch.Hidden,
		}
		if ch.Override != nil {
			s := toWire(*ch.Override)
			info.OverrideSettings = &s
		}
		out[ch.ID] = info
	}
	return out
}

// SetChannelSettings overrides a channel's settings, or clears the
// override.
func (m *Manager) SetChannelSettings(channelID int, s channel.Settings, clear bool) error {
	if err := m.channels.SetOverride(channelID, s, clear); err != nil {
		return err
	}
	m.emitSettings(channelID, s, clear)
	return nil
}

// SetDefaultSettings replaces the server default settings.
func (m *Manager) SetDefaultSettings(s channel.Settings) error {
	if err := m.channels.SetDefault(s); err != nil {
		return err
	}
	m.emitSettings(channel.LobbyID, s, false)
	return nil
}

func (m *Manager) emitSettings(channelID int, s channel.Settings, cleared bool) {
	m.emit(events.EventSettingsChanged, events.SettingsChangedPayload{
		ChannelID:           channelID,
		Cleared:             cleared,
		ProximityDistance:   s.ProximityDistance,
		ProximityEnabled:    s.ProximityEnabled,
		VoiceEffectsEnabled: s.VoiceEffectsEnabled,
	})
}

func toWire(s channel.Settings) protocol.Settings {
	return protocol.Settings{
		ProximityDistance: s.ProximityDistance,
		ProximityToggle:   s.ProximityEnabled,
		VoiceEffects:      s.VoiceEffectsEnabled,
	}
}

func fromWire(s protocol.Settings) channel.Settings {
	return channel.Settings{
		ProximityDistance:   s.ProximityDistance,
		ProximityEnabled:    s.ProximityToggle,
		VoiceEffectsEnabled: s.VoiceEffects,
	}
}
