// Package events defines event types and payloads for the MCComm event bus.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session events
	EventSessionLogin   EventType = "session_login"
	EventSessionLogout  EventType = "session_logout"
	EventSessionExpired EventType = "session_expired"
	EventLoginFailed    EventType = "login_failed"

	// Participant events
	EventParticipantBound     EventType = "participant_bound"
	EventParticipantUnbound   EventType = "participant_unbound"
	EventParticipantModerated EventType = "participant_moderated"
	EventChannelMoved         EventType = "channel_moved"

	// Settings events
	EventSettingsChanged EventType = "settings_changed"

	// System events
	EventStats         EventType = "stats"
	EventHealthChanged EventType = "health_changed"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// SessionState is the state of the single MCComm session slot.
type SessionState int

const (
	SessionUnauthenticated SessionState = iota
	SessionAuthenticated
	SessionClosed
)

var sessionStateStrings = map[SessionState]string{
	SessionUnauthenticated: "unauthenticated",
	SessionAuthenticated:   "authenticated",
	SessionClosed:          "closed",
}

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	if str, ok := sessionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes SessionState as a JSON string (e.g. "authenticated").
func (s SessionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ModerationAction names an operator action on a participant.
type ModerationAction string

const (
	ActionMute       ModerationAction = "mute"
	ActionUnmute     ModerationAction = "unmute"
	ActionDeafen     ModerationAction = "deafen"
	ActionUndeafen   ModerationAction = "undeafen"
	ActionDisconnect ModerationAction = "disconnect"
	ActionSetBitmask ModerationAction = "set_bitmask"
	ActionAndBitmask ModerationAction = "and_bitmask"
	ActionOrBitmask  ModerationAction = "or_bitmask"
	ActionXorBitmask ModerationAction = "xor_bitmask"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload accompanies session events. The token itself is never
// published.
type SessionPayload struct {
	RemoteAddr string
	Reason     string
}

// ParticipantPayload accompanies bind and unbind events.
type ParticipantPayload struct {
	PlayerID string
	Gamertag string
	Fake     bool
}

// ModerationPayload accompanies participant_moderated events.
type ModerationPayload struct {
	PlayerID string
	Action   ModerationAction
	Bitmask  uint32 // resulting word for bitmask actions
	Actor    string // "mccomm" or "admin"
}

// ChannelMovePayload accompanies channel_moved events.
type ChannelMovePayload struct {
	PlayerID  string
	ChannelID int
}

// SettingsChangedPayload accompanies settings_changed events. ChannelID 0
// is the server default.
type SettingsChangedPayload struct {
	ChannelID           int
	Cleared             bool
	ProximityDistance   int
	ProximityEnabled    bool
	VoiceEffectsEnabled bool
}

// StatsPayload is the periodic status snapshot.
type StatsPayload struct {
	Session      SessionState
	Participants int
	Speaking     int
	UpdateCycles uint64
}

// HealthPayload accompanies health_changed events.
type HealthPayload struct {
	Status  string
	Failing []string
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
