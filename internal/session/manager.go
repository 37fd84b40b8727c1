// Package session authenticates the MCComm client and routes its packets.
// There is a single session slot: a successful Login mints a fresh token
// and every older token stops working at once.
package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/protocol"
	"github.com/voicecraft-project/mccomm/internal/update"
)

// Defaults for Options.
const (
	DefaultIdleTimeout    = 30 * time.Second
	DefaultRequestTimeout = 2 * time.Second
)

// Options configure a Manager.
type Options struct {
	LoginKey string
	// IdleTimeout closes a session that sent nothing for this long.
	// Zero disables idle expiry.
	IdleTimeout time.Duration
	// RequestTimeout bounds the processing of a single request.
	RequestTimeout time.Duration
	// LegacyBitmask speaks the grouped bitmask layout on the wire.
	LegacyBitmask bool
}

// Status is a point-in-time view of the session slot.
type Status struct {
	State      events.SessionState `json:"state"`
	RemoteAddr string              `json:"remote_addr,omitempty"`
	CreatedAt  time.Time           `json:"created_at,omitempty"`
	LastSeen   time.Time           `json:"last_seen,omitempty"`
	IdleFor    time.Duration       `json:"idle_for_ns"`
	Logins     uint64              `json:"logins"`
	Failed     uint64              `json:"failed_logins"`
	Requests   uint64              `json:"requests"`
	Denied     uint64              `json:"denied"`
}

// Manager owns the session slot and dispatches packets to the registry,
// the channel store and the update handler. It holds no domain state.
type Manager struct {
	mu         sync.Mutex
	state      events.SessionState
	token      string
	remoteAddr string
	createdAt  time.Time
	lastSeen   time.Time

	logins   atomic.Uint64
	failed   atomic.Uint64
	requests atomic.Uint64
	denied   atomic.Uint64

	opts     Options
	parser   *protocol.Parser
	registry *participant.Registry
	channels *channel.Store
	updates  *update.Handler
	bus      *events.EventBus

	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a session manager. bus may be nil.
func NewManager(opts Options, registry *participant.Registry, channels *channel.Store,
	updates *update.Handler, bus *events.EventBus) *Manager {

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}

	return &Manager{
		state:    events.SessionUnauthenticated,
		opts:     opts,
		parser:   protocol.NewParser(),
		registry: registry,
		channels: channels,
		updates:  updates,
		bus:      bus,
		now:      time.Now,
		logger:   log.With().Str("component", "session").Logger(),
	}
}

// Handle decodes one request body, dispatches it and returns the encoded
// response. It always produces a well-formed envelope.
func (m *Manager) Handle(ctx context.Context, remoteAddr string, body []byte) []byte {
	var resp protocol.Packet

	pkt, err := m.parser.Parse(body)
	if err != nil {
		resp = m.deny(err)
		m.logger.Debug().Err(err).Str("remote", remoteAddr).Msg("rejected undecodable packet")
	} else {
		resp = m.Dispatch(ctx, remoteAddr, pkt)
	}

	out, err := protocol.Encode(resp)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to encode response")
		out, _ = protocol.Encode(protocol.NewDeny(ReasonInternal))
	}
	return out
}

// Reject encodes the Deny for a request whose body could not be read.
func (m *Manager) Reject(err error) []byte {
	out, encErr := protocol.Encode(m.deny(err))
	if encErr != nil {
		out, _ = protocol.Encode(protocol.NewDeny(ReasonInternal))
	}
	return out
}

// Dispatch authenticates and routes a decoded packet. Panics while
// handling are converted to an internal-error Deny.
func (m *Manager) Dispatch(ctx context.Context, remoteAddr string, pkt protocol.Packet) (resp protocol.Packet) {
	start := m.now()
	m.requests.Add(1)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("packet", pkt.PacketID().String()).
				Msg("panic while handling packet")
			m.denied.Add(1)
			resp = protocol.NewDeny(ReasonInternal)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	if login, ok := pkt.(*protocol.Login); ok {
		return m.login(remoteAddr, login)
	}

	if !m.authorize(pkt.GetToken(), start) {
		m.denied.Add(1)
		m.logger.Debug().
			Str("packet", pkt.PacketID().String()).
			Str("remote", remoteAddr).
			Msg("unauthorized request")
		return protocol.NewDeny(ReasonUnauthorized)
	}

	if err := ctx.Err(); err != nil {
		return m.deny(err)
	}

	resp, err := m.route(ctx, pkt)
	if err != nil {
		return m.deny(err)
	}

	m.logger.Trace().
		Str("packet", pkt.PacketID().String()).
		Str("response", resp.PacketID().String()).
		Dur("took", m.now().Sub(start)).
		Msg("packet handled")
	return resp
}

func (m *Manager) deny(err error) *protocol.Deny {
	m.denied.Add(1)
	se := Classify(err)
	if se.Kind == KindInternal && se.Reason == ReasonInternal {
		m.logger.Error().Err(err).Msg("request failed")
	}
	return protocol.NewDeny(se.Reason)
}

func (m *Manager) login(remoteAddr string, pkt *protocol.Login) protocol.Packet {
	if !m.checkKey(pkt.LoginKey) {
		m.failed.Add(1)
		m.denied.Add(1)
		m.logger.Warn().Str("remote", remoteAddr).Msg("login with invalid key")
		m.emit(events.EventLoginFailed, events.SessionPayload{RemoteAddr: remoteAddr, Reason: ReasonInvalidKey})
		return protocol.NewDeny(ReasonInvalidKey)
	}

	token := uuid.NewString()
	now := m.now()

	m.mu.Lock()
	previous := m.state
	m.state = events.SessionAuthenticated
	m.token = token
	m.remoteAddr = remoteAddr
	m.createdAt = now
	m.lastSeen = now
	m.mu.Unlock()

	m.logins.Add(1)
	m.logger.Info().
		Str("remote", remoteAddr).
		Str("previous_state", previous.String()).
		Msg("client logged in")
	m.emit(events.EventSessionLogin, events.SessionPayload{RemoteAddr: remoteAddr})

	return protocol.NewAccept(token)
}

func (m *Manager) checkKey(key string) bool {
	if m.opts.LoginKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(m.opts.LoginKey)) == 1
}

// authorize checks a presented token against the live one. An idle
// session found here is closed on the spot.
func (m *Manager) authorize(token string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != events.SessionAuthenticated || token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
		return false
	}
	if m.idleExpiredLocked(now) {
		m.closeLocked("idle timeout", events.EventSessionExpired)
		return false
	}
	m.lastSeen = now
	return true
}

func (m *Manager) idleExpiredLocked(now time.Time) bool {
	return m.opts.IdleTimeout > 0 && now.Sub(m.lastSeen) > m.opts.IdleTimeout
}

// closeLocked invalidates the token. Caller holds m.mu.
func (m *Manager) closeLocked(reason string, ev events.EventType) {
	remote := m.remoteAddr
	m.state = events.SessionClosed
	m.token = ""

	n := m.registry.MarkAllDisconnected()
	m.logger.Info().
		Str("remote", remote).
		Str("reason", reason).
		Int("participants_disconnected", n).
		Msg("session closed")
	m.emit(ev, events.SessionPayload{RemoteAddr: remote, Reason: reason})
}

// Logout closes the live session.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == events.SessionAuthenticated {
		m.closeLocked("logout", events.EventSessionLogout)
	}
}

// Reap closes the session if it has been idle longer than the idle
// timeout. It reports whether a session was closed.
func (m *Manager) Reap() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != events.SessionAuthenticated || !m.idleExpiredLocked(m.now()) {
		return false
	}
	m.closeLocked("idle timeout", events.EventSessionExpired)
	return true
}

// Status returns a view of the session slot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		State:      m.state,
		RemoteAddr: m.remoteAddr,
		CreatedAt:  m.createdAt,
		LastSeen:   m.lastSeen,
	}
	m.mu.Unlock()

	if s.State == events.SessionAuthenticated {
		s.IdleFor = m.now().Sub(s.LastSeen)
	}
	s.Logins = m.logins.Load()
	s.Failed = m.failed.Load()
	s.Requests = m.requests.Load()
	s.Denied = m.denied.Load()
	return s
}

// Moderate applies an operator action to a participant. Actor names the
// origin for the audit trail.
func (m *Manager) Moderate(playerID string, action events.ModerationAction, actor string) error {
	var err error
	switch action {
	case events.ActionMute:
		err = m.registry.SetMuted(playerID, true)
	case events.ActionUnmute:
		err = m.registry.SetMuted(playerID, false)
	case events.ActionDeafen:
		err = m.registry.SetDeafened(playerID, true)
	case events.ActionUndeafen:
		err = m.registry.SetDeafened(playerID, false)
	case events.ActionDisconnect:
		err = m.registry.Unbind(playerID)
		if err == nil {
			m.emit(events.EventParticipantUnbound, events.ParticipantPayload{PlayerID: playerID})
		}
	default:
		return ValidationError(fmt.Sprintf("unsupported action %q", action), nil)
	}
	if err != nil {
		return err
	}

	m.emit(events.EventParticipantModerated, events.ModerationPayload{
		PlayerID: playerID,
		Action:   action,
		Actor:    actor,
	})
	return nil
}

// Move places a participant in a channel on behalf of an operator.
func (m *Manager) Move(playerID string, channelID int) error {
	if err := m.registry.MoveChannel(playerID, channelID); err != nil {
		return err
	}
	m.emit(events.EventChannelMoved, events.ChannelMovePayload{PlayerID: playerID, ChannelID: channelID})
	return nil
}

// emit publishes on the bus when one is attached. Handlers outlive the
// request, so they get a background context.
func (m *Manager) emit(t events.EventType, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(context.Background(), events.Event{Type: t, Source: "session", Payload: payload})
}
