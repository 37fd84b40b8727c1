// Package participant holds the registry of voice participants bound to
// game players. The registry map sits behind a read-write lock and every
// participant carries its own mutex, so operations on distinct players run
// in parallel while all mutations of one player are serialized.
package participant

import (
	"sync"
	"time"

	"github.com/voicecraft-project/mccomm/internal/bitmask"
)

// LobbyChannel is the channel id of participants not in any channel.
const LobbyChannel = 0

// Location is a world position.
type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PositionSnapshot is one player's per-tick state as reported by the game.
type PositionSnapshot struct {
	PlayerID    string   `json:"player_id"`
	DimensionID string   `json:"dimension_id"`
	Location    Location `json:"location"`
	Rotation    float64  `json:"rotation"`
	EchoFactor  float64  `json:"echo_factor"`
	Muffled     bool     `json:"muffled"`
	IsDead      bool     `json:"is_dead"`
}

// Snapshot is a consistent copy of one participant.
type Snapshot struct {
	PlayerID  string           `json:"player_id"`
	Gamertag  string           `json:"gamertag"`
	Fake      bool             `json:"fake"`
	Bitmask   bitmask.Word     `json:"bitmask"`
	ChannelID int              `json:"channel_id"`
	Position  PositionSnapshot `json:"position"`
	Muted     bool             `json:"muted"`
	Deafened  bool             `json:"deafened"`
	Connected bool             `json:"connected"`
	BoundAt   time.Time        `json:"bound_at"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
}

// CanSpeak reports whether the participant's audio counts as active: bound
// and connected, not muted or deafened by the server, allowed to talk in at
// least one group, and not silenced by death.
func (s Snapshot) CanSpeak() bool {
	if !s.Connected || s.Muted || s.Deafened {
		return false
	}
	if !s.Bitmask.CanTalk() {
		return false
	}
	if s.Position.IsDead && s.Bitmask.Has(bitmask.DeathEnabled) {
		return false
	}
	return true
}

// participant is the mutable record. Fields are guarded by mu.
type participant struct {
	mu sync.Mutex

	id         string
	gamertag   string
	bindingKey string
	fake       bool

	bitmask   bitmask.Word
	channelID int
	position  PositionSnapshot
	muted     bool
	deafened  bool
	connected bool
	removed   bool

	boundAt   time.Time
	updatedAt time.Time
}

func newParticipant(id, gamertag, key string, fake bool, word bitmask.Word) *participant {
	return &participant{
		id:         id,
		gamertag:   gamertag,
		bindingKey: key,
		fake:       fake,
		bitmask:    word,
		channelID:  LobbyChannel,
		position:   PositionSnapshot{PlayerID: id},
		connected:  true,
		boundAt:    time.Now(),
	}
}

// snapshot copies the record. Caller must hold p.mu.
func (p *participant) snapshot() Snapshot {
	return Snapshot{
		PlayerID:  p.id,
		Gamertag:  p.gamertag,
		Fake:      p.fake,
		Bitmask:   p.bitmask,
		ChannelID: p.channelID,
		Position:  p.position,
		Muted:     p.muted,
		Deafened:  p.deafened,
		Connected: p.connected,
		BoundAt:   p.boundAt,
		UpdatedAt: p.updatedAt,
	}
}

// mutate runs fn under p.mu unless the record was unbound meanwhile.
func (p *participant) mutate(fn func(p *participant) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed {
		return ErrNotFound
	}
	return fn(p)
}

func (p *participant) read() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// applyPosition replaces the position fields wholesale.
func (p *participant) applyPosition(s PositionSnapshot, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.PlayerID = p.id
	p.position = s
	p.connected = true
	p.updatedAt = at
}
