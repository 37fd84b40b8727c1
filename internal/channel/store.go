// Package channel holds the proximity channels and resolves the settings
// that apply to each of them. Reads vastly outnumber writes, so the whole
// table lives in an immutable snapshot that writers replace atomically.
package channel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Channel id and proximity distance bounds, inclusive.
const (
	MinChannelID = 1
	MaxChannelID = 255

	MinProximityDistance = 1
	MaxProximityDistance = 60

	// LobbyID is the implicit channel of participants not in any channel.
	LobbyID = 0
)

var (
	// ErrInvalidChannel is returned for an out-of-range or unknown channel id.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrInvalidSettings is returned for settings that fail validation.
	ErrInvalidSettings = errors.New("invalid settings")
)

// Settings are the proximity settings of a channel or the server default.
type Settings struct {
	ProximityDistance   int  `json:"proximity_distance"`
	ProximityEnabled    bool `json:"proximity_enabled"`
	VoiceEffectsEnabled bool `json:"voice_effects_enabled"`
}

// DefaultSettings is the server default before any SetDefault call.
func DefaultSettings() Settings {
	return Settings{
		ProximityDistance:   30,
		ProximityEnabled:    true,
		VoiceEffectsEnabled: true,
	}
}

// Channel is one named proximity group.
type Channel struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Password string    `json:"password,omitempty"`
	Locked   bool      `json:"locked"`
	Hidden   bool      `json:"hidden"`
	Override *Settings `json:"override_settings,omitempty"`
}

// ValidateSettings rejects out-of-range settings. Nothing is clamped.
func ValidateSettings(s Settings) error {
	if s.ProximityDistance < MinProximityDistance || s.ProximityDistance > MaxProximityDistance {
		return fmt.Errorf("%w: proximity distance %d is out of range %d-%d",
			ErrInvalidSettings, s.ProximityDistance, MinProximityDistance, MaxProximityDistance)
	}
	return nil
}

// ValidateID rejects channel ids outside 1..255.
func ValidateID(id int) error {
	if id < MinChannelID || id > MaxChannelID {
		return fmt.Errorf("%w: id %d is out of range %d-%d", ErrInvalidChannel, id, MinChannelID, MaxChannelID)
	}
	return nil
}

type snapshot struct {
	channels map[int]Channel
	order    []int
	def      Settings
}

// Store is the concurrency-safe channel table.
type Store struct {
	mu     sync.Mutex // serializes writers
	snap   atomic.Pointer[snapshot]
	logger zerolog.Logger
}

// NewStore builds a store from provisioned channels and the initial default.
func NewStore(def Settings, channels []Channel) (*Store, error) {
	if err := ValidateSettings(def); err != nil {
		return nil, fmt.Errorf("default settings: %w", err)
	}

	snap := &snapshot{
		channels: make(map[int]Channel, len(channels)),
		def:      def,
	}
	for _, ch := range channels {
		if err := ValidateID(ch.ID); err != nil {
			return nil, err
		}
		if _, dup := snap.channels[ch.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrInvalidChannel, ch.ID)
		}
		if ch.Override != nil {
			if err := ValidateSettings(*ch.Override); err != nil {
				return nil, fmt.Errorf("channel %d: %w", ch.ID, err)
			}
			o := *ch.Override
			ch.Override = &o
		}
		snap.channels[ch.ID] = ch
		snap.order = append(snap.order, ch.ID)
	}
	sort.Ints(snap.order)

	s := &Store{logger: log.With().Str("component", "channels").Logger()}
	s.snap.Store(snap)

	s.logger.Info().Int("channels", len(snap.order)).Msg("channel store initialized")
	return s, nil
}

// List returns every channel ordered by id.
func (s *Store) List() []Channel {
	snap := s.snap.Load()
	out := make([]Channel, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, copyChannel(snap.channels[id]))
	}
	return out
}

// Get returns a channel by id.
func (s *Store) Get(id int) (Channel, bool) {
	ch, ok := s.snap.Load().channels[id]
	if !ok {
		return Channel{}, false
	}
	return copyChannel(ch), true
}

// Exists reports whether a channel with this id is provisioned.
func (s *Store) Exists(id int) bool {
	_, ok := s.snap.Load().channels[id]
	return ok
}

// GetEffectiveSettings returns the channel's override when present, else the
// default. Both are read from the same snapshot. The lobby id resolves to
// the default.
func (s *Store) GetEffectiveSettings(id int) (Settings, error) {
	snap := s.snap.Load()
	if id == LobbyID {
		return snap.def, nil
	}
	if err := ValidateID(id); err != nil {
		return Settings{}, err
	}
	ch, ok := snap.channels[id]
	if !ok {
		return Settings{}, fmt.Errorf("%w: channel %d does not exist", ErrInvalidChannel, id)
	}
	if ch.Override != nil {
		return *ch.Override, nil
	}
	return snap.def, nil
}

// SetOverride installs an override for a channel, or removes it when clear
// is set. Settings are ignored on clear.
func (s *Store) SetOverride(id int, settings Settings, clear bool) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if !clear {
		if err := ValidateSettings(settings); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	ch, ok := cur.channels[id]
	if !ok {
		return fmt.Errorf("%w: channel %d does not exist", ErrInvalidChannel, id)
	}

	next := cur.clone()
	if clear {
		ch.Override = nil
	} else {
		o := settings
		ch.Override = &o
	}
	next.channels[id] = ch
	s.snap.Store(next)

	s.logger.Debug().
		Int("channel", id).
		Bool("cleared", clear).
		Int("proximity_distance", settings.ProximityDistance).
		Msg("channel override updated")
	return nil
}

// GetDefault returns the server default settings.
func (s *Store) GetDefault() Settings {
	return s.snap.Load().def
}

// SetDefault replaces the server default settings.
func (s *Store) SetDefault(settings Settings) error {
	if err := ValidateSettings(settings); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Load().clone()
	next.def = settings
	s.snap.Store(next)

	s.logger.Debug().Int("proximity_distance", settings.ProximityDistance).Msg("default settings updated")
	return nil
}

// clone copies the channel map; overrides are never mutated in place, so
// sharing the pointers is safe.
func (snap *snapshot) clone() *snapshot {
	next := &snapshot{
		channels: make(map[int]Channel, len(snap.channels)),
		order:    snap.order,
		def:      snap.def,
	}
	for id, ch := range snap.channels {
		next.channels[id] = ch
	}
	return next
}

func copyChannel(ch Channel) Channel {
	if ch.Override != nil {
		o := *ch.Override
		ch.Override = &o
	}
	return ch
}
