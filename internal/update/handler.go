// Package update implements the high-frequency bulk position path: the
// addon reports every tracked player once per tick and gets back the list
// of participants whose audio is currently active.
package update

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/protocol"
	"github.com/voicecraft-project/mccomm/internal/util"
)

// ErrInvalidBatch is returned when any entry of a batch fails validation.
// Nothing from such a batch is applied.
var ErrInvalidBatch = errors.New("invalid update")

// DefaultMaxPlayers bounds a single batch.
const DefaultMaxPlayers = 1024

// Registry is the subset of the participant registry an update needs.
type Registry interface {
	UpdateBulk(snaps []participant.PositionSnapshot) participant.AckInfo
	Snapshots() []participant.Snapshot
}

// Ack is the result of one update cycle.
type Ack struct {
	SpeakingPlayers []string
	Applied         int
	Unknown         []string
}

// Stats are cumulative counters for the update path.
type Stats struct {
	Cycles        uint64        `json:"cycles"`
	Rejected      uint64        `json:"rejected"`
	LastBatchSize int           `json:"last_batch_size"`
	LastSpeaking  int           `json:"last_speaking"`
	LastDuration  time.Duration `json:"last_duration_ns"`
	LastCycleAt   time.Time     `json:"last_cycle_at"`
}

// Handler applies update batches to the registry.
type Handler struct {
	registry   Registry
	maxPlayers int

	cycles   atomic.Uint64
	rejected atomic.Uint64
	last     atomic.Pointer[Stats]

	logger zerolog.Logger
}

// NewHandler creates an update handler. maxPlayers <= 0 selects
// DefaultMaxPlayers.
func NewHandler(registry Registry, maxPlayers int) *Handler {
	if maxPlayers <= 0 {
		maxPlayers = DefaultMaxPlayers
	}
	h := &Handler{
		registry:   registry,
		maxPlayers: maxPlayers,
		logger:     util.SampledLogger("update", 5, time.Second),
	}
	h.last.Store(&Stats{})
	return h
}

// Apply validates the whole batch, applies it, and computes the speaking
// set. A context that is already done aborts before anything is applied.
func (h *Handler) Apply(ctx context.Context, players []protocol.PlayerState) (Ack, error) {
	start := time.Now()

	if err := h.validate(players); err != nil {
		h.rejected.Add(1)
		return Ack{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	snaps := make([]participant.PositionSnapshot, len(players))
	for i, p := range players {
		snaps[i] = toSnapshot(p)
	}
	info := h.registry.UpdateBulk(snaps)

	speaking := Speaking(h.registry.Snapshots())

	elapsed := time.Since(start)
	h.cycles.Add(1)
	h.last.Store(&Stats{
		LastBatchSize: len(players),
		LastSpeaking:  len(speaking),
		LastDuration:  elapsed,
		LastCycleAt:   start,
	})

	h.logger.Trace().
		Int("players", len(players)).
		Int("applied", info.Applied).
		Int("speaking", len(speaking)).
		Dur("took", elapsed).
		Msg("update cycle")

	return Ack{SpeakingPlayers: speaking, Applied: info.Applied, Unknown: info.Unknown}, nil
}

// Stats returns the cumulative counters and the last cycle's figures.
func (h *Handler) Stats() Stats {
	s := *h.last.Load()
	s.Cycles = h.cycles.Load()
	s.Rejected = h.rejected.Load()
	return s
}

func (h *Handler) validate(players []protocol.PlayerState) error {
	if len(players) > h.maxPlayers {
		return fmt.Errorf("%w: %d players exceeds limit of %d", ErrInvalidBatch, len(players), h.maxPlayers)
	}
	for i, p := range players {
		if p.PlayerID == "" {
			return fmt.Errorf("%w: entry %d has no player id", ErrInvalidBatch, i)
		}
		if !p.Location.IsFinite() {
			return fmt.Errorf("%w: %s has a non-finite location", ErrInvalidBatch, p.PlayerID)
		}
		if math.IsNaN(p.Rotation) || math.IsInf(p.Rotation, 0) {
			return fmt.Errorf("%w: %s has a non-finite rotation", ErrInvalidBatch, p.PlayerID)
		}
		if !(p.EchoFactor >= 0 && p.EchoFactor <= 1) {
			return fmt.Errorf("%w: %s echo factor %v is out of range 0-1", ErrInvalidBatch, p.PlayerID, p.EchoFactor)
		}
	}
	return nil
}

// Speaking returns the ids of participants whose audio is active. The
// input order is kept, so sorted snapshots give a sorted result.
func Speaking(snaps []participant.Snapshot) []string {
	out := make([]string, 0, len(snaps))
	for _, s := range snaps {
		if s.CanSpeak() {
			out = append(out, s.PlayerID)
		}
	}
	return out
}

func toSnapshot(p protocol.PlayerState) participant.PositionSnapshot {
	return participant.PositionSnapshot{
		PlayerID:    p.PlayerID,
		DimensionID: p.DimensionID,
		Location:    participant.Location{X: p.Location.X, Y: p.Location.Y, Z: p.Location.Z},
		Rotation:    p.Rotation,
		EchoFactor:  p.EchoFactor,
		Muffled:     p.Muffled,
		IsDead:      p.IsDead,
	}
}
