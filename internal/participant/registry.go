package participant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/bitmask"
)

var (
	ErrInvalidPlayerID   = errors.New("invalid player id")
	ErrAlreadyBound      = errors.New("already bound")
	ErrInvalidBindingKey = errors.New("invalid binding key")
	ErrNotFound          = errors.New("participant not found")
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrAlreadyInChannel  = errors.New("already in channel")
)

// Channel id bounds for MoveChannel, inclusive.
const (
	MinChannelID = 1
	MaxChannelID = 255
)

// ChannelLookup resolves whether a channel exists. The channel store
// satisfies it.
type ChannelLookup interface {
	Exists(id int) bool
}

// Options configure a Registry.
type Options struct {
	// StrictBinding rejects binds whose key was not announced beforehand.
	StrictBinding bool
	// DefaultBitmask is assigned to every new participant.
	DefaultBitmask bitmask.Word
	// ParallelThreshold is the batch size above which UpdateBulk fans out
	// across Workers goroutines. Zero disables parallel application.
	ParallelThreshold int
	Workers           int
}

// DefaultOptions returns the registry defaults.
func DefaultOptions() Options {
	return Options{
		DefaultBitmask:    bitmask.Default,
		ParallelThreshold: 64,
		Workers:           4,
	}
}

// PendingKey is a binding key announced by the game side before the voice
// client binds with it. An empty PlayerID accepts any player.
type PendingKey struct {
	Key       string    `json:"key"`
	PlayerID  string    `json:"player_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AckInfo summarizes one bulk update.
type AckInfo struct {
	Applied int      `json:"applied"`
	Unknown []string `json:"unknown,omitempty"`
}

// Registry is the concurrency-safe participant table.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*participant
	pending      map[string]PendingKey

	channels ChannelLookup
	opts     Options
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry. channels may be nil, in which
// case every in-range channel id is accepted by MoveChannel.
func NewRegistry(channels ChannelLookup, opts Options) *Registry {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Registry{
		participants: make(map[string]*participant),
		pending:      make(map[string]PendingKey),
		channels:     channels,
		opts:         opts,
		logger:       log.With().Str("component", "participants").Logger(),
	}
}

// Bind registers a voice participant for a game player.
func (r *Registry) Bind(playerID, gamertag, bindingKey string) error {
	return r.bind(playerID, gamertag, bindingKey, false)
}

// BindFake registers a synthetic participant. Fakes need no binding key
// but a supplied one is checked like any other.
func (r *Registry) BindFake(playerID, gamertag, bindingKey string) error {
	return r.bind(playerID, gamertag, bindingKey, true)
}

func (r *Registry) bind(playerID, gamertag, key string, fake bool) error {
	if playerID == "" {
		return ErrInvalidPlayerID
	}
	if key == "" && !fake {
		return fmt.Errorf("%w: empty key", ErrInvalidBindingKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[playerID]; exists {
		return ErrAlreadyBound
	}
	if err := r.checkKeyLocked(playerID, key, fake); err != nil {
		return err
	}

	r.participants[playerID] = newParticipant(playerID, gamertag, key, fake, r.opts.DefaultBitmask)

	r.logger.Info().
		Str("player", playerID).
		Str("gamertag", gamertag).
		Bool("fake", fake).
		Msg("participant bound")
	return nil
}

// checkKeyLocked validates and consumes a binding key. Caller holds r.mu.
func (r *Registry) checkKeyLocked(playerID, key string, fake bool) error {
	if key == "" {
		// only fakes reach here with an empty key
		return nil
	}
	if pk, ok := r.pending[key]; ok {
		if pk.PlayerID != "" && pk.PlayerID != playerID {
			return ErrInvalidBindingKey
		}
		delete(r.pending, key)
		return nil
	}
	for _, pk := range r.pending {
		if pk.PlayerID == playerID {
			return ErrInvalidBindingKey
		}
	}
	if r.opts.StrictBinding && !fake {
		return ErrInvalidBindingKey
	}
	return nil
}

// Unbind removes a participant.
func (r *Registry) Unbind(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[playerID]
	if !ok {
		return ErrNotFound
	}
	delete(r.participants, playerID)

	// Holders of a stale pointer check removed under p.mu.
	p.mu.Lock()
	p.removed = true
	p.mu.Unlock()

	r.logger.Info().Str("player", playerID).Msg("participant unbound")
	return nil
}

// Get returns a snapshot of one participant.
func (r *Registry) Get(playerID string) (Snapshot, bool) {
	p := r.lookup(playerID)
	if p == nil {
		return Snapshot{}, false
	}
	return p.read(), true
}

func (r *Registry) lookup(playerID string) *participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants[playerID]
}

// UpdateBulk replaces the position fields of every listed, bound
// participant. Unknown ids are skipped and reported. Participants absent
// from the batch are left untouched. When an id is listed twice the last
// entry wins.
func (r *Registry) UpdateBulk(snaps []PositionSnapshot) AckInfo {
	type job struct {
		p    *participant
		snap PositionSnapshot
	}

	last := make(map[string]int, len(snaps))
	for i, s := range snaps {
		last[s.PlayerID] = i
	}

	var ack AckInfo
	jobs := make([]job, 0, len(last))

	r.mu.RLock()
	for i, s := range snaps {
		if last[s.PlayerID] != i {
			continue
		}
		p, ok := r.participants[s.PlayerID]
		if !ok {
			ack.Unknown = append(ack.Unknown, s.PlayerID)
			continue
		}
		jobs = append(jobs, job{p: p, snap: s})
	}
	r.mu.RUnlock()

	now := time.Now()
	if r.opts.ParallelThreshold > 0 && len(jobs) > r.opts.ParallelThreshold && r.opts.Workers > 1 {
		var wg sync.WaitGroup
		ch := make(chan job)
		for w := 0; w < r.opts.Workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range ch {
					j.p.applyPosition(j.snap, now)
				}
			}()
		}
		for _, j := range jobs {
			ch <- j
		}
		close(ch)
		wg.Wait()
	} else {
		for _, j := range jobs {
			j.p.applyPosition(j.snap, now)
		}
	}

	ack.Applied = len(jobs)
	if len(ack.Unknown) > 0 {
		r.logger.Debug().Strs("unknown", ack.Unknown).Msg("update skipped unbound players")
	}
	return ack
}

// modify runs fn on one participant inside its critical section.
func (r *Registry) modify(playerID string, fn func(p *participant) error) error {
	p := r.lookup(playerID)
	if p == nil {
		return ErrNotFound
	}
	return p.mutate(fn)
}

// ModifyBitmask replaces the participant's bitmask with op(current) in one
// critical section and returns the result.
func (r *Registry) ModifyBitmask(playerID string, op func(bitmask.Word) bitmask.Word) (bitmask.Word, error) {
	var out bitmask.Word
	err := r.modify(playerID, func(p *participant) error {
		p.bitmask = op(p.bitmask)
		out = p.bitmask
		return nil
	})
	return out, err
}

// SetBitmask replaces the participant's bitmask and returns the result.
func (r *Registry) SetBitmask(playerID string, w bitmask.Word) (bitmask.Word, error) {
	return r.ModifyBitmask(playerID, func(bitmask.Word) bitmask.Word { return w })
}

// AndBitmask ANDs w into the participant's bitmask.
func (r *Registry) AndBitmask(playerID string, w bitmask.Word) (bitmask.Word, error) {
	return r.ModifyBitmask(playerID, func(cur bitmask.Word) bitmask.Word { return cur & w })
}

// OrBitmask ORs w into the participant's bitmask.
func (r *Registry) OrBitmask(playerID string, w bitmask.Word) (bitmask.Word, error) {
	return r.ModifyBitmask(playerID, func(cur bitmask.Word) bitmask.Word { return cur | w })
}

// XorBitmask XORs w into the participant's bitmask.
func (r *Registry) XorBitmask(playerID string, w bitmask.Word) (bitmask.Word, error) {
	return r.ModifyBitmask(playerID, func(cur bitmask.Word) bitmask.Word { return cur ^ w })
}

// GetBitmask returns the participant's bitmask.
func (r *Registry) GetBitmask(playerID string) (bitmask.Word, error) {
	p := r.lookup(playerID)
	if p == nil {
		return 0, ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed {
		return 0, ErrNotFound
	}
	return p.bitmask, nil
}

// SetMuted sets the server-forced mute flag.
func (r *Registry) SetMuted(playerID string, muted bool) error {
	return r.modify(playerID, func(p *participant) error {
		p.muted = muted
		return nil
	})
}

// SetDeafened sets the server-forced deafen flag.
func (r *Registry) SetDeafened(playerID string, deafened bool) error {
	return r.modify(playerID, func(p *participant) error {
		p.deafened = deafened
		return nil
	})
}

// MoveChannel puts the participant into channel channelID.
func (r *Registry) MoveChannel(playerID string, channelID int) error {
	if channelID < MinChannelID || channelID > MaxChannelID {
		return fmt.Errorf("%w: id %d is out of range %d-%d", ErrInvalidChannel, channelID, MinChannelID, MaxChannelID)
	}
	if r.channels != nil && !r.channels.Exists(channelID) {
		return fmt.Errorf("%w: channel %d does not exist", ErrInvalidChannel, channelID)
	}

	return r.modify(playerID, func(p *participant) error {
		if p.channelID == channelID {
			return ErrAlreadyInChannel
		}
		old := p.channelID
		p.channelID = channelID
		r.logger.Debug().
			Str("player", playerID).
			Int("from", old).
			Int("to", channelID).
			Msg("participant moved")
		return nil
	})
}

// MarkAllDisconnected flags every participant as disconnected. The next
// update that lists a participant reconnects it.
func (r *Registry) MarkAllDisconnected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.participants {
		p.mu.Lock()
		if p.connected {
			p.connected = false
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// List returns the bound player ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshots returns a copy of every participant, sorted by player id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	ps := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.read())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// Count returns the number of bound participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// AddPendingKey announces a binding key. playerID may be empty to accept
// the key from any player. Re-announcing a key replaces it.
func (r *Registry) AddPendingKey(key, playerID string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidBindingKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[key] = PendingKey{Key: key, PlayerID: playerID, CreatedAt: time.Now()}
	return nil
}

// PendingKeys returns the announced keys not yet consumed, oldest first.
func (r *Registry) PendingKeys() []PendingKey {
	r.mu.RLock()
	out := make([]PendingKey, 0, len(r.pending))
	for _, pk := range r.pending {
		out = append(out, pk)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PrunePendingKeys drops announced keys older than maxAge.
func (r *Registry) PrunePendingKeys(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, pk := range r.pending {
		if pk.CreatedAt.Before(cutoff) {
			delete(r.pending, k)
			n++
		}
	}
	return n
}
