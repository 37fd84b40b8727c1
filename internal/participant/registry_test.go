package participant

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voicecraft-project/mccomm/internal/bitmask"
)

type fakeChannels map[int]bool

func (f fakeChannels) Exists(id int) bool { return f[id] }

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	return NewRegistry(fakeChannels{1: true, 2: true, 255: true}, opts)
}

func mustBind(t *testing.T, r *Registry, id string) {
	t.Helper()
	if err := r.Bind(id, id+"_tag", "key-"+id); err != nil {
		t.Fatalf("bind %s: %v", id, err)
	}
}

func TestBindAssignsDefaults(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")

	s, ok := r.Get("Steve")
	if !ok {
		t.Fatalf("expected Steve to be bound")
	}
	if s.Bitmask != bitmask.Default {
		t.Fatalf("expected default bitmask %#x, got %#x", bitmask.Default, s.Bitmask)
	}
	if s.ChannelID != LobbyChannel || !s.Connected || s.Muted || s.Deafened {
		t.Fatalf("unexpected initial state: %+v", s)
	}
	if s.Gamertag != "Steve_tag" {
		t.Fatalf("expected gamertag Steve_tag, got %q", s.Gamertag)
	}
}

func TestRebindRejectedWithoutOverwrite(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")
	if _, err := r.SetBitmask("Steve", bitmask.Talking2); err != nil {
		t.Fatalf("set bitmask: %v", err)
	}
	before, _ := r.Get("Steve")

	err := r.Bind("Steve", "Impostor", "other")
	if !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}

	after, _ := r.Get("Steve")
	if after != before {
		t.Fatalf("first participant changed: before %+v after %+v", before, after)
	}
}

func TestBindAfterUnbind(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Alex")
	if err := r.Unbind("Alex"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if err := r.Unbind("Alex"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unbind, got %v", err)
	}
	mustBind(t, r, "Alex")
}

func TestBindRejectsEmptyIdentity(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	if err := r.Bind("", "x", "k"); !errors.Is(err, ErrInvalidPlayerID) {
		t.Fatalf("expected ErrInvalidPlayerID, got %v", err)
	}
	if err := r.Bind("Steve", "x", ""); !errors.Is(err, ErrInvalidBindingKey) {
		t.Fatalf("expected ErrInvalidBindingKey for empty key, got %v", err)
	}
	if err := r.BindFake("npc", "Villager", ""); err != nil {
		t.Fatalf("fake without key should bind: %v", err)
	}
	s, _ := r.Get("npc")
	if !s.Fake {
		t.Fatalf("expected fake participant")
	}
}

func TestPendingKeys(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	if err := r.AddPendingKey("1234", "Steve"); err != nil {
		t.Fatalf("add pending key: %v", err)
	}

	if err := r.Bind("Alex", "Alex", "1234"); !errors.Is(err, ErrInvalidBindingKey) {
		t.Fatalf("key pending for Steve must not bind Alex, got %v", err)
	}
	if err := r.Bind("Steve", "Steve", "9999"); !errors.Is(err, ErrInvalidBindingKey) {
		t.Fatalf("Steve must use his announced key, got %v", err)
	}
	if err := r.Bind("Steve", "Steve", "1234"); err != nil {
		t.Fatalf("bind with announced key: %v", err)
	}
	if n := len(r.PendingKeys()); n != 0 {
		t.Fatalf("expected key to be consumed, %d left", n)
	}
}

func TestStrictBinding(t *testing.T) {
	opts := DefaultOptions()
	opts.StrictBinding = true
	r := newTestRegistry(t, opts)

	if err := r.Bind("Steve", "Steve", "42"); !errors.Is(err, ErrInvalidBindingKey) {
		t.Fatalf("expected unannounced key to be rejected, got %v", err)
	}
	if err := r.AddPendingKey("42", ""); err != nil {
		t.Fatalf("add pending key: %v", err)
	}
	if err := r.Bind("Steve", "Steve", "42"); err != nil {
		t.Fatalf("bind with open key: %v", err)
	}
}

func TestPrunePendingKeys(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	_ = r.AddPendingKey("a", "")
	if n := r.PrunePendingKeys(time.Hour); n != 0 {
		t.Fatalf("fresh key pruned")
	}
	if n := r.PrunePendingKeys(-time.Second); n != 1 {
		t.Fatalf("expected 1 pruned key, got %d", n)
	}
}

func TestUpdateBulk(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")
	mustBind(t, r, "Alex")

	ack := r.UpdateBulk([]PositionSnapshot{
		{PlayerID: "Steve", DimensionID: "overworld", Location: Location{X: 1, Y: 64, Z: 2}, EchoFactor: 0.5},
		{PlayerID: "Ghost", DimensionID: "nether"},
	})
	if ack.Applied != 1 {
		t.Fatalf("expected 1 applied, got %d", ack.Applied)
	}
	if len(ack.Unknown) != 1 || ack.Unknown[0] != "Ghost" {
		t.Fatalf("expected Ghost reported unknown, got %v", ack.Unknown)
	}

	s, _ := r.Get("Steve")
	if s.Position.Location.Y != 64 || s.Position.EchoFactor != 0.5 || s.Position.DimensionID != "overworld" {
		t.Fatalf("position not applied: %+v", s.Position)
	}

	// Wholesale replacement: fields missing from the next snapshot reset.
	r.UpdateBulk([]PositionSnapshot{{PlayerID: "Steve", DimensionID: "the_end"}})
	s, _ = r.Get("Steve")
	if s.Position.EchoFactor != 0 || s.Position.Location.Y != 0 {
		t.Fatalf("expected wholesale replacement, got %+v", s.Position)
	}

	a, _ := r.Get("Alex")
	if !a.UpdatedAt.IsZero() {
		t.Fatalf("unlisted participant was touched")
	}
}

func TestUpdateBulkDuplicateLastWins(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")
	r.UpdateBulk([]PositionSnapshot{
		{PlayerID: "Steve", Location: Location{X: 1}},
		{PlayerID: "Steve", Location: Location{X: 2}},
	})
	s, _ := r.Get("Steve")
	if s.Position.Location.X != 2 {
		t.Fatalf("expected last entry to win, got %v", s.Position.Location.X)
	}
}

func TestUpdateBulkParallel(t *testing.T) {
	opts := DefaultOptions()
	opts.ParallelThreshold = 8
	opts.Workers = 4
	r := newTestRegistry(t, opts)

	var snaps []PositionSnapshot
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("p%03d", i)
		mustBind(t, r, id)
		snaps = append(snaps, PositionSnapshot{PlayerID: id, Location: Location{X: float64(i)}})
	}

	ack := r.UpdateBulk(snaps)
	if ack.Applied != 100 {
		t.Fatalf("expected 100 applied, got %d", ack.Applied)
	}
	for i, id := range r.List() {
		s, _ := r.Get(id)
		if s.Position.Location.X != float64(i) {
			t.Fatalf("%s: expected x=%d, got %v", id, i, s.Position.Location.X)
		}
	}
}

func TestReconnectOnUpdate(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")
	if n := r.MarkAllDisconnected(); n != 1 {
		t.Fatalf("expected 1 disconnected, got %d", n)
	}
	if s, _ := r.Get("Steve"); s.Connected {
		t.Fatalf("expected disconnected")
	}
	r.UpdateBulk([]PositionSnapshot{{PlayerID: "Steve"}})
	if s, _ := r.Get("Steve"); !s.Connected {
		t.Fatalf("expected update to reconnect")
	}
}

func TestBitmaskOps(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")

	steps := []struct {
		name string
		op   func(string, bitmask.Word) (bitmask.Word, error)
		arg  bitmask.Word
		want bitmask.Word
	}{
		{"set", r.SetBitmask, 0x00F0, 0x00F0},
		{"or", r.OrBitmask, 0x0F00, 0x0FF0},
		{"and", r.AndBitmask, 0x0F0F, 0x0F00},
		{"xor", r.XorBitmask, 0xFFFF, 0xF0FF},
	}
	for _, st := range steps {
		got, err := st.op("Steve", st.arg)
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got != st.want {
			t.Fatalf("%s: expected %#x, got %#x", st.name, st.want, got)
		}
	}
	if w, _ := r.GetBitmask("Steve"); w != 0xF0FF {
		t.Fatalf("expected stored %#x, got %#x", 0xF0FF, w)
	}
	if _, err := r.OrBitmask("Nobody", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestModifyBitmask(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")

	got, err := r.ModifyBitmask("Steve", func(cur bitmask.Word) bitmask.Word {
		if cur != bitmask.Default {
			t.Errorf("expected current word %#x, got %#x", bitmask.Default, cur)
		}
		return cur.Without(bitmask.Talking1).With(bitmask.Talking3)
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	want := bitmask.Default.Without(bitmask.Talking1).With(bitmask.Talking3)
	if got != want {
		t.Fatalf("expected %#x, got %#x", want, got)
	}
	if _, err := r.ModifyBitmask("Nobody", func(w bitmask.Word) bitmask.Word { return w }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleRecordRejectedAfterUnbind(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")

	// A caller that looked the record up before Unbind still holds it.
	stale := r.lookup("Steve")
	if err := r.Unbind("Steve"); err != nil {
		t.Fatalf("unbind: %v", err)
	}

	called := false
	err := stale.mutate(func(p *participant) error {
		called = true
		p.muted = true
		return nil
	})
	if !errors.Is(err, ErrNotFound) || called {
		t.Fatalf("expected ErrNotFound without running the change, got err=%v called=%v", err, called)
	}

	mustBind(t, r, "Steve")
	if err := stale.mutate(func(p *participant) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale record should stay dead after rebind, got %v", err)
	}
	if s, _ := r.Get("Steve"); s.Muted {
		t.Fatalf("new record picked up a change made through the stale one")
	}
}

func TestModerationRacingUnbind(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())

	for round := 0; round < 50; round++ {
		mustBind(t, r, "Steve")

		var wg sync.WaitGroup
		results := make(chan error, 3)
		wg.Add(3)
		go func() { defer wg.Done(); results <- r.SetMuted("Steve", true) }()
		go func() { defer wg.Done(); _, err := r.XorBitmask("Steve", bitmask.Talking2); results <- err }()
		go func() { defer wg.Done(); results <- r.Unbind("Steve") }()
		wg.Wait()
		close(results)

		for err := range results {
			if err != nil && !errors.Is(err, ErrNotFound) {
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if r.Count() != 0 {
			t.Fatalf("round %d: participant survived unbind", round)
		}
	}
}

func TestConcurrentBitmaskAndUpdate(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")
	if _, err := r.SetBitmask("Steve", 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(bit int) {
			defer wg.Done()
			if _, err := r.OrBitmask("Steve", bitmask.Word(1)<<uint(bit)); err != nil {
				t.Errorf("or: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			r.UpdateBulk([]PositionSnapshot{{PlayerID: "Steve", Location: Location{X: float64(i)}}})
		}(i)
	}
	wg.Wait()

	w, _ := r.GetBitmask("Steve")
	if w != 0xFFFF {
		t.Fatalf("lost bitmask write: got %#x", w)
	}
}

func TestMuteDeafen(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")
	if err := r.SetMuted("Steve", true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := r.SetDeafened("Steve", true); err != nil {
		t.Fatalf("deafen: %v", err)
	}
	s, _ := r.Get("Steve")
	if !s.Muted || !s.Deafened {
		t.Fatalf("expected muted and deafened: %+v", s)
	}
	if err := r.SetMuted("Nobody", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveChannel(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	mustBind(t, r, "Steve")

	for _, id := range []int{0, 256, -1, 3} {
		if err := r.MoveChannel("Steve", id); !errors.Is(err, ErrInvalidChannel) {
			t.Fatalf("channel %d: expected ErrInvalidChannel, got %v", id, err)
		}
	}
	if err := r.MoveChannel("Steve", 255); err != nil {
		t.Fatalf("move to 255: %v", err)
	}
	if err := r.MoveChannel("Steve", 255); !errors.Is(err, ErrAlreadyInChannel) {
		t.Fatalf("expected ErrAlreadyInChannel, got %v", err)
	}
	if err := r.MoveChannel("Nobody", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s, _ := r.Get("Steve"); s.ChannelID != 255 {
		t.Fatalf("expected channel 255, got %d", s.ChannelID)
	}
}

func TestCanSpeak(t *testing.T) {
	base := Snapshot{Connected: true, Bitmask: bitmask.Default}
	if !base.CanSpeak() {
		t.Fatalf("default participant should speak")
	}

	cases := map[string]func(s *Snapshot){
		"muted":        func(s *Snapshot) { s.Muted = true },
		"deafened":     func(s *Snapshot) { s.Deafened = true },
		"disconnected": func(s *Snapshot) { s.Connected = false },
		"no talk bits": func(s *Snapshot) { s.Bitmask = s.Bitmask.Without(bitmask.TalkingMask) },
		"dead":         func(s *Snapshot) { s.Position.IsDead = true },
	}
	for name, mut := range cases {
		s := base
		mut(&s)
		if s.CanSpeak() {
			t.Fatalf("%s: expected silent", name)
		}
	}

	dead := base
	dead.Position.IsDead = true
	dead.Bitmask = dead.Bitmask.Without(bitmask.DeathEnabled)
	if !dead.CanSpeak() {
		t.Fatalf("dead player with death effect disabled should speak")
	}
}

func TestListSorted(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	for _, id := range []string{"c", "a", "b"} {
		mustBind(t, r, id)
	}
	got := fmt.Sprint(r.List())
	if got != "[a b c]" {
		t.Fatalf("expected sorted list, got %s", got)
	}
	if r.Count() != 3 || len(r.Snapshots()) != 3 {
		t.Fatalf("count mismatch")
	}
}
