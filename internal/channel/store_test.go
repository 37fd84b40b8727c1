package channel

import (
	"errors"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(DefaultSettings(), []Channel{
		{ID: 3, Name: "Mine"},
		{ID: 1, Name: "Lobby"},
		{ID: 255, Name: "Secret", Password: "pw", Hidden: true,
			Override: &Settings{ProximityDistance: 10, ProximityEnabled: true}},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestListOrderedByID(t *testing.T) {
	s := newTestStore(t)
	list := s.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(list))
	}
	for i, want := range []int{1, 3, 255} {
		if list[i].ID != want {
			t.Fatalf("position %d: expected id %d, got %d", i, want, list[i].ID)
		}
	}
}

func TestNewStoreValidation(t *testing.T) {
	bad := [][]Channel{
		{{ID: 0}},
		{{ID: 256}},
		{{ID: 1}, {ID: 1}},
		{{ID: 1, Override: &Settings{ProximityDistance: 61}}},
	}
	for i, chans := range bad {
		if _, err := NewStore(DefaultSettings(), chans); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := NewStore(Settings{ProximityDistance: 0}, nil); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected invalid default to be rejected, got %v", err)
	}
}

func TestEffectiveSettings(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetEffectiveSettings(1)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if got != DefaultSettings() {
		t.Fatalf("expected default for channel without override, got %+v", got)
	}

	override := Settings{ProximityDistance: 12, ProximityEnabled: false, VoiceEffectsEnabled: true}
	if err := s.SetOverride(1, override, false); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if got, _ := s.GetEffectiveSettings(1); got != override {
		t.Fatalf("expected override round trip, got %+v", got)
	}

	newDefault := Settings{ProximityDistance: 40, ProximityEnabled: true}
	if err := s.SetDefault(newDefault); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if err := s.SetOverride(1, Settings{}, true); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if got, _ := s.GetEffectiveSettings(1); got != newDefault {
		t.Fatalf("expected current default after clear, got %+v", got)
	}

	if got, _ := s.GetEffectiveSettings(LobbyID); got != newDefault {
		t.Fatalf("expected lobby to resolve to default, got %+v", got)
	}
}

func TestChannelIDBoundaries(t *testing.T) {
	s := newTestStore(t)
	valid := Settings{ProximityDistance: 20}

	for _, id := range []int{0, 256, 2} {
		if err := s.SetOverride(id, valid, false); !errors.Is(err, ErrInvalidChannel) {
			t.Fatalf("channel %d: expected ErrInvalidChannel, got %v", id, err)
		}
	}
	for _, id := range []int{256, -3, 7} {
		if _, err := s.GetEffectiveSettings(id); !errors.Is(err, ErrInvalidChannel) {
			t.Fatalf("channel %d: expected ErrInvalidChannel, got %v", id, err)
		}
	}
}

func TestProximityBoundaries(t *testing.T) {
	s := newTestStore(t)

	for _, d := range []int{0, 61} {
		if err := s.SetOverride(1, Settings{ProximityDistance: d}, false); !errors.Is(err, ErrInvalidSettings) {
			t.Fatalf("distance %d: expected ErrInvalidSettings, got %v", d, err)
		}
		if err := s.SetDefault(Settings{ProximityDistance: d}); !errors.Is(err, ErrInvalidSettings) {
			t.Fatalf("default distance %d: expected ErrInvalidSettings, got %v", d, err)
		}
	}
	for _, d := range []int{1, 60} {
		if err := s.SetOverride(1, Settings{ProximityDistance: d}, false); err != nil {
			t.Fatalf("distance %d: %v", d, err)
		}
		if got, _ := s.GetEffectiveSettings(1); got.ProximityDistance != d {
			t.Fatalf("expected distance %d, got %d", d, got.ProximityDistance)
		}
	}

	// rejected writes leave the previous value in place
	if got := s.GetDefault(); got != DefaultSettings() {
		t.Fatalf("default changed by rejected writes: %+v", got)
	}
}

func TestClearIgnoresSettings(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetOverride(255, Settings{ProximityDistance: 999}, true); err != nil {
		t.Fatalf("clear with junk settings: %v", err)
	}
	ch, _ := s.Get(255)
	if ch.Override != nil {
		t.Fatalf("expected override cleared")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ch, ok := s.Get(255)
	if !ok {
		t.Fatalf("expected channel 255")
	}
	ch.Override.ProximityDistance = 59

	again, _ := s.Get(255)
	if again.Override.ProximityDistance != 10 {
		t.Fatalf("store mutated through returned channel")
	}
	if !s.Exists(3) || s.Exists(4) {
		t.Fatalf("exists mismatch")
	}
}

func TestConcurrentOverrideReads(t *testing.T) {
	s := newTestStore(t)
	a := Settings{ProximityDistance: 5, ProximityEnabled: true, VoiceEffectsEnabled: true}
	b := Settings{ProximityDistance: 50}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				next := a
				if (i+j)%2 == 0 {
					next = b
				}
				if err := s.SetOverride(3, next, false); err != nil {
					t.Errorf("set: %v", err)
					return
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, err := s.GetEffectiveSettings(3)
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
				if got != a && got != b && got != DefaultSettings() {
					t.Errorf("torn settings read: %+v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
