package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/session"
	"github.com/voicecraft-project/mccomm/internal/update"
)

func newTestScheduler(t *testing.T, bus *events.EventBus) (*Scheduler, Deps) {
	t.Helper()
	store, err := channel.NewStore(channel.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := participant.NewRegistry(store, participant.DefaultOptions())
	up := update.NewHandler(reg, 0)
	sm := session.NewManager(session.Options{LoginKey: "k", IdleTimeout: time.Millisecond}, reg, store, up, nil)

	deps := Deps{Sessions: sm, Registry: reg, Updates: up}
	return NewScheduler(config.DefaultConfig(), bus, deps), deps
}

func TestPublishStats(t *testing.T) {
	bus := events.NewEventBus()
	s, deps := newTestScheduler(t, bus)
	if err := deps.Registry.Bind("Steve", "Steve", "1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	var (
		mu  sync.Mutex
		got []events.StatsPayload
	)
	bus.Subscribe(events.EventStats, "test", func(ctx context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(events.StatsPayload))
		return nil
	})

	s.publishStats()
	bus.Stop()

	if len(got) != 1 || got[0].Participants != 1 || got[0].Session != events.SessionUnauthenticated {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestPrunePendingKeys(t *testing.T) {
	s, deps := newTestScheduler(t, nil)
	_ = deps.Registry.AddPendingKey("old", "")
	s.prunePendingKeys(-time.Second)
	if len(deps.Registry.PendingKeys()) != 0 {
		t.Fatalf("expected pending key pruned")
	}
}

func TestEveryRecoversPanics(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu    sync.Mutex
		calls int
	)
	done := make(chan struct{})
	go func() {
		s.every(ctx, "boom", time.Millisecond, func() {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			panic("boom")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not keep running after panics")
	}
	cancel()
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:             "512 B",
		2048:            "2.00 KB",
		5 * 1024 * 1024: "5.00 MB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("%d: expected %q, got %q", in, want, got)
		}
	}
}
