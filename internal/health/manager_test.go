package health

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

func newTestManager(t *testing.T, bus *events.EventBus) (*Manager, *session.Manager, *participant.Registry) {
	t.Helper()
	store, err := channel.NewStore(channel.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := participant.NewRegistry(store, participant.DefaultOptions())
	up := update.NewHandler(reg, 0)
	sm := session.NewManager(session.Options{LoginKey: "k"}, reg, store, up, nil)

	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.Audit.Enabled = false
	cfg.SetApplicationData(app)

	return NewManager(cfg, bus, sm, up, reg), sm, reg
}

func TestSummarize(t *testing.T) {
	status, failing := summarize(map[string]Result{
		"a": {Status: StatusOK},
		"b": {Status: StatusCritical},
		"c": {Status: StatusWarning},
	})
	if status != StatusCritical {
		t.Fatalf("expected critical, got %s", status)
	}
	if len(failing) != 2 || failing[0] != "b" || failing[1] != "c" {
		t.Fatalf("unexpected failing list %v", failing)
	}
}

func TestIdleHealthy(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	r := m.RunOnce()
	if got := r.Checks["update_stream"].Status; got != StatusOK {
		t.Fatalf("expected ok without a session, got %s", got)
	}
	if _, ok := m.Report().Checks["disk"]; !ok {
		t.Fatalf("report missing disk check")
	}
}

func TestStaleUpdateStream(t *testing.T) {
	bus := events.NewEventBus()
	var (
		mu   sync.Mutex
		seen []events.HealthPayload
	)
	bus.Subscribe(events.EventHealthChanged, "test", func(ctx context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Payload.(events.HealthPayload))
		return nil
	})

	m, sm, reg := newTestManager(t, bus)
	sm.Handle(testContext(t), "127.0.0.1", []byte(`{"PacketId":0,"LoginKey":"k"}`))
	if sm.Status().State != events.SessionAuthenticated {
		t.Fatalf("login failed")
	}
	if err := reg.Bind("Steve", "Steve", "1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	r := m.RunOnce()
	if got := r.Checks["update_stream"].Status; got != StatusWarning {
		t.Fatalf("expected warning for stale stream, got %s (%s)", got, r.Checks["update_stream"].Message)
	}

	bus.Stop()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Status != StatusWarning {
		t.Fatalf("expected one health_changed event, got %+v", seen)
	}
}
