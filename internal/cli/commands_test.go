package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/session"
	"github.com/voicecraft-project/mccomm/internal/update"
)

func newTestCLI(t *testing.T) (*CLI, *bytes.Buffer) {
	t.Helper()
	t.Setenv(config.EnvLoginKey, "")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	store, err := channel.NewStore(channel.DefaultSettings(), []channel.Channel{{ID: 1, Name: "Main"}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := participant.NewRegistry(store, participant.DefaultOptions())
	sm := session.NewManager(session.Options{LoginKey: "k"}, reg, store, update.NewHandler(reg, 0), nil)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	var out bytes.Buffer
	c := NewCLI(cfg, bus, sm, reg, store, nil)
	c.out = &out
	return c, &out
}

func TestParticipantsTable(t *testing.T) {
	c, out := newTestCLI(t)
	if err := c.registry.Bind("p1", "Steve", "key-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := c.execute(testContext(t), "participants", nil); err != nil {
		t.Fatalf("participants: %v", err)
	}
	if !strings.Contains(out.String(), "Steve") || !strings.Contains(out.String(), "0x087F") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestModerationCommands(t *testing.T) {
	c, _ := newTestCLI(t)
	ctx := context.Background()
	if err := c.registry.Bind("p1", "Steve", "key-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := c.execute(ctx, "mute", []string{"p1"}); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if p, _ := c.registry.Get("p1"); !p.Muted {
		t.Fatalf("expected p1 muted")
	}

	if err := c.execute(ctx, "move", []string{"p1", "1"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if p, _ := c.registry.Get("p1"); p.ChannelID != 1 {
		t.Fatalf("expected channel 1, got %d", p.ChannelID)
	}
	if err := c.execute(ctx, "move", []string{"p1", "9"}); err == nil {
		t.Fatalf("expected error moving to unknown channel")
	}

	if err := c.execute(ctx, "kick", []string{"p1"}); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if c.registry.Count() != 0 {
		t.Fatalf("expected p1 removed")
	}
	if err := c.execute(ctx, "mute", []string{"p1"}); err == nil {
		t.Fatalf("expected error for unknown participant")
	}
}

func TestAddKeyAndPending(t *testing.T) {
	c, out := newTestCLI(t)
	if err := c.execute(testContext(t), "addkey", []string{"abc", "p1"}); err != nil {
		t.Fatalf("addkey: %v", err)
	}
	out.Reset()
	c.printPending()
	if !strings.Contains(out.String(), "abc") {
		t.Fatalf("pending key missing:\n%s", out.String())
	}
}

func TestSetConfigTypedValue(t *testing.T) {
	c, _ := newTestCLI(t)
	if err := c.execute(testContext(t), "setconfig", []string{"listen_port", "9100"}); err != nil {
		t.Fatalf("setconfig: %v", err)
	}
	if got := c.cfg.GetMCComm().ListenPort; got != 9100 {
		t.Fatalf("expected 9100, got %d", got)
	}
	if err := c.execute(testContext(t), "setconfig", []string{"no_such_field", "1"}); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestAuditDisabled(t *testing.T) {
	c, _ := newTestCLI(t)
	if err := c.execute(testContext(t), "audit", nil); err == nil {
		t.Fatalf("expected error with audit disabled")
	}
}
