package db

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicecraft-project/mccomm/internal/events"
)

func newTestAudit(t *testing.T) *AuditLog {
	t.Helper()
	a, err := NewAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndRecent(t *testing.T) {
	a := newTestAudit(t)

	if err := a.RecordEvent(events.Event{
		Type:    events.EventParticipantModerated,
		Payload: events.ModerationPayload{PlayerID: "Steve", Action: events.ActionMute, Actor: "admin"},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := a.RecordEvent(events.Event{
		Type:    events.EventParticipantBound,
		Payload: events.ParticipantPayload{PlayerID: "Alex", Gamertag: "Alex"},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := a.Recent(AuditFilter{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 2 || all[0].PlayerID != "Alex" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	steve, err := a.Recent(AuditFilter{PlayerID: "Steve"})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(steve) != 1 || steve[0].Actor != "admin" {
		t.Fatalf("unexpected filter result: %+v", steve)
	}

	var detail events.ModerationPayload
	if err := json.Unmarshal(steve[0].Detail, &detail); err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Action != events.ActionMute {
		t.Fatalf("expected mute action in detail, got %q", detail.Action)
	}
}

func TestCleanOld(t *testing.T) {
	a := newTestAudit(t)
	_ = a.Record(AuditEntry{Type: "old", CreatedAt: time.Now().AddDate(0, 0, -40)})
	_ = a.Record(AuditEntry{Type: "new"})

	removed, err := a.CleanOld(30)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if n, _ := a.Count(); n != 1 {
		t.Fatalf("expected 1 left, got %d", n)
	}
}

func TestAttach(t *testing.T) {
	a := newTestAudit(t)
	bus := events.NewEventBus()
	a.Attach(bus)

	bus.Emit(testContext(t), events.Event{
		Type:    events.EventSessionLogin,
		Payload: events.SessionPayload{RemoteAddr: "10.0.0.1:5000"},
	})
	bus.Stop()

	entries, err := a.Recent(AuditFilter{Type: string(events.EventSessionLogin)})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "10.0.0.1:5000" {
		t.Fatalf("expected login recorded, got %+v", entries)
	}
}
