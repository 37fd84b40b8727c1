package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/events"
)

// AuditLog records session, participant and settings events in SQLite.
type AuditLog struct {
	db *Database
}

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	PlayerID  string          `json:"player_id,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter narrows Recent. Zero values match everything.
type AuditFilter struct {
	Type     string
	PlayerID string
	Limit    int
}

// auditedEvents are persisted when the log is attached to a bus.
var auditedEvents = []events.EventType{
	events.EventSessionLogin,
	events.EventSessionLogout,
	events.EventSessionExpired,
	events.EventLoginFailed,
	events.EventParticipantBound,
	events.EventParticipantUnbound,
	events.EventParticipantModerated,
	events.EventChannelMoved,
	events.EventSettingsChanged,
}

// NewAuditLog opens the audit database and migrates its schema.
func NewAuditLog(dbPath string) (*AuditLog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	a := &AuditLog{db: database}
	if err := database.Migrate(context.Background(), auditMigrations); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return a, nil
}

// auditMigrations is the audit schema history. Append only.
var auditMigrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		player_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
	CREATE INDEX IF NOT EXISTS idx_audit_player ON audit_events(player_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at)`,
}

// Close closes the underlying database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Record appends one entry. A zero CreatedAt is stamped with the current time.
func (a *AuditLog) Record(e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := a.db.Exec(context.Background(),
		"INSERT INTO audit_events (type, player_id, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		e.Type, e.PlayerID, e.Actor, string(e.Detail), e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record audit event %s: %w", e.Type, err)
	}
	return nil
}

// RecordEvent converts a bus event into an audit entry and stores it.
func (a *AuditLog) RecordEvent(ev events.Event) error {
	entry := AuditEntry{Type: string(ev.Type)}

	switch p := ev.Payload.(type) {
	case events.ParticipantPayload:
		entry.PlayerID = p.PlayerID
	case events.ModerationPayload:
		entry.PlayerID = p.PlayerID
		entry.Actor = p.Actor
	case events.ChannelMovePayload:
		entry.PlayerID = p.PlayerID
	case events.SessionPayload:
		entry.Actor = p.RemoteAddr
	}

	if ev.Payload != nil {
		detail, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", ev.Type, err)
		}
		entry.Detail = detail
	}
	return a.Record(entry)
}

// Attach subscribes the audit log to every audited event type.
func (a *AuditLog) Attach(bus *events.EventBus) {
	bus.SubscribeMany(auditedEvents, "audit_log", func(ctx context.Context, ev events.Event) error {
		return a.RecordEvent(ev)
	})
}

// Recent returns the newest entries first.
func (a *AuditLog) Recent(f AuditFilter) ([]AuditEntry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	var (
		where []string
		args  []interface{}
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.PlayerID != "" {
		where = append(where, "player_id = ?")
		args = append(args, f.PlayerID)
	}

	query := "SELECT id, type, player_id, actor, detail, created_at FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := a.db.Query(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			detail  string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.PlayerID, &e.Actor, &detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries.
func (a *AuditLog) Count() (int, error) {
	var n int
	if err := a.db.QueryRow(context.Background(), "SELECT COUNT(*) FROM audit_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}

// CleanOld removes entries older than the given number of days.
func (a *AuditLog) CleanOld(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	var removed int64
	err := a.db.Transaction(context.Background(), func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM audit_events WHERE created_at < ?", cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean audit events: %w", err)
	}

	if removed > 0 {
		log.Info().Int64("removed", removed).Int("days", days).Msg("old audit events cleaned")
	}
	return removed, nil
}
