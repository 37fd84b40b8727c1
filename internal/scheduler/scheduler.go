// Package scheduler runs the periodic MCComm housekeeping tasks: idle
// session reaping, pending binding key expiry, status publishing and audit
// log retention.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/db"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/session"
	"github.com/voicecraft-project/mccomm/internal/update"
	"github.com/voicecraft-project/mccomm/internal/util"
)

// Deps are the components the scheduler works on. Audit may be nil.
type Deps struct {
	Sessions *session.Manager
	Registry *participant.Registry
	Updates  *update.Handler
	Audit    *db.AuditLog
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	deps     Deps
	logger   zerolog.Logger
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		deps:     deps,
		logger:   util.ComponentLogger("scheduler"),
	}
}

// Start runs every task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	timers := s.cfg.GetApplicationData().Timers
	audit := s.cfg.GetApplicationData().Audit
	mc := s.cfg.GetMCComm()

	s.logger.Info().Msg("scheduler started")

	var wg sync.WaitGroup
	run := func(name string, interval int, task func()) {
		if interval <= 0 {
			s.logger.Debug().Str("task", name).Msg("task disabled")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.every(ctx, name, time.Duration(interval)*time.Second, task)
		}()
	}

	run("session_reaper", timers.SessionReapInterval, s.reapSessions)
	run("stats", timers.StatsPublishInterval, s.publishStats)
	if mc.PendingKeyTTLSec > 0 {
		ttl := time.Duration(mc.PendingKeyTTLSec) * time.Second
		run("pending_keys", timers.PendingKeyPruneInterval, func() { s.prunePendingKeys(ttl) })
	}
	if s.deps.Audit != nil && audit.Enabled {
		run("audit_cleanup", timers.AuditCleanupInterval, func() { s.cleanAudit(audit.RetentionDays) })
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// every runs task on a ticker. A panicking task is logged and the loop
// keeps going.
func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error().Str("task", name).Interface("panic", r).Msg("scheduled task panicked")
					}
				}()
				task()
			}()
		}
	}
}

// reapSessions closes the session slot when it has gone idle.
func (s *Scheduler) reapSessions() {
	if s.deps.Sessions.Reap() {
		s.logger.Info().Msg("idle session reaped")
	}
}

// prunePendingKeys drops announced binding keys older than ttl.
func (s *Scheduler) prunePendingKeys(ttl time.Duration) {
	if n := s.deps.Registry.PrunePendingKeys(ttl); n > 0 {
		s.logger.Debug().Int("expired", n).Msg("pending binding keys expired")
	}
}

// publishStats emits a status snapshot on the bus.
func (s *Scheduler) publishStats() {
	st := s.collectStats()
	if s.eventBus != nil {
		s.eventBus.Emit(context.Background(), events.Event{
			Type:    events.EventStats,
			Source:  "scheduler",
			Payload: st,
		})
	}

	ev := s.logger.Debug().
		Str("session", st.Session.String()).
		Int("participants", st.Participants).
		Int("speaking", st.Speaking).
		Uint64("update_cycles", st.UpdateCycles)
	if s.deps.Audit != nil {
		if fi, err := os.Stat(s.cfg.GetApplicationData().Audit.DBPath); err == nil {
			ev = ev.Str("audit_db_size", formatBytes(fi.Size()))
		}
	}
	ev.Msg("stats published")
}

func (s *Scheduler) collectStats() events.StatsPayload {
	up := s.deps.Updates.Stats()
	return events.StatsPayload{
		Session:      s.deps.Sessions.Status().State,
		Participants: s.deps.Registry.Count(),
		Speaking:     up.LastSpeaking,
		UpdateCycles: up.Cycles,
	}
}

// cleanAudit enforces audit log retention.
func (s *Scheduler) cleanAudit(days int) {
	if _, err := s.deps.Audit.CleanOld(days); err != nil {
		s.logger.Warn().Err(err).Msg("audit cleanup failed")
	}
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
