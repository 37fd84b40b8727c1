// Package health runs periodic self-checks of the MCComm process: disk
// space under the audit database, process resource usage, and whether the
// addon's session and update stream look alive.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/session"
	"github.com/voicecraft-project/mccomm/internal/update"
	"github.com/voicecraft-project/mccomm/internal/util"
)

// Check levels, worst last.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Thresholds.
const (
	diskWarnPercent     = 90
	diskCriticalPercent = 98
	maxGoroutines       = 10000
	// staleUpdateAfter flags an authenticated session with bound
	// participants whose update stream has stopped.
	staleUpdateAfter = 10 * time.Second
)

// Result is the outcome of one check.
type Result struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the aggregate of the latest results.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

// Participants reports how many participants are bound.
type Participants interface {
	Count() int
}

// Manager runs the health checks on a ticker and keeps the latest report.
type Manager struct {
	cfg          *config.Config
	eventBus     *events.EventBus
	sessions     *session.Manager
	updates      *update.Handler
	participants Participants

	mu      sync.RWMutex
	results map[string]Result
	status  string

	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, sessions *session.Manager,
	updates *update.Handler, participants Participants) *Manager {
	return &Manager{
		cfg:          cfg,
		eventBus:     eventBus,
		sessions:     sessions,
		updates:      updates,
		participants: participants,
		results:      make(map[string]Result),
		status:       StatusOK,
		now:          time.Now,
		logger:       util.ComponentLogger("health"),
	}
}

type check struct {
	name string
	fn   func() Result
}

func (m *Manager) checks() []check {
	return []check{
		{"disk", m.checkDisk},
		{"resources", m.checkResources},
		{"update_stream", m.checkUpdateStream},
	}
}

// Start runs every check immediately and then on the configured interval
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.GetApplicationData().Timers.HealthCheckInterval
	if interval <= 0 {
		m.logger.Info().Msg("health checks disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	m.logger.Info().Int("interval_sec", interval).Msg("health check manager started")
	m.RunOnce()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// RunOnce executes every check and publishes a health_changed event when
// the overall status moves.
func (m *Manager) RunOnce() Report {
	results := make(map[string]Result)
	for _, c := range m.checks() {
		r := c.fn()
		results[c.name] = r
		if r.Status != StatusOK {
			m.logger.Warn().Str("check", c.name).Str("status", r.Status).Msg(r.Message)
		}
	}

	overall, failing := summarize(results)

	m.mu.Lock()
	previous := m.status
	m.results = results
	m.status = overall
	m.mu.Unlock()

	if overall != previous && m.eventBus != nil {
		m.eventBus.Emit(context.Background(), events.Event{
			Type:    events.EventHealthChanged,
			Source:  "health_check",
			Payload: events.HealthPayload{Status: overall, Failing: failing},
		})
	}
	return Report{Status: overall, Checks: results}
}

// Report returns the latest results.
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	checks := make(map[string]Result, len(m.results))
	for k, v := range m.results {
		checks[k] = v
	}
	return Report{Status: m.status, Checks: checks}
}

var severity = map[string]int{StatusOK: 0, StatusWarning: 1, StatusCritical: 2}

func summarize(results map[string]Result) (string, []string) {
	overall := StatusOK
	var failing []string
	for name, r := range results {
		if r.Status != StatusOK {
			failing = append(failing, name)
		}
		if severity[r.Status] > severity[overall] {
			overall = r.Status
		}
	}
	sort.Strings(failing)
	return overall, failing
}

// checkDisk watches the volume holding the audit database.
func (m *Manager) checkDisk() Result {
	app := m.cfg.GetApplicationData()
	if !app.Audit.Enabled {
		return m.result(StatusOK, "audit disabled")
	}

	dir := filepath.Dir(app.Audit.DBPath)
	if !util.FileExists(dir) {
		dir = "."
	}
	usage, err := util.GetDiskUsage(dir)
	if err != nil {
		return m.result(StatusWarning, fmt.Sprintf("disk usage unavailable: %v", err))
	}

	msg := fmt.Sprintf("disk usage at %.1f%% (%d GB free of %d GB total)", usage.UsedPercent, usage.Free, usage.Total)
	switch {
	case usage.UsedPercent >= diskCriticalPercent:
		return m.result(StatusCritical, msg)
	case usage.UsedPercent >= diskWarnPercent:
		return m.result(StatusWarning, msg)
	}
	return m.result(StatusOK, msg)
}

// checkResources flags goroutine leaks.
func (m *Manager) checkResources() Result {
	u := util.GetResourceUsage()
	msg := fmt.Sprintf("%d goroutines, %d MB RSS", u.Goroutines, u.ProcessRSSMB)
	if u.Goroutines > maxGoroutines {
		return m.result(StatusWarning, msg)
	}
	return m.result(StatusOK, msg)
}

// checkUpdateStream flags a live session with bound participants that has
// stopped sending position updates.
func (m *Manager) checkUpdateStream() Result {
	st := m.sessions.Status()
	if st.State != events.SessionAuthenticated {
		return m.result(StatusOK, "no session")
	}
	if m.participants.Count() == 0 {
		return m.result(StatusOK, "no participants")
	}

	last := m.updates.Stats().LastCycleAt
	if last.IsZero() {
		last = st.CreatedAt
	}
	if age := m.now().Sub(last); age > staleUpdateAfter {
		return m.result(StatusWarning, fmt.Sprintf("no update cycle for %s", age.Round(time.Second)))
	}
	return m.result(StatusOK, "updates flowing")
}

func (m *Manager) result(status, msg string) Result {
	return Result{Status: status, Message: msg, CheckedAt: m.now()}
}
