package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/db"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/session"
	"github.com/voicecraft-project/mccomm/internal/update"
)

const (
	testLoginKey  = "abc123"
	testJWTSecret = "0123456789abcdef0123456789abcdef"
)

type testEnv struct {
	server *Server
	mccomm http.Handler
	admin  http.Handler
	deps   Deps
}

func newTestEnv(t *testing.T, authDisabled bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv(config.EnvLoginKey, "")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	mc := cfg.GetMCComm()
	mc.LoginKey = testLoginKey
	cfg.SetMCComm(mc)

	app := cfg.GetApplicationData()
	app.Security.AuthDisabled = authDisabled
	app.Security.JWTSecret = testJWTSecret
	cfg.SetApplicationData(app)

	store, err := channel.NewStore(channel.DefaultSettings(), []channel.Channel{{ID: 1, Name: "Main"}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := participant.NewRegistry(store, participant.DefaultOptions())
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	audit, err := db.NewAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	sm := session.NewManager(session.Options{
		LoginKey:       testLoginKey,
		RequestTimeout: session.DefaultRequestTimeout,
	}, reg, store, update.NewHandler(reg, 0), bus)

	deps := Deps{Sessions: sm, Registry: reg, Channels: store, Audit: audit}
	s := NewServer(cfg, bus, deps)
	return &testEnv{
		server: s,
		mccomm: s.buildMCCommRouter(),
		admin:  s.buildRouter(),
		deps:   deps,
	}
}

// send posts one MCComm packet and decodes the response envelope.
func (e *testEnv) send(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.mccomm.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
	return out
}

func packetID(t *testing.T, resp map[string]interface{}) int {
	t.Helper()
	id, ok := resp["PacketId"].(float64)
	if !ok {
		t.Fatalf("response without PacketId: %v", resp)
	}
	return int(id)
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp := e.send(t, `{"PacketId":0,"LoginKey":"`+testLoginKey+`"}`)
	if packetID(t, resp) != 1 {
		t.Fatalf("expected Accept, got %v", resp)
	}
	token, _ := resp["Token"].(string)
	if token == "" {
		t.Fatalf("Accept without token: %v", resp)
	}
	return token
}

func TestBindAndUpdateReportsSpeaker(t *testing.T) {
	e := newTestEnv(t, true)
	token := e.login(t)

	resp := e.send(t, `{"PacketId":3,"Token":"`+token+`","Gamertag":"Steve","PlayerKey":"42"}`)
	if packetID(t, resp) != 1 {
		t.Fatalf("bind: expected Accept, got %v", resp)
	}

	resp = e.send(t, `{"PacketId":4,"Token":"`+token+`","Players":[`+
		`{"PlayerId":"Steve","DimensionId":"overworld","Location":{"x":0,"y":64,"z":0}}]}`)
	if packetID(t, resp) != 5 {
		t.Fatalf("update: expected AckUpdate, got %v", resp)
	}
	speaking, _ := resp["SpeakingPlayers"].([]interface{})
	if len(speaking) != 1 || speaking[0] != "Steve" {
		t.Fatalf("expected [Steve] speaking, got %v", resp["SpeakingPlayers"])
	}
}

func TestDefaultSettingsRoundTrip(t *testing.T) {
	e := newTestEnv(t, true)
	token := e.login(t)

	resp := e.send(t, `{"PacketId":10,"Token":"`+token+`","ProximityDistance":40,"ProximityToggle":true,"VoiceEffects":false}`)
	if packetID(t, resp) != 1 {
		t.Fatalf("set default: expected Accept, got %v", resp)
	}

	resp = e.send(t, `{"PacketId":9,"Token":"`+token+`"}`)
	if packetID(t, resp) != 9 {
		t.Fatalf("get default: unexpected %v", resp)
	}
	if resp["ProximityDistance"] != float64(40) || resp["ProximityToggle"] != true || resp["VoiceEffects"] != false {
		t.Fatalf("unexpected settings: %v", resp)
	}
}

func TestWrongKeyThenUnauthorized(t *testing.T) {
	e := newTestEnv(t, true)

	resp := e.send(t, `{"PacketId":0,"LoginKey":"nope"}`)
	if packetID(t, resp) != 2 || resp["Reason"] == "" {
		t.Fatalf("expected Deny with reason, got %v", resp)
	}

	resp = e.send(t, `{"PacketId":3,"Token":"made-up","Gamertag":"Steve","PlayerKey":"42"}`)
	if packetID(t, resp) != 2 || resp["Reason"] != session.ReasonUnauthorized {
		t.Fatalf("expected Deny unauthorized, got %v", resp)
	}
	if e.deps.Registry.Count() != 0 {
		t.Fatalf("registry changed by unauthorized request")
	}
}

func TestSupersededTokenRejected(t *testing.T) {
	e := newTestEnv(t, true)
	first := e.login(t)
	second := e.login(t)
	if first == second {
		t.Fatalf("expected token rotation")
	}

	resp := e.send(t, `{"PacketId":19,"Token":"`+first+`"}`)
	if packetID(t, resp) != 2 {
		t.Fatalf("expected Deny for superseded token, got %v", resp)
	}
	resp = e.send(t, `{"PacketId":19,"Token":"`+second+`"}`)
	if packetID(t, resp) != 19 {
		t.Fatalf("expected GetParticipants, got %v", resp)
	}
}

func TestUnreadableBodyAnsweredInBand(t *testing.T) {
	e := newTestEnv(t, true)

	for _, body := range []string{"", "{not json", `{"PacketId":77}`} {
		resp := e.send(t, body)
		if packetID(t, resp) != 2 || resp["Reason"] == "" {
			t.Fatalf("body %q: expected Deny, got %v", body, resp)
		}
	}

	big := `{"PacketId":0,"LoginKey":"` + strings.Repeat("a", 2<<20) + `"}`
	resp := e.send(t, big)
	if resp["Reason"] != session.ReasonTooLarge {
		t.Fatalf("expected too large Deny, got %v", resp)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.admin.ServeHTTP(rec, req)
	return rec
}

func TestAdminAuth(t *testing.T) {
	e := newTestEnv(t, false)

	if rec := e.do(t, http.MethodGet, "/api/public/ping", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ping: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/monitor/participants", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	monitor, err := IssueToken(testJWTSecret, "mccomm", "ops", []string{PermMonitor}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if rec := e.do(t, http.MethodGet, "/api/monitor/participants", monitor, nil); rec.Code != http.StatusOK {
		t.Fatalf("monitor token: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, http.MethodPost, "/api/control/mute/Steve", monitor, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for control with monitor token, got %d", rec.Code)
	}

	forged, _ := IssueToken("another-secret-another-secret-xx", "mccomm", "ops", []string{PermConfigure}, time.Minute)
	if rec := e.do(t, http.MethodGet, "/api/monitor/session", forged, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", rec.Code)
	}

	expired, _ := IssueToken(testJWTSecret, "mccomm", "ops", []string{PermMonitor}, -time.Minute)
	if rec := e.do(t, http.MethodGet, "/api/monitor/session", expired, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestAdminModeration(t *testing.T) {
	e := newTestEnv(t, false)
	control, err := IssueToken(testJWTSecret, "mccomm", "ops", []string{PermControl}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := e.deps.Registry.Bind("Steve", "Steve", "42"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if rec := e.do(t, http.MethodPost, "/api/control/mute/Steve", control, nil); rec.Code != http.StatusOK {
		t.Fatalf("mute: %d %s", rec.Code, rec.Body.String())
	}
	if p, _ := e.deps.Registry.Get("Steve"); !p.Muted {
		t.Fatalf("expected Steve muted")
	}

	// control implies monitor
	if rec := e.do(t, http.MethodGet, "/api/monitor/participants/Steve", control, nil); rec.Code != http.StatusOK {
		t.Fatalf("get participant: %d", rec.Code)
	}

	if rec := e.do(t, http.MethodPost, "/api/control/move/Steve", control, gin.H{"channel_id": 1}); rec.Code != http.StatusOK {
		t.Fatalf("move: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, http.MethodPost, "/api/control/move/Steve", control, gin.H{"channel_id": 1}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeated move, got %d", rec.Code)
	}

	if rec := e.do(t, http.MethodPost, "/api/control/disconnect/Steve", control, nil); rec.Code != http.StatusOK {
		t.Fatalf("disconnect: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/control/mute/Steve", control, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after disconnect, got %d", rec.Code)
	}

	rec := e.do(t, http.MethodPost, "/api/control/pending_keys", control, gin.H{"player_id": "Alex"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("pending key: %d %s", rec.Code, rec.Body.String())
	}
	if keys := e.deps.Registry.PendingKeys(); len(keys) != 1 || keys[0].PlayerID != "Alex" {
		t.Fatalf("unexpected pending keys: %+v", keys)
	}
}

func TestAdminChannelSettings(t *testing.T) {
	e := newTestEnv(t, true)

	rec := e.do(t, http.MethodPost, "/api/configure/channels/1/settings", "", gin.H{
		"proximity_distance": 12, "proximity_enabled": true, "voice_effects_enabled": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set override: %d %s", rec.Code, rec.Body.String())
	}
	eff, _ := e.deps.Channels.GetEffectiveSettings(1)
	if eff.ProximityDistance != 12 {
		t.Fatalf("override not applied: %+v", eff)
	}

	rec = e.do(t, http.MethodPost, "/api/configure/channels/1/settings", "", gin.H{"proximity_distance": 61})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range distance, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/api/configure/channels/9/settings", "", gin.H{"proximity_distance": 10})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown channel, got %d", rec.Code)
	}
}

func TestAdminConfigRedactsSecrets(t *testing.T) {
	e := newTestEnv(t, true)
	rec := e.do(t, http.MethodGet, "/api/configure/get_config", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get config: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), testLoginKey) || strings.Contains(rec.Body.String(), testJWTSecret) {
		t.Fatalf("secrets leaked: %s", rec.Body.String())
	}

	rec = e.do(t, http.MethodPost, "/api/configure/set_mccomm_field", "", gin.H{"key": "listen_port", "value": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid port rejected, got %d", rec.Code)
	}
	if e.server.cfg.GetMCComm().ListenPort != config.DefaultListenPort {
		t.Fatalf("rejected change was kept")
	}
}

func TestAuditEndpoint(t *testing.T) {
	e := newTestEnv(t, true)
	e.deps.Audit.Attach(e.server.eventBus)
	e.login(t)
	e.server.eventBus.Drain()

	rec := e.do(t, http.MethodGet, "/api/monitor/audit?type=session_login", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: %d", rec.Code)
	}
	var out struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out.Total != 1 {
		t.Fatalf("expected one login entry, got %s", rec.Body.String())
	}
}

func TestHealthWithoutManager(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.do(t, http.MethodGet, "/api/public/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}
