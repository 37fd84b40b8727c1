// MCComm - proximity voice session broker.
//
// MCComm accepts the MCComm JSON protocol from a Minecraft addon, tracks
// the voice participants bound to players, serves channel proximity
// settings and answers each position update with the set of players
// currently speaking. An admin REST API, an operator console, MQTT
// telemetry and a SQLite audit log sit around the core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/api"
	"github.com/voicecraft-project/mccomm/internal/bitmask"
	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/cli"
	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/db"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/health"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/scheduler"
	"github.com/voicecraft-project/mccomm/internal/session"
	"github.com/voicecraft-project/mccomm/internal/telemetry"
	"github.com/voicecraft-project/mccomm/internal/update"
	"github.com/voicecraft-project/mccomm/internal/util"
)

const (
	AppName    = "MCComm"
	AppVersion = api.Version
	Banner     = `
  __  __  ____ ____
 |  \/  |/ ___/ ___|___  _ __ ___  _ __ ___
 | |\/| | |  | |   / _ \| '_ ' _ \| '_ ' _ \
 | |  | | |__| |__| (_) | | | | | | | | | | |
 |_|  |_|\____\____\___/|_| |_| |_|_| |_| |_|
                                         v%s
 Proximity Voice Session Broker
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	noCLI := flag.Bool("no-cli", false, "disable the interactive console")
	issueToken := flag.String("issue-token", "", "print an admin API token for this subject and exit")
	tokenPerms := flag.String("perms", api.PermMonitor, "comma-separated permissions for -issue-token")
	tokenTTL := flag.Duration("ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	if *issueToken == "" {
		fmt.Printf(Banner, AppVersion)
		fmt.Println()
	}

	// Defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *issueToken != "" {
		printToken(cfg, *issueToken, *tokenPerms, *tokenTTL)
		return
	}

	app := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxSizeMB:  app.Logging.MaxSizeMB,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting MCComm")

	ensureSecrets(cfg)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
			if v := config.Validate(cfg); !v.IsValid() {
				log.Fatal().Msg("configuration is still invalid after setup")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := cfg.GetMCComm()
	app = cfg.GetApplicationData()

	eventBus := events.NewEventBus()

	channels, err := newChannelStore(mc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build channel table")
	}

	registry := participant.NewRegistry(channels, participant.Options{
		StrictBinding:     mc.StrictBinding,
		DefaultBitmask:    bitmask.Word(mc.DefaultBitmask),
		ParallelThreshold: mc.ParallelUpdateThreshold,
		Workers:           mc.UpdateWorkers,
	})
	updates := update.NewHandler(registry, mc.MaxUpdatePlayers)

	sessions := session.NewManager(session.Options{
		LoginKey:       mc.LoginKey,
		IdleTimeout:    time.Duration(mc.SessionIdleTimeoutSec) * time.Second,
		RequestTimeout: time.Duration(mc.RequestTimeoutMs) * time.Millisecond,
		LegacyBitmask:  mc.LegacyBitmask,
	}, registry, channels, updates, eventBus)

	var audit *db.AuditLog
	if app.Audit.Enabled {
		audit, err = db.NewAuditLog(app.Audit.DBPath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open audit log, auditing disabled")
		} else {
			audit.Attach(eventBus)
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	healthMgr := health.NewManager(cfg, eventBus, sessions, updates, registry)

	apiServer := api.NewServer(cfg, eventBus, api.Deps{
		Sessions: sessions,
		Registry: registry,
		Channels: channels,
		Audit:    audit,
		Health:   healthMgr,
	})

	sched := scheduler.NewScheduler(cfg, eventBus, scheduler.Deps{
		Sessions: sessions,
		Registry: registry,
		Updates:  updates,
		Audit:    audit,
	})

	// Console quit requests arrive on the bus.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, ev events.Event) error {
		if ev.Source != "main" {
			select {
			case quitCh <- struct{}{}:
			default:
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", mc.ListenPort).Msg("starting MCComm endpoint")
		if err := startWithRetry(ctx, "MCComm endpoint", apiServer.StartMCComm, 15); err != nil {
			log.Error().Err(err).Msg("MCComm endpoint failed after retries")
			errCh <- fmt.Errorf("mccomm endpoint: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", mc.APIPort).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	if !*noCLI {
		cliHandler := cli.NewCLI(cfg, eventBus, sessions, registry, channels, audit)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting interactive CLI")
			cliHandler.Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Close the session first so the addon sees a clean logout.
	sessions.Logout()
	if err := eventBus.EmitSync(ctx, events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	}); err != nil {
		log.Warn().Err(err).Msg("shutdown handler failed")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	if audit != nil {
		if err := audit.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit log")
		}
	}

	log.Info().Msg("MCComm stopped")
}

// newChannelStore builds the channel table from configuration.
func newChannelStore(mc config.MCCommData) (*channel.Store, error) {
	def := settingsFromConfig(mc.DefaultSettings)
	chans := make([]channel.Channel, 0, len(mc.Channels))
	for _, cc := range mc.Channels {
		ch := channel.Channel{
			ID:       cc.ID,
			Name:     cc.Name,
			Password: cc.Password,
			Locked:   cc.Locked,
			Hidden:   cc.Hidden,
		}
		if cc.Override != nil {
			o := settingsFromConfig(*cc.Override)
			ch.Override = &o
		}
		chans = append(chans, ch)
	}
	return channel.NewStore(def, chans)
}

func settingsFromConfig(s config.SettingsConfig) channel.Settings {
	return channel.Settings{
		ProximityDistance:   s.ProximityDistance,
		ProximityEnabled:    s.ProximityEnabled,
		VoiceEffectsEnabled: s.VoiceEffectsEnabled,
	}
}

// ensureSecrets fills in the JWT secret and the TLS pair when the admin API
// needs them and they are missing.
func ensureSecrets(cfg *config.Config) {
	app := cfg.GetApplicationData()
	changed := false

	if !app.Security.AuthDisabled && app.Security.JWTSecret == "" {
		secret, err := util.RandomSecret(32)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate jwt secret")
		}
		app.Security.JWTSecret = secret
		changed = true
		log.Info().Msg("generated admin API jwt secret")
	}

	if app.Security.TLSEnabled {
		if app.Security.TLSCertFile == "" {
			app.Security.TLSCertFile = "config/tls/cert.pem"
			changed = true
		}
		if app.Security.TLSKeyFile == "" {
			app.Security.TLSKeyFile = "config/tls/key.pem"
			changed = true
		}
		hosts := []string{"localhost", "127.0.0.1"}
		if hn, err := os.Hostname(); err == nil {
			hosts = append(hosts, hn)
		}
		if _, err := util.EnsureCertificate(app.Security.TLSCertFile, app.Security.TLSKeyFile, hosts); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare TLS certificate")
		}
	}

	if changed {
		cfg.SetApplicationData(app)
		if err := cfg.Save(); err != nil {
			log.Warn().Err(err).Msg("failed to save generated secrets to config")
		}
	}
}

// printToken writes a signed admin token to stdout.
func printToken(cfg *config.Config, subject, perms string, ttl time.Duration) {
	security := cfg.GetApplicationData().Security
	var list []string
	for _, p := range strings.Split(perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	token, err := api.IssueToken(security.JWTSecret, security.JWTIssuer, subject, list, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}
	fmt.Println(token)
}

// startWithRetry calls startFn until it succeeds or maxRetries is exhausted,
// so a restarted process can wait out a port still held by its predecessor.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
