// Package config handles configuration loading, validation, and persistence
// for the MCComm server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/util"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultListenPort = 9050
	DefaultAPIPort    = 5050

	// EnvLoginKey overrides mccomm.login_key without touching the file.
	EnvLoginKey = "MCCOMM_LOGIN_KEY"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	MCComm          MCCommData      `json:"mccomm"`
	ApplicationData ApplicationData `json:"application_data"`
}

// MCCommData contains the protocol endpoint and session settings.
type MCCommData struct {
	// Credentials
	LoginKey string `json:"login_key"`

	// Listener
	ListenAddress string `json:"listen_address"`
	ListenPort    int    `json:"listen_port"`
	APIPort       int    `json:"api_port"`

	// Session
	RequestTimeoutMs      int `json:"request_timeout_ms"`
	SessionIdleTimeoutSec int `json:"session_idle_timeout_sec"`

	// Binding
	StrictBinding    bool   `json:"strict_binding"`
	PendingKeyTTLSec int    `json:"pending_key_ttl_sec"`
	LegacyBitmask    bool   `json:"legacy_bitmask"`
	DefaultBitmask   uint32 `json:"default_bitmask"`

	// Update cycle
	MaxUpdatePlayers        int `json:"max_update_players"`
	ParallelUpdateThreshold int `json:"parallel_update_threshold"`
	UpdateWorkers           int `json:"update_workers"`

	// Channels
	DefaultSettings SettingsConfig  `json:"default_settings"`
	Channels        []ChannelConfig `json:"channels"`
}

// SettingsConfig is a proximity settings block.
type SettingsConfig struct {
	ProximityDistance   int  `json:"proximity_distance"`
	ProximityEnabled    bool `json:"proximity_enabled"`
	VoiceEffectsEnabled bool `json:"voice_effects_enabled"`
}

// ChannelConfig provisions one channel.
type ChannelConfig struct {
	ID       int             `json:"id"`
	Name     string          `json:"name"`
	Password string          `json:"password,omitempty"`
	Locked   bool            `json:"locked"`
	Hidden   bool            `json:"hidden"`
	Override *SettingsConfig `json:"override_settings,omitempty"`
}

// ApplicationData contains ambient service configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	Audit    AuditConfig    `json:"audit"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds background task intervals.
type TimerConfig struct {
	SessionReapInterval     int `json:"session_reap_interval_sec"`
	StatsPublishInterval    int `json:"stats_publish_interval_sec"`
	PendingKeyPruneInterval int `json:"pending_key_prune_interval_sec"`
	AuditCleanupInterval    int `json:"audit_cleanup_interval_sec"`
	HealthCheckInterval     int `json:"health_check_interval_sec"`
}

// AuditConfig holds the SQLite audit log settings.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"db_path"`
	RetentionDays int    `json:"retention_days"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds admin API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	AuthDisabled   bool     `json:"auth_disabled"`
	JWTSecret      string   `json:"jwt_secret"`
	JWTIssuer      string   `json:"jwt_issuer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MCComm: MCCommData{
			ListenAddress:           "0.0.0.0",
			ListenPort:              DefaultListenPort,
			APIPort:                 DefaultAPIPort,
			RequestTimeoutMs:        2000,
			SessionIdleTimeoutSec:   30,
			PendingKeyTTLSec:        300,
			DefaultBitmask:          0x087F,
			MaxUpdatePlayers:        1024,
			ParallelUpdateThreshold: 64,
			UpdateWorkers:           4,
			DefaultSettings: SettingsConfig{
				ProximityDistance:   30,
				ProximityEnabled:    true,
				VoiceEffectsEnabled: true,
			},
			Channels: []ChannelConfig{},
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				SessionReapInterval:     5,
				StatsPublishInterval:    30,
				PendingKeyPruneInterval: 60,
				AuditCleanupInterval:    3600,
				HealthCheckInterval:     60,
			},
			Audit: AuditConfig{
				Enabled:       true,
				DBPath:        "data/mccomm.db",
				RetentionDays: 30,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        1883,
				TopicPrefix: "mccomm",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
				JWTIssuer:    "mccomm",
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save config to persist any new default fields added in code updates.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment overrides. Runs after the file is saved
// so secrets from the environment never land on disk via Load.
func (c *Config) applyEnv() {
	if key := os.Getenv(EnvLoginKey); key != "" {
		c.mu.Lock()
		c.MCComm.LoginKey = key
		c.mu.Unlock()
		log.Info().Str("env", EnvLoginKey).Str("key", util.Redact(key)).Msg("login key taken from environment")
	}
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetMCComm returns a copy of the MCComm configuration.
func (c *Config) GetMCComm() MCCommData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data := c.MCComm
	data.Channels = append([]ChannelConfig(nil), c.MCComm.Channels...)
	return data
}

// SetMCComm updates the MCComm configuration.
func (c *Config) SetMCComm(data MCCommData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MCComm = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateMCCommField updates a single top-level field of the mccomm section
// by its JSON name.
func (c *Config) UpdateMCCommField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.MCComm, key, value)
}

// UpdateAppField updates a single top-level field of application_data.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.ApplicationData, key, value)
}

func updateField(target interface{}, key string, value interface{}) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s", key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MCComm.LoginKey == ""
}
