package config

import (
	"fmt"
	"net"
	"strings"
)

// Limits shared with the channel store.
const (
	minChannelID         = 1
	maxChannelID         = 255
	minProximityDistance = 1
	maxProximityDistance = 60
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateMCComm(&cfg.MCComm, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateMCComm(data *MCCommData, result *ValidationResult) {
	if strings.TrimSpace(data.LoginKey) == "" {
		result.AddError("mccomm.login_key", "login key is required")
	} else if len(data.LoginKey) < 8 {
		result.AddWarning("mccomm.login_key", "login key shorter than 8 characters is easy to guess")
	}

	validatePort(data.ListenPort, "mccomm.listen_port", result)
	validatePort(data.APIPort, "mccomm.api_port", result)
	if data.ListenPort == data.APIPort {
		result.AddError("mccomm.ports", "port conflict detected: listen_port and api_port must differ")
	}

	if data.RequestTimeoutMs < 1 {
		result.AddError("mccomm.request_timeout_ms", "request timeout must be positive")
	} else if data.RequestTimeoutMs >= 5000 {
		result.AddWarning("mccomm.request_timeout_ms",
			"request timeout at or above the addon's 5s client timeout makes slow replies look like disconnects")
	}

	if data.SessionIdleTimeoutSec == 0 {
		result.AddWarning("mccomm.session_idle_timeout_sec", "idle session expiry is disabled")
	} else if data.SessionIdleTimeoutSec < 0 {
		result.AddError("mccomm.session_idle_timeout_sec", "idle timeout cannot be negative")
	}

	if data.MaxUpdatePlayers < 1 {
		result.AddError("mccomm.max_update_players", "must allow at least 1 player per update")
	}
	if data.UpdateWorkers < 1 {
		result.AddWarning("mccomm.update_workers", "no update workers configured, updates run sequentially")
	}
	if data.DefaultBitmask > 0xFFFF {
		result.AddWarning("mccomm.default_bitmask", "default bitmask sets reserved bits above bit 15")
	}
	if data.StrictBinding && data.PendingKeyTTLSec <= 0 {
		result.AddWarning("mccomm.pending_key_ttl_sec", "announced binding keys never expire")
	}

	validateSettings(data.DefaultSettings, "mccomm.default_settings", result)

	seen := make(map[int]bool, len(data.Channels))
	for i, ch := range data.Channels {
		field := fmt.Sprintf("mccomm.channels[%d]", i)
		if ch.ID < minChannelID || ch.ID > maxChannelID {
			result.AddError(field+".id",
				fmt.Sprintf("invalid channel id: %d (must be %d-%d)", ch.ID, minChannelID, maxChannelID))
		}
		if seen[ch.ID] {
			result.AddError(field+".id", fmt.Sprintf("duplicate channel id: %d", ch.ID))
		}
		seen[ch.ID] = true
		if strings.TrimSpace(ch.Name) == "" {
			result.AddWarning(field+".name", "channel has no name")
		}
		if ch.Override != nil {
			validateSettings(*ch.Override, field+".override_settings", result)
		}
	}
}

func validateSettings(s SettingsConfig, field string, result *ValidationResult) {
	if s.ProximityDistance < minProximityDistance || s.ProximityDistance > maxProximityDistance {
		result.AddError(field+".proximity_distance",
			fmt.Sprintf("invalid proximity distance: %d (must be %d-%d)",
				s.ProximityDistance, minProximityDistance, maxProximityDistance))
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	// Audit
	if data.Audit.Enabled {
		if strings.TrimSpace(data.Audit.DBPath) == "" {
			result.AddError("application_data.audit.db_path", "audit database path is required when enabled")
		}
		if data.Audit.RetentionDays < 1 {
			result.AddError("application_data.audit.retention_days", "retention days must be at least 1")
		}
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	// Security
	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if !data.Security.AuthDisabled {
		if len(data.Security.JWTSecret) < 32 {
			result.AddError("application_data.security.jwt_secret",
				"JWT secret of at least 32 bytes is required when admin auth is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.SessionReapInterval < 1 {
		result.AddError("timers.session_reap_interval_sec", "session reap interval must be at least 1s")
	}
	if timers.StatsPublishInterval < 5 {
		result.AddWarning("timers.stats_publish_interval_sec",
			"stats interval less than 5s may cause excessive MQTT traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
