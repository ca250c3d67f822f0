package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/netplay-project/netplay/internal/version"
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

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateConnection(&cfg.Connection, result)
	validateTimers(&cfg.Timers, result)
	validateReconnect(&cfg.Reconnect, result)
	validateInbox(&cfg.Inbox, result)

	if cfg.Storage.Enabled && strings.TrimSpace(cfg.Storage.DatabasePath) == "" {
		result.AddError("storage.database_path", "database path is required when storage is enabled")
	}
	if cfg.Storage.MaintenanceTime != "" {
		if _, err := time.Parse("15:04", cfg.Storage.MaintenanceTime); err != nil {
			result.AddError("storage.maintenance_time", fmt.Sprintf("not a HH:MM time: %s", cfg.Storage.MaintenanceTime))
		}
	}

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.ListenAddr != "" && net.ParseIP(cfg.API.ListenAddr) == nil && cfg.API.ListenAddr != "localhost" {
			result.AddError("api.listen_addr", fmt.Sprintf("not an IP address: %s", cfg.API.ListenAddr))
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if strings.TrimSpace(cfg.MQTT.TopicPrefix) == "" {
			result.AddWarning("mqtt.topic_prefix", "empty topic prefix, publishing at the broker root")
		}
	}

	return result
}

func validateConnection(conn *ConnectionConfig, result *ValidationResult) {
	if strings.TrimSpace(conn.Host) == "" {
		result.AddError("connection.host", "server host is required")
	}
	validatePort(conn.Port, "connection.port", result)

	if IsPlaceholderUsername(conn.Username) {
		result.AddError("connection.username",
			fmt.Sprintf("username must be set (empty and %q are refused)", PlaceholderUsername))
	}

	if conn.ConnectTimeoutSec < 1 {
		result.AddError("connection.connect_timeout_sec", "connect timeout must be at least 1 second")
	}

	if strings.TrimSpace(conn.GameID) == "" {
		result.AddError("connection.game_id", "game id is required")
	}

	if _, err := version.Parse(conn.ClientVersion); err != nil {
		result.AddError("connection.client_version", err.Error())
	}

	if !conn.UseTLS && conn.Password != "" {
		result.AddWarning("connection.password", "password is sent in plaintext without use_tls")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 1 {
		result.AddError("timers.heartbeat_interval_sec", "heartbeat interval must be at least 1 second")
	} else if timers.HeartbeatInterval < 5 {
		result.AddWarning("timers.heartbeat_interval_sec",
			"heartbeat interval less than 5s may cause excessive traffic")
	}

	if timers.FrameTickMs < 1 {
		result.AddError("timers.frame_tick_ms", "frame tick must be at least 1ms")
	}

	if timers.HealthCheckInterval < 1 {
		result.AddError("timers.health_check_interval_sec", "health check interval must be at least 1 second")
	}

	if timers.StaleTimeout < 0 {
		result.AddError("timers.stale_timeout_sec", "stale timeout cannot be negative")
	} else if timers.StaleTimeout > 0 && timers.StaleTimeout <= timers.HeartbeatInterval {
		result.AddWarning("timers.stale_timeout_sec",
			"stale timeout not above the heartbeat interval will drop idle but healthy connections")
	}
}

func validateReconnect(rc *ReconnectConfig, result *ValidationResult) {
	if rc.MaxAttempts < 1 {
		result.AddError("reconnect.max_attempts", "must allow at least 1 attempt")
	}
	if rc.InitialDelayMs < 0 {
		result.AddError("reconnect.initial_delay_ms", "delay cannot be negative")
	}
	if rc.MaxDelayMs < rc.InitialDelayMs {
		result.AddError("reconnect.max_delay_ms", "max delay must not be below the initial delay")
	}
	if rc.Multiplier < 1 {
		result.AddError("reconnect.multiplier", "multiplier must be at least 1")
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		result.AddError("reconnect.jitter", "jitter must be between 0 and 1")
	}
}

func validateInbox(inbox *InboxConfig, result *ValidationResult) {
	if inbox.Capacity < 1 {
		result.AddError("inbox.capacity", "inbox capacity must be at least 1")
	}
	if inbox.PumpBatch < 0 {
		result.AddError("inbox.pump_batch", "pump batch cannot be negative")
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
