// Package config handles configuration loading, validation, and persistence
// for the netplay client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultServerPort = 4567
	DefaultAPIPort    = 5080
	DefaultMQTTPort   = 8883

	// PlaceholderUsername is the name a fresh game profile carries before the
	// player picks one. The server would accept it, so it is refused locally.
	PlaceholderUsername = "Unnamed"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Connection ConnectionConfig `json:"connection"`
	Timers     TimerConfig      `json:"timers"`
	Reconnect  ReconnectConfig  `json:"reconnect"`
	Inbox      InboxConfig      `json:"inbox"`
	Storage    StorageConfig    `json:"storage"`
	API        APIConfig        `json:"api"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Logging    LoggingConfig    `json:"logging"`
}

// ConnectionConfig describes the multiplayer server and the local player.
type ConnectionConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	ConnectTimeoutSec int    `json:"connect_timeout_sec"`
	AutoConnect       bool   `json:"auto_connect"`
	AutoReconnect     bool   `json:"auto_reconnect"`
	UseTLS            bool   `json:"use_tls"`

	// GameID distinguishes builds that share the wire format but not the
	// game data.
	GameID        string `json:"game_id"`
	ClientVersion string `json:"client_version"`
}

// ConnectTimeout bounds both the dial and the handshake reply.
func (c ConnectionConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TimerConfig holds loop and check intervals.
type TimerConfig struct {
	HeartbeatInterval   int `json:"heartbeat_interval_sec"`
	FrameTickMs         int `json:"frame_tick_ms"`
	HealthCheckInterval int `json:"health_check_interval_sec"`
	StaleTimeout        int `json:"stale_timeout_sec"` // 0 disables the stale connection check
}

// Heartbeat returns the heartbeat interval.
func (t TimerConfig) Heartbeat() time.Duration {
	return time.Duration(t.HeartbeatInterval) * time.Second
}

// FrameTick returns the frame loop tick.
func (t TimerConfig) FrameTick() time.Duration {
	return time.Duration(t.FrameTickMs) * time.Millisecond
}

// ReconnectConfig holds the reconnect backoff policy.
type ReconnectConfig struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMs int     `json:"initial_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier"`
	Jitter         float64 `json:"jitter"`
}

// InboxConfig sizes the queue between the network worker and the frame loop.
type InboxConfig struct {
	Capacity  int `json:"capacity"`
	PumpBatch int `json:"pump_batch"`
}

// StorageConfig holds the local fact database settings.
type StorageConfig struct {
	Enabled      bool   `json:"enabled"`
	DatabasePath string `json:"database_path"`

	// MaintenanceTime is the local HH:MM at which the database is
	// checkpointed each day.
	MaintenanceTime string `json:"maintenance_time"`
}

// APIConfig holds the local status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenAddr     string   `json:"listen_addr"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
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
		Connection: ConnectionConfig{
			Host:              "127.0.0.1",
			Port:              DefaultServerPort,
			Username:          PlaceholderUsername,
			ConnectTimeoutSec: 5,
			AutoConnect:       false,
			AutoReconnect:     true,
			GameID:            "netplay-rpg",
			ClientVersion:     "1.0.0",
		},
		Timers: TimerConfig{
			HeartbeatInterval:   15,
			FrameTickMs:         16,
			HealthCheckInterval: 10,
			StaleTimeout:        0,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:    5,
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
		Inbox: InboxConfig{
			Capacity:  256,
			PumpBatch: 64,
		},
		Storage: StorageConfig{
			Enabled:      true,
			DatabasePath:    filepath.Join("data", "netplay.db"),
			MaintenanceTime: "04:00",
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost"},
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        DefaultMQTTPort,
			UseTLS:      true,
			TopicPrefix: "netplay",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from configDir/config.json, creating it with
// defaults when missing.
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
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so options added since the file was written show up in it.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
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

// GetConnection returns a copy of the connection settings.
func (c *Config) GetConnection() ConnectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Connection
}

// SetConnection replaces the connection settings.
func (c *Config) SetConnection(conn ConnectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connection = conn
}

// GetTimers returns a copy of the timer settings.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// GetReconnect returns a copy of the reconnect policy.
func (c *Config) GetReconnect() ReconnectConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reconnect
}

// GetInbox returns a copy of the inbox settings.
func (c *Config) GetInbox() InboxConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Inbox
}

// GetStorage returns a copy of the storage settings.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetAPI returns a copy of the API settings.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// GetMQTT returns a copy of the MQTT settings.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging settings.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateField sets one JSON field of a section, e.g.
// UpdateField("connection", "host", "example.org").
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.sectionLocked(section)
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", section, err)
	}
	if _, known := m[key]; !known {
		return fmt.Errorf("unknown config field %s.%s", section, key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	return nil
}

func (c *Config) sectionLocked(section string) (interface{}, bool) {
	switch section {
	case "connection":
		return &c.Connection, true
	case "timers":
		return &c.Timers, true
	case "reconnect":
		return &c.Reconnect, true
	case "inbox":
		return &c.Inbox, true
	case "storage":
		return &c.Storage, true
	case "api":
		return &c.API, true
	case "mqtt":
		return &c.MQTT, true
	case "logging":
		return &c.Logging, true
	}
	return nil, false
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// Clone returns a deep copy, so a change can be validated before it is
// applied.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		path:       c.path,
		Connection: c.Connection,
		Timers:     c.Timers,
		Reconnect:  c.Reconnect,
		Inbox:      c.Inbox,
		Storage:    c.Storage,
		API:        c.API,
		MQTT:       c.MQTT,
		Logging:    c.Logging,
	}
	clone.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return clone
}

// IsFirstRun returns true if the player has not picked a name yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return IsPlaceholderUsername(c.Connection.Username)
}

// IsPlaceholderUsername reports whether name is empty or the fresh-profile
// placeholder.
func IsPlaceholderUsername(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || name == PlaceholderUsername
}
