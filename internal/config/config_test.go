package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Connection.Username = "Aria"
	return cfg
}

func TestDefaultConfigOnlyMissesUsername(t *testing.T) {
	result := Validate(DefaultConfig())
	if len(result.Errors) != 1 || result.Errors[0].Field != "connection.username" {
		t.Fatalf("errors = %v, want only connection.username", result.Errors)
	}

	if result := Validate(validConfig()); !result.IsValid() {
		t.Fatalf("valid config rejected: %v", result.Errors)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty host", func(c *Config) { c.Connection.Host = " " }, "connection.host"},
		{"port zero", func(c *Config) { c.Connection.Port = 0 }, "connection.port"},
		{"port too high", func(c *Config) { c.Connection.Port = 70000 }, "connection.port"},
		{"placeholder username", func(c *Config) { c.Connection.Username = "Unnamed" }, "connection.username"},
		{"zero timeout", func(c *Config) { c.Connection.ConnectTimeoutSec = 0 }, "connection.connect_timeout_sec"},
		{"bad client version", func(c *Config) { c.Connection.ClientVersion = "one.two" }, "connection.client_version"},
		{"empty game id", func(c *Config) { c.Connection.GameID = "" }, "connection.game_id"},
		{"zero heartbeat", func(c *Config) { c.Timers.HeartbeatInterval = 0 }, "timers.heartbeat_interval_sec"},
		{"no attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }, "reconnect.max_attempts"},
		{"max below initial", func(c *Config) { c.Reconnect.MaxDelayMs = 10 }, "reconnect.max_delay_ms"},
		{"shrinking multiplier", func(c *Config) { c.Reconnect.Multiplier = 0.5 }, "reconnect.multiplier"},
		{"jitter above one", func(c *Config) { c.Reconnect.Jitter = 1.5 }, "reconnect.jitter"},
		{"empty inbox", func(c *Config) { c.Inbox.Capacity = 0 }, "inbox.capacity"},
		{"storage without path", func(c *Config) { c.Storage.DatabasePath = "" }, "storage.database_path"},
		{"bad maintenance time", func(c *Config) { c.Storage.MaintenanceTime = "25:99" }, "storage.maintenance_time"},
		{"mqtt without broker", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.BrokerURL = ""
		}, "mqtt.broker_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			result := Validate(cfg)
			found := false
			for _, e := range result.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected error on %s, got %v", tt.field, result.Errors)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := validConfig()
	cfg.Connection.Password = "secret"
	cfg.Timers.HeartbeatInterval = 2

	result := Validate(cfg)
	if !result.IsValid() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", result.Warnings)
	}
}

func TestLoadCreatesAndOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetConnection().Port != DefaultServerPort {
		t.Fatalf("port = %d, want default", cfg.GetConnection().Port)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	partial := `{"connection": {"host": "example.org", "username": "Aria"}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	conn := cfg.GetConnection()
	if conn.Host != "example.org" || conn.Username != "Aria" {
		t.Fatalf("overlay lost: %+v", conn)
	}
	if conn.Port != DefaultServerPort || cfg.GetReconnect().MaxAttempts != 5 {
		t.Fatalf("defaults lost: %+v", conn)
	}

	data, _ := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if !strings.Contains(string(data), "heartbeat_interval_sec") {
		t.Fatal("re-saved config is missing default fields")
	}
}

func TestUpdateField(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.UpdateField("connection", "host", "10.0.0.5"); err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	if err := cfg.UpdateField("reconnect", "max_attempts", 2); err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	if cfg.GetConnection().Host != "10.0.0.5" || cfg.GetReconnect().MaxAttempts != 2 {
		t.Fatal("fields not updated")
	}

	if err := cfg.UpdateField("nope", "host", "x"); err == nil {
		t.Fatal("expected error for unknown section")
	}
	if err := cfg.UpdateField("connection", "nope", "x"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestIsFirstRun(t *testing.T) {
	if !DefaultConfig().IsFirstRun() {
		t.Fatal("default config should need setup")
	}
	if validConfig().IsFirstRun() {
		t.Fatal("named config should not need setup")
	}
}

func TestRunSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	in := strings.NewReader("Aria\n\nplay.example.org\n9000\nyes\n")
	var out bytes.Buffer

	if err := RunSetupWizard(cfg, in, &out); err != nil {
		t.Fatalf("RunSetupWizard: %v\n%s", err, out.String())
	}

	conn := cfg.GetConnection()
	if conn.Username != "Aria" || conn.Host != "play.example.org" || conn.Port != 9000 || !conn.AutoConnect {
		t.Fatalf("wizard result = %+v", conn)
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("config not saved: %v", err)
	}
}

func TestRunSetupWizardGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected failure when no name is entered")
	}
}
