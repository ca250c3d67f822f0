package util

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitLoggerWritesFileAndConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	closer, err := InitLogger(LogConfig{
		Level:      "debug",
		Directory:  dir,
		MaxBackups: 5,
		Console:    true,
		ConsoleOut: &console,
	})
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}

	logger := ComponentLogger("test")
	logger.Info().Msg("hello")
	closer.Close()

	if !strings.Contains(console.String(), "hello") {
		t.Fatalf("console output missing message: %q", console.String())
	}

	name := "netplay_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"test"`) {
		t.Fatalf("log file missing component field: %s", data)
	}
}

func TestLogFileForRollsOverWhenFull(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := logFileFor(dir, now, 10)
	if filepath.Base(first) != "netplay_2026-03-01.log" {
		t.Fatalf("first = %s", first)
	}

	os.WriteFile(first, bytes.Repeat([]byte("x"), 20), 0644)
	if got := filepath.Base(logFileFor(dir, now, 10)); got != "netplay_2026-03-01.1.log" {
		t.Fatalf("rolled = %s", got)
	}

	if got := logFileFor(dir, now, 0); got != first {
		t.Fatalf("unlimited = %s, want %s", got, first)
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	for i, name := range []string{"netplay_a.log", "netplay_b.log", "netplay_c.log", "other.log"} {
		path := filepath.Join(dir, name)
		os.WriteFile(path, nil, 0644)
		mt := base.Add(time.Duration(i) * time.Minute)
		os.Chtimes(path, mt, mt)
	}

	cleanOldLogs(dir, 2)

	for name, want := range map[string]bool{
		"netplay_a.log": false,
		"netplay_b.log": true,
		"netplay_c.log": true,
		"other.log":     true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", name, exists, want)
		}
	}
}
