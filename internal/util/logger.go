// Package util provides logging setup and host information shared by the
// netplay commands.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`

	// ConsoleOut defaults to stderr so it does not interleave with the
	// interactive console's table output on stdout.
	ConsoleOut io.Writer `json:"-"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger points the global zerolog logger at a dated JSON file in
// cfg.Directory and, optionally, a human-readable console writer. The
// returned closer releases the log file.
func InitLogger(cfg LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFilePath := logFileFor(cfg.Directory, time.Now(), int64(cfg.MaxSizeMB)*1024*1024)

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	writers := []io.Writer{logFile}
	if cfg.Console {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "netplay").
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.MaxBackups)

	return logFile, nil
}

// logFileFor picks today's log file, moving to a numbered sibling once the
// current one has reached maxSize bytes. maxSize <= 0 disables the limit.
func logFileFor(dir string, now time.Time, maxSize int64) string {
	base := fmt.Sprintf("netplay_%s", now.Format("2006-01-02"))
	path := filepath.Join(dir, base+".log")

	for i := 1; maxSize > 0; i++ {
		info, err := os.Stat(path)
		if err != nil || info.Size() < maxSize {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s.%d.log", base, i))
	}
	return path
}

// cleanOldLogs keeps the newest maxBackups log files.
func cleanOldLogs(directory string, maxBackups int) {
	if maxBackups < 1 {
		return
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	type logFile struct {
		path    string
		modTime time.Time
	}

	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "netplay_") || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(directory, entry.Name()), modTime: info.ModTime()})
	}

	if len(files) <= maxBackups {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files[:len(files)-maxBackups] {
		if err := os.Remove(f.path); err == nil {
			log.Debug().Str("file", f.path).Msg("removed old log file")
		}
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
