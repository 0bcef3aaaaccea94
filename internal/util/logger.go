// Package util provides logging setup, host system information and file
// helpers shared by the netplay64 binaries.
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
	Level      string
	Directory  string
	MaxBackups int
	Console    bool
	// App is the log file prefix and the "app" field on every entry.
	App string
	// Stdout overrides the console destination.
	Stdout io.Writer
}

// InitLogger points the global zerolog logger at a dated JSON log file in
// cfg.Directory and, when cfg.Console is set, a human-readable console.
func InitLogger(cfg LogConfig) error {
	if cfg.App == "" {
		cfg.App = "netplay64"
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFilePath := filepath.Join(cfg.Directory,
		fmt.Sprintf("%s_%s.log", cfg.App, time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	writers := []io.Writer{logFile}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: cfg.Stdout, TimeFormat: "15:04:05"})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", cfg.App).
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.App, cfg.MaxBackups)
	return nil
}

// cleanOldLogs keeps the newest maxBackups log files of app.
func cleanOldLogs(directory, app string, maxBackups int) {
	if maxBackups < 1 {
		return
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	// Names carry the date, so lexical order is age order.
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && filepath.Ext(name) == ".log" && strings.HasPrefix(name, app+"_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for i := 0; i < len(names)-maxBackups; i++ {
		path := filepath.Join(directory, names[i])
		os.Remove(path)
		log.Debug().Str("file", path).Msg("removed old log file")
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
