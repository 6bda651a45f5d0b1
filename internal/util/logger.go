// Package util provides helpers shared across xonrelay: logging setup,
// host metrics and TLS material for the REST API.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// LogFileName returns the name of the log file written on day t.
func LogFileName(t time.Time) string {
	return fmt.Sprintf("xonrelay_%s.log", t.Format("2006-01-02"))
}

// InitLogger initializes the zerolog global logger with file and console
// output. The returned closer releases the log file.
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

	logFilePath := filepath.Join(cfg.Directory, LogFileName(time.Now()))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	// JSON to the file, human-readable to the console.
	writers := []io.Writer{logFile}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "xonrelay").
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	go CleanOldLogs(cfg.Directory, cfg.MaxBackups)

	return logFile, nil
}

// CleanOldLogs keeps the newest maxBackups xonrelay log files in directory
// and returns how many were removed. Names embed the date, so lexical order
// is age order.
func CleanOldLogs(directory string, maxBackups int) int {
	if maxBackups <= 0 {
		return 0
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0
	}

	// ReadDir sorts by filename.
	var logFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "xonrelay_") && filepath.Ext(name) == ".log" {
			logFiles = append(logFiles, name)
		}
	}

	removed := 0
	for i := 0; i < len(logFiles)-maxBackups; i++ {
		path := filepath.Join(directory, logFiles[i])
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove old log file")
			continue
		}
		removed++
		log.Debug().Str("file", path).Msg("removed old log file")
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
