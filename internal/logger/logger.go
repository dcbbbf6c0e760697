package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level      string `yaml:"level" json:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	File       string `yaml:"file" json:"file"`               // Rotated log file; empty means console only
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`   // Rotate after this many megabytes
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`  // Rotated files to keep
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"` // Days to keep rotated files
	Compress   bool   `yaml:"compress" json:"compress"`
	Color      bool   `yaml:"color" json:"color"`
}

// DefaultConfig logs info and above to the console only.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// ParseLevel maps a config level to logrus, defaulting to info.
func ParseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Setup configures the standard logrus logger: console output on console,
// plus a rotating file when cfg.File is set. The returned closer flushes
// the file; it is a no-op without one.
func Setup(cfg Config, console io.Writer) (io.Closer, error) {
	if console == nil {
		console = os.Stdout
	}
	log.SetLevel(ParseLevel(cfg.Level))
	log.SetFormatter(&log.TextFormatter{ForceColors: cfg.Color, DisableColors: !cfg.Color, FullTimestamp: true})
	log.SetOutput(console)

	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))

	if cfg.File == "" {
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("logger: create log directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	writers := lfshook.WriterMap{}
	for _, lvl := range log.AllLevels {
		writers[lvl] = file
	}
	log.AddHook(lfshook.NewHook(writers, &log.TextFormatter{DisableColors: true, FullTimestamp: true}))
	log.WithField("file", cfg.File).Info("logging to file")
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
