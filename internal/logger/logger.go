package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFileName   = "deployr.log"
)

// SlogConfig controls console output.
type SlogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text or json
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes the rotated run log. Nothing is written to disk
// unless Dir or Path is set. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`  // base directory, file is Dir/deployr.log
	Path       string `mapstructure:"path"` // explicit path overrides Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the [log] section of deployr.toml.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// FilePath returns the run log location, or "" when file logging is off.
func (c Config) FilePath() string {
	if c.File.Path != "" {
		return c.File.Path
	}
	if c.File.Dir != "" {
		return filepath.Join(c.File.Dir, DefaultFileName)
	}
	return ""
}

// FileWriter returns a rotating writer for the run log, or nil.
func (c Config) FileWriter() io.WriteCloser {
	p := c.FilePath()
	if p == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger builds the logger used for a run. Console output goes to w;
// when a log file is configured every record is also written there as
// JSON. The returned closer releases the file and is never nil.
func (c Config) NewSlogger(w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Slog.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}

	var console slog.Handler
	switch strings.ToLower(c.Slog.Format) {
	case "", "text":
		if c.Slog.Color {
			console = NewColorTextHandler(w, opts)
		} else {
			console = slog.NewTextHandler(w, opts)
		}
	case "json":
		console = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (text, json)", c.Slog.Format)
	}

	fw := c.FileWriter()
	if fw == nil {
		return slog.New(console), nopCloser{}, nil
	}
	// the file always carries timestamps
	file := slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: level, AddSource: c.Slog.Source})
	return slog.New(fanout{console, file}), fw, nil
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// fanout sends every record to all handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
