package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tandem/internal/config"
)

// LogOptions controls how NewLogger builds the process logger.
type LogOptions struct {
	// Verbosity counts --verbose flags. Zero keeps the configured level;
	// one raises it to at least info, two or more to debug.
	Verbosity int
	// Level and Format default to the settings in tandem.yml.
	Level  string
	Format string
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
	// FileDir, when set and present on disk, also receives JSON logs in a
	// daily file.
	FileDir string
	Now     func() time.Time
}

// ParseLevel maps a settings level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func levelFor(base slog.Level, verbosity int) slog.Level {
	switch {
	case verbosity >= 2:
		return slog.LevelDebug
	case verbosity == 1 && base > slog.LevelInfo:
		return slog.LevelInfo
	}
	return base
}

// NewLogger builds the logger handed to every component. The returned
// closer releases the log file, if one was opened.
func NewLogger(opts LogOptions) (*slog.Logger, io.Closer, error) {
	base, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	level := levelFor(base, opts.Verbosity)
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}
	var console slog.Handler
	switch opts.Format {
	case "json":
		console = slog.NewJSONHandler(stderr, hopts)
	case "", "text":
		console = slog.NewTextHandler(stderr, hopts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	if opts.FileDir == "" {
		return slog.New(console), nopCloser{}, nil
	}
	if st, err := os.Stat(opts.FileDir); err != nil || !st.IsDir() {
		return slog.New(console), nopCloser{}, nil
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	name := filepath.Join(opts.FileDir, "tandem-"+now().UTC().Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(fanout{console, file}), f, nil
}

// LoggerFor builds a logger from a project's settings, writing a copy into
// the project's logs directory.
func LoggerFor(cfg config.Config, verbosity int) (*slog.Logger, io.Closer, error) {
	return NewLogger(LogOptions{
		Verbosity: verbosity,
		Level:     cfg.Settings.Log.Level,
		Format:    cfg.Settings.Log.Format,
		FileDir:   cfg.LogsDir(),
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errList []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
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
