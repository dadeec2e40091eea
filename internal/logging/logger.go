package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names for structured logging.
const (
	CompPty      = "pty"
	CompWorker   = "worker"
	CompSession  = "session"
	CompActivity = "activity"
	CompNotify   = "notify"
	CompJobs     = "jobs"
	CompStore    = "store"
	CompWeb      = "web"
	CompConfig   = "config"
)

// Config holds logging configuration.
type Config struct {
	// Dir is the directory for log files. Empty means discard.
	Dir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files
	Compress bool

	// RingSize is the in-memory crash-dump ring buffer size in bytes (default: 4MB)
	RingSize int

	// FlushIntervalSecs is the aggregator flush interval (default: 30)
	FlushIntervalSecs int
}

var (
	mu      sync.RWMutex
	root    *slog.Logger
	ring    *RingBuffer
	agg     *Aggregator
	rotator *lumberjack.Logger
)

// Init initializes the process-wide logging system. Safe to call more than
// once; the last call wins.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 4 * 1024 * 1024
	}
	if cfg.FlushIntervalSecs <= 0 {
		cfg.FlushIntervalSecs = 30
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.Dir == "" {
		root = slog.New(slog.NewJSONHandler(io.Discard, nil))
		ring = NewRingBuffer(1024)
		agg = NewAggregator(nil, cfg.FlushIntervalSecs)
		return
	}

	rotator = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "agentdock.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	ring = NewRingBuffer(cfg.RingSize)
	sink := io.MultiWriter(rotator, ring)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(sink, opts)
	} else {
		handler = slog.NewJSONHandler(sink, opts)
	}
	root = slog.New(handler)

	agg = NewAggregator(root, cfg.FlushIntervalSecs)
	agg.Start()
}

// Logger returns the root logger. Safe to call before Init (discards).
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return root
}

// ForComponent returns a sub-logger with the component field set. The
// returned logger resolves the real handler at log time, so package-level
// loggers created before Init still end up in the right sink.
func ForComponent(name string) *slog.Logger {
	return slog.New(&deferredHandler{component: name})
}

// deferredHandler delegates to the current root handler at Handle time.
// Package-level component loggers are typically constructed before Init runs;
// binding the handler eagerly would pin them to the discard sink forever.
type deferredHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler()
	handler = handler.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &deferredHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return &deferredHandler{component: h.component, attrs: h.attrs, group: name}
}

// Aggregate records a high-frequency event for batched logging.
func Aggregate(component, event string, fields ...slog.Attr) {
	mu.RLock()
	a := agg
	mu.RUnlock()
	if a != nil {
		a.Record(component, event, fields...)
	}
}

// DumpRing writes the crash-dump ring buffer contents to a file.
func DumpRing(path string) error {
	mu.RLock()
	r := ring
	mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.DumpToFile(path)
}

// Shutdown flushes the aggregator and closes writers.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if agg != nil {
		agg.Stop()
		agg = nil
	}
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	root = nil
	ring = nil
}
