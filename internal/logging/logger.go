package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
)

const defaultBufferSize = 1000

// Logger is the subset of *slog.Logger that pipeline components log through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

// registry owns the per-module loggers and the shared log history.
type registry struct {
	mu       sync.RWMutex
	cfg      Config
	ready    bool
	loggers  map[string]*slog.Logger
	levels   map[string]*slog.LevelVar
	buffer   *RingBuffer
	callback LogCallback
}

var (
	reg         = &registry{}
	globalLevel = &slog.LevelVar{}
)

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = Config{}
	r.ready = false
	r.loggers = nil
	r.levels = nil
	r.buffer = nil
	r.callback = nil
}

// levelFor resolves the configured level of a module. Callers hold r.mu.
func (r *registry) levelFor(module string) slog.Level {
	level := slog.LevelInfo
	if !r.ready {
		return level
	}
	if l, ok := parseLevel(r.cfg.Level); ok {
		level = l
	}
	if s, ok := r.cfg.Modules[module]; ok {
		if l, ok := parseLevel(s); ok {
			level = l
		}
	}
	return level
}

func (r *registry) format() string {
	if !r.ready {
		return "text"
	}
	return r.cfg.Format
}

func (r *registry) sink() (*RingBuffer, LogCallback) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buffer, r.callback
}

// Initialize sets up the logging system. Loggers handed out earlier keep
// their LevelVar, so they follow the new levels; the cached ones are rebuilt
// so later GetLogger calls also feed the ring buffer.
func Initialize(config Config) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.cfg = config
	reg.ready = true
	reg.buffer = NewRingBuffer(defaultBufferSize)
	globalLevel.Set(reg.levelFor(""))

	for module, lv := range reg.levels {
		lv.Set(reg.levelFor(module))
		reg.loggers[module] = slog.New(newHandler(config.Format, lv)).With("module", module)
	}

	slog.SetDefault(slog.New(newHandler(config.Format, globalLevel)))
}

// GetBuffer returns the log ring buffer, nil before Initialize.
func GetBuffer() *RingBuffer {
	buffer, _ := reg.sink()
	return buffer
}

// SetLogCallback registers a function called with every buffered entry.
func SetLogCallback(callback LogCallback) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.callback = callback
}

// GetLogger returns the logger of a module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	reg.mu.RLock()
	logger, ok := reg.loggers[module]
	reg.mu.RUnlock()
	if ok {
		return logger
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if logger, ok := reg.loggers[module]; ok {
		return logger
	}
	if reg.loggers == nil {
		reg.loggers = make(map[string]*slog.Logger)
		reg.levels = make(map[string]*slog.LevelVar)
	}

	lv := &slog.LevelVar{}
	lv.Set(reg.levelFor(module))
	logger = slog.New(newHandler(reg.format(), lv)).With("module", module)
	reg.loggers[module] = logger
	reg.levels[module] = lv
	return logger
}

// newHandler builds the sink chain: stdout when something reads it, the
// journal when journald is reachable, and always the ring buffer.
func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	var console slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if format == "json" {
		console = slog.NewJSONHandler(os.Stdout, opts)
	}

	sinks := make(fanout, 0, 3)
	if stdoutAttached() {
		sinks = append(sinks, console)
	}
	if journal.Enabled() {
		sinks = append(sinks, NewJournalHandler(level))
	}
	sinks = append(sinks, NewBufferHandler(level))

	if len(sinks) == 1 {
		return sinks[0]
	}
	return sinks
}

func stdoutAttached() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	m := fi.Mode()
	return m.IsRegular() || m&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// fanout hands each record to every sink that wants it.
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
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
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
