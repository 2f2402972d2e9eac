// Package loggy is a thin slog wrapper that stamps every record with the
// caller's source position and keeps a process-wide default logger for code
// that has no injected one.
package loggy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
	once         sync.Once
)

// Config configures the logger
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	AddSource  bool
	TimeFormat string // empty uses RFC3339
}

// DefaultConfig returns a default configuration for the logger
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		Output:     "stderr",
		AddSource:  true,
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger with additional context
type Logger struct {
	slogger   *slog.Logger
	addSource bool
	closer    io.Closer
}

// New builds a logger from cfg without touching the global logger.
func New(cfg Config) (*Logger, error) {
	var (
		output io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, closer = file, file
	}

	return &Logger{
		slogger:   slog.New(newHandler(output, cfg)),
		addSource: cfg.AddSource,
		closer:    closer,
	}, nil
}

// NewWithWriter builds a logger that writes to w, mostly for tests.
func NewWithWriter(w io.Writer, cfg Config) *Logger {
	return &Logger{
		slogger:   slog.New(newHandler(w, cfg)),
		addSource: cfg.AddSource,
	}
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	if cfg.TimeFormat != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(cfg.TimeFormat))
				}
			}
			return a
		}
	}

	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Init initializes the global logger once.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		var logger *Logger
		logger, err = New(cfg)
		if err != nil {
			NewNoopLogger()
			return
		}
		SetGlobalLogger(logger)
	})
	return err
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// NewNoopLogger creates and sets a logger that discards all output, useful for testing
func NewNoopLogger() *Logger {
	noop := &Logger{
		slogger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	SetGlobalLogger(noop)
	return noop
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func getCaller(skip int) (string, int) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", 0
	}
	return file, line
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || l.slogger == nil {
		return
	}
	ctx := context.Background()
	if !l.slogger.Enabled(ctx, level) {
		return
	}

	r := slog.NewRecord(time.Now(), level, msg, 0)
	if l.addSource {
		// 3 frames: runtime.Caller, log, and the exported wrapper.
		file, line := getCaller(3)
		r.AddAttrs(slog.String("source", fmt.Sprintf("%s:%d", filepath.Base(file), line)))
	}
	r.Add(args...)
	_ = l.slogger.Handler().Handle(ctx, r)
}

// Debug logs at debug level on the global logger
func Debug(msg string, args ...any) { GetGlobalLogger().log(slog.LevelDebug, msg, args...) }

// Info logs at info level on the global logger
func Info(msg string, args ...any) { GetGlobalLogger().log(slog.LevelInfo, msg, args...) }

// Warn logs at warn level on the global logger
func Warn(msg string, args ...any) { GetGlobalLogger().log(slog.LevelWarn, msg, args...) }

// Error logs at error level on the global logger
func Error(msg string, args ...any) { GetGlobalLogger().log(slog.LevelError, msg, args...) }

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.slogger == nil {
		return l
	}
	return &Logger{
		slogger:   l.slogger.With(args...),
		addSource: l.addSource,
	}
}

// WithGroup returns a new Logger with the given group
func (l *Logger) WithGroup(name string) *Logger {
	if l == nil || l.slogger == nil {
		return l
	}
	return &Logger{
		slogger:   l.slogger.WithGroup(name),
		addSource: l.addSource,
	}
}

// Handler returns the underlying slog.Handler
func (l *Logger) Handler() slog.Handler {
	return l.slogger.Handler()
}
