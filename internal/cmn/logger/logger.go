// Package logger provides a context-carried structured logger for the engine.
//
// All engine components log through the package-level helpers which pull the
// logger out of the context. The run driver installs a logger that tees to
// stderr and the run's log.txt.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Logger is the minimal logging surface used across the engine.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)
	With(tags ...any) Logger
}

type slogLogger struct {
	inner *slog.Logger
}

func (l *slogLogger) Debug(msg string, tags ...any) { l.inner.Debug(msg, tags...) }
func (l *slogLogger) Info(msg string, tags ...any)  { l.inner.Info(msg, tags...) }
func (l *slogLogger) Warn(msg string, tags ...any)  { l.inner.Warn(msg, tags...) }
func (l *slogLogger) Error(msg string, tags ...any) { l.inner.Error(msg, tags...) }

func (l *slogLogger) With(tags ...any) Logger {
	return &slogLogger{inner: l.inner.With(tags...)}
}

// Option configures a logger created by New.
type Option func(*options)

type options struct {
	debug  bool
	writer io.Writer
}

// WithDebug lowers the log level to debug.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithWriter sets the destination writer. Defaults to stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// New creates a text-format logger.
func New(opts ...Option) Logger {
	o := &options{writer: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}
	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(o.writer, &slog.HandlerOptions{Level: level})
	return &slogLogger{inner: slog.New(handler)}
}

// TeeFile opens path for appending, creating parent directories, and returns
// a writer that duplicates output to both w and the file. The caller owns the
// returned closer.
func TeeFile(w io.Writer, path string) (io.Writer, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(w, file), file, nil
}

var defaultLogger = New()
