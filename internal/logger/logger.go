package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the daemon log and where worker output goes.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text (colored console) or json
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables rotating files under Dir: devisr.log for the daemon and
// <device>.stdout.log / <device>.stderr.log per worker.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New builds the daemon logger writing to console (and the rotating file when
// File.Dir is set). The returned closer releases the file.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if console == nil {
		console = os.Stderr
	}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = tint.NewHandler(console, &tint.Options{Level: level, TimeFormat: time.DateTime, NoColor: !isTerminal(console)})
	case "json":
		h = slog.NewJSONHandler(console, &slog.HandlerOptions{Level: level})
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	closer := io.Closer(nopCloser{})
	if cfg.File.Dir != "" {
		if err := os.MkdirAll(cfg.File.Dir, 0o750); err != nil {
			return nil, nil, err
		}
		f := cfg.File.rotating(filepath.Join(cfg.File.Dir, "devisr.log"))
		h = fanout{h, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})}
		closer = f
	}
	return slog.New(h), closer, nil
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ProcessWriters returns stdout and stderr sinks for a worker. With File.Dir set
// they rotate under Dir/<name>.stdout.log and Dir/<name>.stderr.log; otherwise
// each line is logged at debug level on l.
func (c Config) ProcessWriters(name string, l *slog.Logger) (io.WriteCloser, io.WriteCloser) {
	if c.File.Dir != "" {
		return c.File.rotating(filepath.Join(c.File.Dir, name+".stdout.log")),
			c.File.rotating(filepath.Join(c.File.Dir, name+".stderr.log"))
	}
	if l == nil {
		l = slog.Default()
	}
	l = l.With("device", name)
	return NewLineWriter(l, "stdout"), NewLineWriter(l, "stderr")
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// LineWriter re-emits complete lines as debug records. Close flushes a trailing partial line.
type LineWriter struct {
	mu     sync.Mutex
	l      *slog.Logger
	stream string
	buf    bytes.Buffer
}

// maxLine bounds buffering for output that never ends a line.
const maxLine = 64 * 1024

func NewLineWriter(l *slog.Logger, stream string) *LineWriter {
	return &LineWriter{l: l, stream: stream}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		b := w.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			if w.buf.Len() > maxLine {
				w.emit(string(b))
				w.buf.Reset()
			}
			return len(p), nil
		}
		w.emit(string(b[:i]))
		w.buf.Next(i + 1)
	}
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	w.l.Debug("worker output", "stream", w.stream, "line", line)
}

func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

// fanout sends each record to every handler that accepts its level.
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
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
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

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
