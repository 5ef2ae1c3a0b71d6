// Package logger provides structured logging helpers on top of log/slog.
// Every call takes a context and an optional Fields map so call sites read
// the same across the server.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Fields holds structured key/value pairs attached to a log line.
type Fields map[string]any

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(New(os.Stderr))
}

// New returns a text logger writing to w at the package log level.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetLogger replaces the logger used by the package-level functions.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	current.Store(l)
}

// Logger returns the logger used by the package-level functions.
func Logger() *slog.Logger {
	return current.Load()
}

// SetLevel sets the minimum level for loggers built by New.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel converts a level name (debug, info, warn, error) to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Debug logs at debug level.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, msg, nil, fields)
}

// Info logs at info level.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, msg, nil, fields)
}

// Warn logs at warn level.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, msg, nil, fields)
}

// Error logs at error level with err attached as the "error" attribute.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	log(ctx, slog.LevelError, msg, err, fields)
}

// LogAt logs with the source location skip frames above the caller.
func LogAt(lvl slog.Level, skip int, msg string, fields Fields) {
	l := current.Load()
	ctx := context.Background()
	if !l.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(skip+2, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(attrs(nil, fields)...)
	_ = l.Handler().Handle(ctx, r) //nolint:errcheck // nowhere to report a failed log write
}

func log(ctx context.Context, lvl slog.Level, msg string, err error, fields Fields) {
	if ctx == nil { //nolint:staticcheck // callers occasionally pass context.TODO
		ctx = context.Background()
	}
	l := current.Load()
	if !l.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(attrs(err, fields)...)
	_ = l.Handler().Handle(ctx, r) //nolint:errcheck // nowhere to report a failed log write
}

// attrs converts fields to attributes in sorted key order.
func attrs(err error, fields Fields) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields)+1)
	if err != nil {
		out = append(out, slog.String("error", err.Error()))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
