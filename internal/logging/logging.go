// Package logging configures the process logger. Everything logs through
// log/slog; packages take a module-scoped child from Module.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options selects level and encoding.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// New builds a logger and installs it as the slog default.
func New(o Options) *slog.Logger {
	out := o.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(o.Level)}
	var h slog.Handler
	if strings.EqualFold(o.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

// ParseLevel maps a level name, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Module returns a child logger tagged with the module name. A nil parent
// uses the slog default.
func Module(parent *slog.Logger, name string) *slog.Logger {
	if parent == nil {
		parent = slog.Default()
	}
	return parent.With("module", name)
}

// Discard is a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GormAdapter adapts slog to GORM's logger.Interface. SQL is logged at
// debug; slow queries and errors other than record-not-found at warn.
type GormAdapter struct {
	log           *slog.Logger
	slowThreshold time.Duration
}

// NewGormAdapter creates the adapter. A zero threshold disables slow-query
// warnings.
func NewGormAdapter(l *slog.Logger, slowThreshold time.Duration) *GormAdapter {
	if l == nil {
		l = slog.Default()
	}
	return &GormAdapter{log: l, slowThreshold: slowThreshold}
}

// LogMode returns the adapter itself; level is owned by slog.
func (a *GormAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface { return a }

func (a *GormAdapter) Info(ctx context.Context, msg string, data ...any) {
	a.log.DebugContext(ctx, fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Warn(ctx context.Context, msg string, data ...any) {
	a.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Error(ctx context.Context, msg string, data ...any) {
	a.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		a.log.WarnContext(ctx, "query error",
			"sql", sql, "rows_affected", rows, "duration_ms", elapsed.Milliseconds(), "error", err)
	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		a.log.WarnContext(ctx, "slow query",
			"sql", sql, "rows_affected", rows, "duration_ms", elapsed.Milliseconds(), "threshold", a.slowThreshold)
	default:
		a.log.DebugContext(ctx, "sql query",
			"sql", sql, "rows_affected", rows, "duration_ms", elapsed.Milliseconds())
	}
}
