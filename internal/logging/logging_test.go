package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestModuleJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "info", Format: "json", Output: &buf})
	Module(l, "ingest").Info("file loaded", "rows", 3)
	assert.Contains(t, buf.String(), `"module":"ingest"`)
	assert.Contains(t, buf.String(), `"rows":3`)
}

func TestGormAdapterTrace(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := NewGormAdapter(l, time.Millisecond)
	sql := func() (string, int64) { return "SELECT 1", 1 }

	a.Trace(context.Background(), time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Contains(t, buf.String(), "sql query")

	buf.Reset()
	a.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), "slow query")

	buf.Reset()
	a.Trace(context.Background(), time.Now(), sql, assert.AnError)
	assert.Contains(t, buf.String(), "query error")
}
