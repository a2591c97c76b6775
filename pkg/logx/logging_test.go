package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(raw), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m), ln)
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "queue"))

	log.Debug("hidden")
	log.Info("sent",
		Int("workers", 4),
		Int64("user_id", 42),
		Bool("ok", true),
		Duration("took", 1500*time.Millisecond),
		Strs("channels", []string{"in_app", "push"}),
		Err(errors.New("boom")),
		Err(nil),
	)

	got := lines(t, buf.String())
	require.Len(t, got, 1)
	assert.Equal(t, "sent", got[0]["message"])
	assert.Equal(t, "queue", got[0]["comp"])
	assert.EqualValues(t, 4, got[0]["workers"])
	assert.EqualValues(t, 42, got[0]["user_id"])
	assert.Equal(t, true, got[0]["ok"])
	assert.Equal(t, []any{"in_app", "push"}, got[0]["channels"])
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, got[0]["caller"], "logging_test.go:")
	assert.True(t, log.Enabled(LevelWarn))
	assert.False(t, log.Enabled(LevelDebug))
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	assert.False(t, zero.With(String("a", "b")).IsZero())
	assert.NotPanics(t, func() {
		zero.Info("dropped")
		Nop().Error("dropped", Any("payload", map[string]int{"x": 1}))
	})
}

func TestServiceApplyFileAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log = log.With(String("comp", "app"))

	log.Debug("first")
	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log.Info("suppressed")
	log.Warn("second")
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	got := lines(t, string(raw))
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0]["message"])
	assert.Equal(t, "debug", got[0]["level"])
	assert.Equal(t, "second", got[1]["message"])
	assert.Equal(t, "app", got[1]["comp"])
}

func TestServiceApplyReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notifyd.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	first := svc.file
	require.NotNil(t, first)
	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	assert.Same(t, first, svc.file, "same path keeps the handle")

	err := svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(dir, "missing", "x.log")}})
	require.Error(t, err)
	assert.Nil(t, svc.file)
	assert.NotPanics(t, func() { log.Info("console only") })
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelDebug, parseLevel(" debug ", LevelInfo))
	assert.Equal(t, LevelWarn, parseLevel("WARNING", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("verbose", LevelInfo))
	assert.Equal(t, LevelError, parseLevel("", LevelError))
}
