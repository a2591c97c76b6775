package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notifyd/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 5m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "CRON:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "60s", kind: SpecInterval, source: "duration", duration: time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every: 00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:75", "interval:", "-5m", "cron:"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	err := s.Add("sweep", "61 * * * *", 0, func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Error(t, s.Add("", "@every 1m", 0, func(context.Context) error { return nil }))
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	require.NoError(t, s.Add("retry", "@every 5m", 0, job))
	require.NoError(t, s.Add("retry", "60s", 0, job))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@every 1m0s", snap.Schedules[0].Spec)
	assert.False(t, snap.Started)

	assert.True(t, s.Remove("retry"))
	assert.False(t, s.Remove("retry"))
}

func TestRunNowTracksOutcomes(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.Add("flaky", "@every 1h", time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return boom
		}
		_, ok := ctx.Deadline()
		assert.True(t, ok, "timeout is applied")
		return nil
	}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "flaky"), boom)
	assert.NoError(t, s.RunNow(context.Background(), "flaky"))
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownSchedule)

	info := s.Snapshot().Schedules[0]
	assert.Equal(t, uint64(2), info.Runs)
	assert.Equal(t, uint64(1), info.Failed)
	assert.Empty(t, info.LastErr)
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Add("slow", "@every 1h", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started
	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrStillRunning)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), s.Snapshot().Schedules[0].Skipped)
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	require.NoError(t, s.Add("bad", "@every 1h", 0, func(context.Context) error { panic("nope") }))
	err := s.RunNow(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.False(t, s.Snapshot().Schedules[0].Running)
}

func TestStartStopRegistersEntries(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	require.NoError(t, s.Add("scheduled", "@every 1m", 0, func(context.Context) error { return nil }))
	require.NoError(t, s.Add("nightly", "0 3 * * *", 0, func(context.Context) error { return nil }))

	s.Start(context.Background())
	snap := s.Snapshot()
	assert.True(t, snap.Started)
	assert.Equal(t, "UTC", snap.Timezone)
	for _, it := range snap.Schedules {
		assert.False(t, it.Next.IsZero(), it.Name)
	}
	assert.Less(t, snap.Schedules[0].StartupSpread, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.Snapshot().Started)
	assert.Len(t, s.Snapshot().Schedules, 2)
}

func TestSpreadScheduleDelaysFirstTickOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "retry")
	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), sched.Next(first).Truncate(time.Second))
}
