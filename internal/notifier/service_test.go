package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	"notifyd/internal/task/scheduler"
	logx "notifyd/pkg/logx"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	order   []string
	block   chan struct{}
	fail    map[string]bool
	retried int
	calls   atomic.Int32
	ctxErrs atomic.Int32
}

func (f *fakeDispatcher) SendByID(ctx context.Context, id string) ([]domain.DeliveryResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.ctxErrs.Add(1)
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.order = append(f.order, id)
	fail := f.fail[id]
	f.mu.Unlock()
	switch {
	case id == "panic":
		panic("dispatcher bug")
	case id == "error":
		return nil, errors.New("store down")
	case fail:
		return []domain.DeliveryResult{{Channel: domain.ChannelEmail, Error: "provider_error"}}, nil
	}
	return []domain.DeliveryResult{{Success: true, Channel: domain.ChannelInApp}}, nil
}

func (f *fakeDispatcher) RetryFailed(ctx context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retried, nil
}

func (f *fakeDispatcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type fixture struct {
	svc   *Service
	disp  *fakeDispatcher
	store storage.Store
	sched *scheduler.Service
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config, disp *fakeDispatcher) *fixture {
	t.Helper()
	if disp == nil {
		disp = &fakeDispatcher{}
	}
	st := storage.NewMemory()
	sched := scheduler.New(scheduler.Config{}, logx.Nop())
	reg := prometheus.NewRegistry()
	svc, err := New(Options{
		Config:     cfg,
		Dispatcher: disp,
		Store:      st,
		Scheduler:  sched,
		Bus:        eventbus.New(),
		Registerer: reg,
		Log:        logx.Nop(),
	})
	require.NoError(t, err)
	return &fixture{svc: svc, disp: disp, store: st, sched: sched, reg: reg}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.svc.Stop(ctx)
	})
}

func TestEnqueueRequiresStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	assert.ErrorIs(t, f.svc.Enqueue(context.Background(), "a", domain.PriorityNormal), ErrStopped)
	assert.False(t, f.svc.Stats().Running)
}

func TestPriorityLaneAndBackpressure(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{block: make(chan struct{})}
	f := newFixture(t, Config{Workers: 1, QueueSize: 2}, disp)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Enqueue(ctx, "first", domain.PriorityNormal))
	require.Eventually(t, func() bool { return f.svc.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Enqueue(ctx, "n1", domain.PriorityLow))
	require.NoError(t, f.svc.Enqueue(ctx, "n2", domain.PriorityNormal))
	assert.ErrorIs(t, f.svc.Enqueue(ctx, "n3", domain.PriorityNormal), ErrQueueFull)
	require.NoError(t, f.svc.Enqueue(ctx, "u1", domain.PriorityUrgent))
	require.NoError(t, f.svc.Enqueue(ctx, "n1", domain.PriorityNormal), "duplicate is a no-op")

	st := f.svc.Stats()
	assert.Equal(t, 3, st.QueueDepth)
	assert.Equal(t, 1, st.PriorityDepth)
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, 4, st.Capacity)

	close(disp.block)
	require.Eventually(t, func() bool { return f.svc.Stats().Processed == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "u1", "n1", "n2"}, disp.seen())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.rejected.WithLabelValues("full")))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.svc.metrics.processed.WithLabelValues("success")))
}

func TestWorkerSurvivesPanicsAndErrors(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{fail: map[string]bool{"bounce": true}}
	f := newFixture(t, Config{Workers: 1}, disp)
	f.start(t)
	ctx := context.Background()

	for _, id := range []string{"panic", "error", "bounce", "ok"} {
		require.NoError(t, f.svc.Enqueue(ctx, id, domain.PriorityNormal))
	}
	require.Eventually(t, func() bool { return f.svc.Stats().Processed == 4 }, 2*time.Second, 5*time.Millisecond)

	st := f.svc.Stats()
	assert.Equal(t, uint64(1), st.Successful)
	assert.Equal(t, uint64(3), st.Failed)
	assert.InDelta(t, 0.25, st.SuccessRate, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.processed.WithLabelValues("panic")))
	assert.Zero(t, f.svc.Supervisor().Snapshot().Tasks[0].Panics, "panics are contained per item")
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	f := newFixture(t, Config{Workers: 2}, disp)
	require.NoError(t, f.svc.Start(context.Background()))
	for i := 0; i < 20; i++ {
		require.NoError(t, f.svc.Enqueue(context.Background(), string(rune('a'+i)), domain.PriorityNormal))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.svc.Stop(ctx)
	assert.Equal(t, int32(20), disp.calls.Load())
	assert.ErrorIs(t, f.svc.Enqueue(context.Background(), "late", domain.PriorityNormal), ErrStopped)
	assert.Nil(t, f.svc.Supervisor())

	// Restart after a clean stop.
	require.NoError(t, f.svc.Start(context.Background()))
	require.NoError(t, f.svc.Enqueue(context.Background(), "again", domain.PriorityNormal))
	f.svc.Stop(ctx)
	assert.Equal(t, int32(21), disp.calls.Load())
}

func TestStopDeadlineCancelsInFlight(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{block: make(chan struct{})}
	f := newFixture(t, Config{Workers: 1}, disp)
	require.NoError(t, f.svc.Start(context.Background()))
	require.NoError(t, f.svc.Enqueue(context.Background(), "stuck", domain.PriorityNormal))
	require.NoError(t, f.svc.Enqueue(context.Background(), "waiting", domain.PriorityNormal))
	require.Eventually(t, func() bool { return f.svc.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.svc.Stop(ctx)
	assert.Equal(t, int32(1), disp.ctxErrs.Load())
	assert.False(t, f.svc.Stats().Running)
}

func TestCreateAndEnqueueValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.start(t)
	ctx := context.Background()

	bad := []Request{
		{Type: domain.TypeComment, Title: "t", Message: "m"},
		{UserID: 1, Type: domain.TypeComment, Message: "m"},
		{UserID: 1, Type: domain.TypeComment, Title: "t", Message: "m", Channels: []domain.Channel{"fax"}},
		{UserID: 1, Type: domain.TypeComment, Title: "t", Message: "m", Priority: "critical"},
		{UserID: 1, Type: "Not A Type", Title: "t", Message: "m"},
		{UserID: 1, Type: domain.TypeComment, Title: "   ", Message: "m"},
	}
	for i, req := range bad {
		_, err := f.svc.CreateAndEnqueue(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "case %d", i)
	}

	_, err := f.svc.CreateAndEnqueue(ctx, Request{UserID: 1, Type: domain.TypeComment, Channels: []domain.Channel{"fax"}, Title: "t", Message: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channels[0]: channel")
}

func TestCreateAndEnqueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.start(t)
	ctx := context.Background()

	n, err := f.svc.CreateAndEnqueue(ctx, Request{UserID: 7, Type: domain.TypePaymentFailed, Title: " Payment ", Message: "Card declined"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "Payment", n.Title)
	assert.Equal(t, domain.PriorityNormal, n.Priority)
	assert.Equal(t, []domain.Channel{domain.ChannelInApp, domain.ChannelEmail, domain.ChannelSMS}, n.Channels)
	require.Eventually(t, func() bool { return f.disp.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	custom, err := f.svc.CreateAndEnqueue(ctx, Request{UserID: 7, Type: "streak_reminder", Title: "t", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Channel{domain.ChannelInApp}, custom.Channels)

	later := time.Now().Add(time.Hour)
	scheduled, err := f.svc.CreateAndEnqueue(ctx, Request{UserID: 7, Type: domain.TypeSystem, Title: "t", Message: "m", ScheduledAt: &later})
	require.NoError(t, err)
	stored, err := f.store.GetNotification(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	require.Eventually(t, func() bool { return f.disp.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, f.disp.seen(), scheduled.ID)
}

func TestCreateAndEnqueueWithFullQueue(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{block: make(chan struct{})}
	f := newFixture(t, Config{Workers: 1, QueueSize: 1}, disp)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Enqueue(ctx, "busy", domain.PriorityNormal))
	require.Eventually(t, func() bool { return f.svc.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.svc.Enqueue(ctx, "fill", domain.PriorityNormal))

	n, err := f.svc.CreateAndEnqueue(ctx, Request{UserID: 7, Type: domain.TypeComment, Title: "t", Message: "m"})
	require.NoError(t, err, "a full queue does not fail the request")
	stored, err := f.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	require.NotNil(t, stored.ScheduledAt, "marked due for the scheduled sweep")

	close(disp.block)
	require.Eventually(t, func() bool { return f.svc.Stats().Processed == 2 }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, disp.seen(), n.ID)

	queued, err := f.svc.SweepScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Eventually(t, func() bool { return f.svc.Stats().Processed == 3 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, disp.seen(), n.ID)
}

func TestProcessPendingLargerThanQueue(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{block: make(chan struct{})}
	f := newFixture(t, Config{Workers: 1, QueueSize: 2}, disp)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Enqueue(ctx, "busy", domain.PriorityNormal))
	require.Eventually(t, func() bool { return f.svc.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)

	base := time.Now().Add(-time.Minute)
	ids := make([]string, 5)
	for i := range ids {
		n := domain.Notification{UserID: 1, Type: domain.TypeLike, Priority: domain.PriorityNormal, Channels: []domain.Channel{domain.ChannelInApp}, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, f.store.CreateNotification(ctx, &n))
		ids[i] = n.ID
	}

	queued, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err, "overflow is not an error")
	assert.Equal(t, 2, queued)

	now := time.Now()
	due, _, err := f.store.ListNotifications(ctx, storage.NotificationFilter{
		Statuses:    []domain.Status{domain.StatusPending},
		ScheduledBy: &now,
		Oldest:      true,
	})
	require.NoError(t, err)
	var dueIDs []string
	for _, n := range due {
		dueIDs = append(dueIDs, n.ID)
	}
	assert.Equal(t, ids[2:], dueIDs)

	close(disp.block)
	require.Eventually(t, func() bool { return f.svc.Stats().Processed == 3 }, time.Second, 5*time.Millisecond)

	queued, err = f.svc.SweepScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, queued)
	require.Eventually(t, func() bool { return f.svc.Stats().Processed == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, append([]string{"busy"}, ids...), disp.seen())
}

func TestSweeps(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{retried: 2}
	f := newFixture(t, Config{}, disp)
	f.start(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due := domain.Notification{UserID: 1, Type: domain.TypeSystem, Channels: []domain.Channel{domain.ChannelInApp}, Status: domain.StatusPending, ScheduledAt: &past}
	notYet := domain.Notification{UserID: 1, Type: domain.TypeSystem, Channels: []domain.Channel{domain.ChannelInApp}, Status: domain.StatusPending, ScheduledAt: &future}
	require.NoError(t, f.store.CreateNotification(ctx, &due))
	require.NoError(t, f.store.CreateNotification(ctx, &notYet))

	names := map[string]bool{}
	for _, it := range f.sched.Snapshot().Schedules {
		names[it.Name] = true
	}
	assert.True(t, names[retrySweepName])
	assert.True(t, names[scheduledSweepName])

	require.NoError(t, f.sched.RunNow(ctx, scheduledSweepName))
	require.Eventually(t, func() bool { return f.disp.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{due.ID}, disp.seen())

	require.NoError(t, f.sched.RunNow(ctx, retrySweepName))
	assert.Equal(t, uint64(2), f.svc.Stats().Retried)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.metrics.retried))
}

func TestProcessPendingOnStart(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	f := newFixture(t, Config{ProcessPendingOnStart: true}, disp)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		n := domain.Notification{UserID: 1, Type: domain.TypeLike, Channels: []domain.Channel{domain.ChannelInApp}, Status: domain.StatusPending}
		require.NoError(t, f.store.CreateNotification(ctx, &n))
	}
	sent := domain.Notification{UserID: 1, Type: domain.TypeLike, Channels: []domain.Channel{domain.ChannelInApp}, Status: domain.StatusSent}
	require.NoError(t, f.store.CreateNotification(ctx, &sent))

	f.start(t)
	require.Eventually(t, func() bool { return disp.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, disp.seen(), sent.ID)
}

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.start(t)
	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["notifyd_queue_depth"])
	assert.True(t, names["notifyd_queue_busy_workers"])
}
