package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sizes []int
	block chan struct{}
}

func (f *fakeSender) SendBulk(ctx context.Context, ns []domain.Notification) (dispatch.BulkResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return dispatch.BulkResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.sizes = append(f.sizes, len(ns))
	f.mu.Unlock()
	res := dispatch.BulkResult{Total: len(ns)}
	for _, n := range ns {
		if n.UserID%5 == 0 {
			res.Failed++
		} else {
			res.Successful++
		}
	}
	return res, nil
}

func (f *fakeSender) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sizes...)
}

func newService(t *testing.T, cfg Config, sender *fakeSender) (*Service, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	s, err := New(Options{Config: cfg, Sender: sender, Store: st, Bus: eventbus.New(), Log: logx.Nop()})
	require.NoError(t, err)
	return s, st
}

func userIDs(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestCreateBulk(t *testing.T) {
	t.Parallel()
	s, st := newService(t, Config{}, &fakeSender{})
	ctx := context.Background()

	ns, err := s.CreateBulk(ctx, BulkRequest{
		UserIDs:  []int64{1, 2, 2, 3},
		Type:     domain.TypeSystem,
		Title:    " Maintenance ",
		Message:  "Tonight at 02:00",
		Channels: []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
	})
	require.NoError(t, err)
	require.Len(t, ns, 3)
	for _, n := range ns {
		assert.NotEmpty(t, n.ID)
		assert.Equal(t, "Maintenance", n.Title)
		assert.Equal(t, domain.PriorityNormal, n.Priority)
		got, err := st.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
	}

	bad := []BulkRequest{
		{Type: domain.TypeSystem, Title: "t", Message: "m", Channels: []domain.Channel{domain.ChannelInApp}},
		{UserIDs: []int64{0}, Type: domain.TypeSystem, Title: "t", Message: "m", Channels: []domain.Channel{domain.ChannelInApp}},
		{UserIDs: []int64{1}, Type: domain.TypeSystem, Title: "t", Message: "m"},
		{UserIDs: []int64{1}, Type: domain.TypeSystem, Title: "t", Message: "m", Channels: []domain.Channel{"pager"}},
		{UserIDs: []int64{1}, Type: domain.TypeSystem, Title: "t", Message: "m", Channels: []domain.Channel{domain.ChannelSMS}, Priority: "asap"},
		{UserIDs: []int64{1}, Type: "Not A Type", Title: "t", Message: "m", Channels: []domain.Channel{domain.ChannelInApp}},
	}
	for i, req := range bad {
		_, err := s.CreateBulk(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "case %d", i)
	}
}

func TestProcessBulkBatches(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s, _ := newService(t, Config{BatchSize: 10}, sender)
	s.Apply(Config{BatchSize: 10, BatchDelay: time.Millisecond})

	ns := make([]domain.Notification, 25)
	for i := range ns {
		ns[i] = domain.Notification{UserID: int64(i + 1)}
	}
	rep, err := s.ProcessBulk(context.Background(), ns)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, sender.batchSizes())
	require.Len(t, rep.Batches, 3)
	assert.Equal(t, 25, rep.Total)
	assert.Equal(t, 5, rep.Failed)
	assert.Equal(t, 20, rep.Successful)
	assert.InDelta(t, 0.8, rep.SuccessRate, 1e-9)
	assert.Equal(t, 2, rep.Batches[2].Index)
	assert.Equal(t, 5, rep.Batches[2].Size)
}

func TestProcessBulkCancelledBetweenBatches(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, Config{BatchSize: 2, BatchDelay: time.Hour}, &fakeSender{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rep, err := s.ProcessBulk(ctx, make([]domain.Notification, 5))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, rep.Batches, 1)
	assert.Equal(t, 2, rep.Total)
}

func TestAsyncJob(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s, _ := newService(t, Config{BatchSize: 10, BatchDelay: time.Millisecond}, sender)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	events, unsub := s.bus.Subscribe(eventbus.BulkJobFinished, 4)
	defer unsub()

	id, err := s.NewJob(context.Background(), "launch", BulkRequest{
		UserIDs: userIDs(25), Type: domain.TypeNewArticle, Title: "New", Message: "Read it",
		Channels: []domain.Channel{domain.ChannelInApp},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := s.Status(id)
		return ok && !st.DoneAt.IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := s.Status(id)
	assert.Equal(t, "launch", st.Name)
	assert.Equal(t, 25, st.Total)
	assert.Equal(t, 25, st.Processed)
	assert.Len(t, st.Report.Batches, 3)
	assert.Equal(t, 20, st.Report.Successful)
	assert.False(t, st.Running)
	assert.Empty(t, st.Error)

	select {
	case ev := <-events:
		assert.Equal(t, id, ev.Data.(map[string]any)["job"])
	case <-time.After(time.Second):
		t.Fatal("no finished event")
	}

	_, ok := s.Status("bulk-unknown")
	assert.False(t, ok)
}

func TestNewJobWhenStopped(t *testing.T) {
	t.Parallel()
	s, st := newService(t, Config{}, &fakeSender{})
	ctx := context.Background()
	id, err := s.NewJob(ctx, "late", BulkRequest{
		UserIDs: userIDs(3), Type: domain.TypeSystem, Title: "t", Message: "m",
		Channels: []domain.Channel{domain.ChannelInApp},
	})
	assert.ErrorIs(t, err, ErrStopped)
	require.NotEmpty(t, id)

	status, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, ErrStopped.Error(), status.Error)

	_, total, err := st.ListNotifications(ctx, storage.NotificationFilter{Statuses: []domain.Status{domain.StatusPending}})
	require.NoError(t, err)
	assert.Equal(t, 3, total, "notifications stay pending for recovery")
	assert.Equal(t, 3, dueCount(t, st), "and are marked due for the scheduled sweep")
}

func dueCount(t *testing.T, st storage.Store) int {
	t.Helper()
	now := time.Now()
	_, total, err := st.ListNotifications(context.Background(), storage.NotificationFilter{
		Statuses:    []domain.Status{domain.StatusPending},
		ScheduledBy: &now,
	})
	require.NoError(t, err)
	return total
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{block: make(chan struct{})}
	s, store := newService(t, Config{Workers: 1}, sender)
	s.Start(context.Background())

	req := BulkRequest{UserIDs: userIDs(2), Type: domain.TypeSystem, Title: "t", Message: "m", Channels: []domain.Channel{domain.ChannelInApp}}
	running, err := s.NewJob(context.Background(), "a", req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := s.Status(running)
		return st.Running
	}, time.Second, 5*time.Millisecond)
	queued, err := s.NewJob(context.Background(), "b", req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	a, _ := s.Status(running)
	assert.Contains(t, a.Error, "context canceled")
	b, _ := s.Status(queued)
	assert.Equal(t, ErrStopped.Error(), b.Error)
	assert.Equal(t, 4, dueCount(t, store), "interrupted and abandoned jobs hand off their rows")
}

func TestPruneStatus(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, Config{StatusMax: 2, StatusTTL: time.Hour}, &fakeSender{})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.status = map[string]*JobStatus{
		"old":     {ID: "old", CreatedAt: now.Add(-3 * time.Hour), DoneAt: now.Add(-2 * time.Hour)},
		"done1":   {ID: "done1", DoneAt: now.Add(-30 * time.Minute)},
		"done2":   {ID: "done2", DoneAt: now.Add(-20 * time.Minute)},
		"running": {ID: "running", Running: true, CreatedAt: now.Add(-5 * time.Hour)},
	}
	s.pruneStatus(now)
	assert.Len(t, s.status, 2)
	assert.Contains(t, s.status, "running")
	assert.Contains(t, s.status, "done2")
}
