package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "notifyd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mem.Close()
		_ = sq.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestNotificationRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			n := &domain.Notification{
				UserID:    7,
				Type:      domain.TypeComment,
				Title:     "New comment",
				Message:   "hello",
				Data:      map[string]any{"post_id": "p1"},
				Channels:  []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
				ExpiresAt: domain.TimePtr(base.Add(time.Hour)),
				CreatedAt: base,
			}
			require.NoError(t, st.CreateNotification(ctx, n))
			require.NotEmpty(t, n.ID)
			assert.Equal(t, domain.StatusPending, n.Status)
			assert.Equal(t, domain.PriorityNormal, n.Priority)

			got, err := st.GetNotification(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, n.Title, got.Title)
			assert.Equal(t, "p1", got.Data["post_id"])
			assert.Equal(t, n.Channels, got.Channels)
			require.NotNil(t, got.ExpiresAt)
			assert.True(t, got.ExpiresAt.Equal(*n.ExpiresAt))
			assert.Nil(t, got.SentAt)

			require.NoError(t, st.SetDispatchState(ctx, n.ID, DispatchState{Status: domain.StatusSent, SentAt: domain.TimePtr(base.Add(time.Minute))}))

			again, err := st.GetNotification(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSent, again.Status)
			require.NotNil(t, again.SentAt)

			_, err = st.GetNotification(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			dup := &domain.Notification{ID: n.ID, UserID: 7, Type: domain.TypeComment, Channels: []domain.Channel{domain.ChannelInApp}}
			assert.True(t, errors.Is(st.CreateNotification(ctx, dup), ErrConflict))
		})
	}
}

func TestListNotificationsFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			batch := []*domain.Notification{
				{UserID: 1, Type: domain.TypeLike, Title: "a", Channels: []domain.Channel{domain.ChannelInApp}, CreatedAt: base},
				{UserID: 1, Type: domain.TypeFollow, Title: "b", Channels: []domain.Channel{domain.ChannelInApp}, CreatedAt: base.Add(time.Second)},
				{UserID: 1, Type: domain.TypeLike, Title: "c", Channels: []domain.Channel{domain.ChannelInApp}, CreatedAt: base.Add(2 * time.Second),
					ScheduledAt: domain.TimePtr(base.Add(time.Hour))},
				{UserID: 2, Type: domain.TypeLike, Title: "d", Channels: []domain.Channel{domain.ChannelInApp}, CreatedAt: base},
			}
			require.NoError(t, st.CreateNotifications(ctx, batch))

			all, total, err := st.ListNotifications(ctx, NotificationFilter{UserID: 1})
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, all, 3)
			assert.Equal(t, "c", all[0].Title, "newest first")

			pageOne, total, err := st.ListNotifications(ctx, NotificationFilter{UserID: 1, Limit: 2, Offset: 2})
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, pageOne, 1)
			assert.Equal(t, "a", pageOne[0].Title)

			likes, _, err := st.ListNotifications(ctx, NotificationFilter{UserID: 1, Type: domain.TypeLike})
			require.NoError(t, err)
			assert.Len(t, likes, 2)

			now := base.Add(time.Minute)
			due, _, err := st.ListNotifications(ctx, NotificationFilter{Statuses: []domain.Status{domain.StatusPending}, DueBy: &now, Oldest: true})
			require.NoError(t, err)
			assert.Len(t, due, 3)

			later := base.Add(2 * time.Hour)
			sched, _, err := st.ListNotifications(ctx, NotificationFilter{ScheduledBy: &later})
			require.NoError(t, err)
			require.Len(t, sched, 1)
			assert.Equal(t, "c", sched[0].Title)
		})
	}
}

func TestMarkAllRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			sent := &domain.Notification{UserID: 3, Type: domain.TypeSystem, Status: domain.StatusSent, Channels: []domain.Channel{domain.ChannelInApp}}
			pending := &domain.Notification{UserID: 3, Type: domain.TypeSystem, Channels: []domain.Channel{domain.ChannelInApp}}
			other := &domain.Notification{UserID: 4, Type: domain.TypeSystem, Channels: []domain.Channel{domain.ChannelInApp}}
			require.NoError(t, st.CreateNotifications(ctx, []*domain.Notification{sent, pending, other}))

			n, err := st.MarkAllRead(ctx, 3, time.Now())
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			got, err := st.GetNotification(ctx, sent.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusRead, got.Status)
			assert.NotNil(t, got.ReadAt)

			got, err = st.GetNotification(ctx, pending.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, got.Status)
			assert.NotNil(t, got.ReadAt)

			n, err = st.MarkAllRead(ctx, 3, time.Now())
			require.NoError(t, err)
			assert.Zero(t, n)

			unread, _, err := st.ListNotifications(ctx, NotificationFilter{UserID: 4, Unread: true})
			require.NoError(t, err)
			assert.Len(t, unread, 1)
		})
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.GetPreferences(ctx, 9)
			require.NoError(t, err)
			assert.False(t, ok)

			p := domain.DefaultPreferences(9, now)
			start, end := domain.MustTimeOfDay("22:00"), domain.MustTimeOfDay("07:00")
			p.QuietStart, p.QuietEnd = &start, &end
			p.Timezone = "Asia/Tehran"
			p.Types[domain.TypeLike] = false
			require.NoError(t, st.PutPreferences(ctx, p))

			got, ok, err := st.GetPreferences(ctx, 9)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Email)
			assert.False(t, got.SMS)
			assert.False(t, got.TypeEnabled(domain.TypeLike))
			require.NotNil(t, got.QuietStart)
			assert.Equal(t, start, *got.QuietStart)
			assert.Equal(t, "Asia/Tehran", got.Timezone)

			got.SMS = true
			got.QuietStart, got.QuietEnd = nil, nil
			require.NoError(t, st.PutPreferences(ctx, got))
			again, _, err := st.GetPreferences(ctx, 9)
			require.NoError(t, err)
			assert.True(t, again.SMS)
			assert.False(t, again.HasQuietHours())
		})
	}
}

func TestDeliveriesUniquePerChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			d := &domain.Delivery{NotificationID: "n1", UserID: 5, Type: domain.TypeLike, Channel: domain.ChannelEmail}
			require.NoError(t, st.CreateDelivery(ctx, d))
			assert.Equal(t, domain.DefaultMaxAttempts, d.MaxAttempts)
			assert.Equal(t, domain.DeliveryPending, d.Status)

			err := st.CreateDelivery(ctx, &domain.Delivery{NotificationID: "n1", UserID: 5, Channel: domain.ChannelEmail})
			assert.True(t, errors.Is(err, ErrConflict))

			require.NoError(t, st.CreateDelivery(ctx, &domain.Delivery{NotificationID: "n1", UserID: 5, Channel: domain.ChannelSMS}))

			got, ok, err := st.GetDelivery(ctx, "n1", domain.ChannelEmail)
			require.NoError(t, err)
			require.True(t, ok)
			got.Attempts = 1
			got.LastAttemptAt = domain.TimePtr(time.Now())
			got.ErrorCode = "timeout"
			require.NoError(t, st.UpdateDelivery(ctx, got))

			retry, err := st.ListDeliveries(ctx, DeliveryFilter{Retryable: true})
			require.NoError(t, err)
			require.Len(t, retry, 1)
			assert.Equal(t, domain.ChannelEmail, retry[0].Channel)
			assert.Equal(t, "timeout", retry[0].ErrorCode)

			all, err := st.ListDeliveries(ctx, DeliveryFilter{NotificationID: "n1"})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			_, ok, err = st.GetDelivery(ctx, "n1", domain.ChannelPush)
			require.NoError(t, err)
			assert.False(t, ok)

			missing := domain.Delivery{NotificationID: "nope", Channel: domain.ChannelPush}
			assert.True(t, errors.Is(st.UpdateDelivery(ctx, missing), ErrNotFound))
		})
	}
}

func TestUsersAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetUser(ctx, 11)
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, st.UpsertUser(ctx, domain.User{ID: 11, Email: "a@example.com"}))
			require.NoError(t, st.UpsertUser(ctx, domain.User{ID: 11, Email: "b@example.com", Phone: "0912"}))
			u, err := st.GetUser(ctx, 11)
			require.NoError(t, err)
			assert.Equal(t, "b@example.com", u.Email)
			assert.Equal(t, "0912", u.Phone)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{NotificationID: "n1", UserID: 11, Channel: domain.ChannelSMS, Attempt: 1, OK: true}))
		})
	}
}

func TestCursorPagingOverShrinkingSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			batch := make([]*domain.Notification, 7)
			for i := range batch {
				// Pairs share created_at so the id breaks ties.
				batch[i] = &domain.Notification{UserID: 1, Type: domain.TypeLike, Title: "t",
					Channels: []domain.Channel{domain.ChannelInApp}, CreatedAt: base.Add(time.Duration(i/2) * time.Second)}
			}
			require.NoError(t, st.CreateNotifications(ctx, batch))

			f := NotificationFilter{Statuses: []domain.Status{domain.StatusPending}, Oldest: true, Limit: 2}
			seen := map[string]bool{}
			var order []string
			for {
				rows, _, err := st.ListNotifications(ctx, f)
				require.NoError(t, err)
				for _, n := range rows {
					require.False(t, seen[n.ID], "row visited twice")
					seen[n.ID] = true
					order = append(order, n.ID)
					// Dispatch empties the pending set while the sweep pages.
					require.NoError(t, st.SetDispatchState(ctx, n.ID, DispatchState{Status: domain.StatusSent}))
				}
				if len(rows) < f.Limit {
					break
				}
				f.After = CursorOf(rows[len(rows)-1])
			}
			assert.Len(t, order, 7)
		})
	}
}

func TestSetDispatchStateKeepsReadReceipts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			pending := &domain.Notification{UserID: 3, Type: domain.TypeLike, Title: "p", Channels: []domain.Channel{domain.ChannelInApp}}
			read := &domain.Notification{UserID: 4, Type: domain.TypeLike, Title: "r", Channels: []domain.Channel{domain.ChannelInApp}}
			require.NoError(t, st.CreateNotifications(ctx, []*domain.Notification{pending, read}))

			_, err := st.MarkAllRead(ctx, 3, base)
			require.NoError(t, err)
			sentAt := base.Add(time.Second)
			require.NoError(t, st.SetDispatchState(ctx, pending.ID, DispatchState{Status: domain.StatusSent, SentAt: &sentAt}))

			got, err := st.GetNotification(ctx, pending.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusRead, got.Status)
			require.NotNil(t, got.ReadAt)
			assert.True(t, got.ReadAt.Equal(base))
			require.NotNil(t, got.SentAt)
			assert.True(t, got.SentAt.Equal(sentAt))
			assert.Nil(t, got.ScheduledAt)

			require.NoError(t, st.SetDispatchState(ctx, read.ID, DispatchState{Status: domain.StatusSent, SentAt: &sentAt}))
			require.NoError(t, st.MarkRead(ctx, read.ID, base))
			later := base.Add(time.Hour)
			require.NoError(t, st.SetDispatchState(ctx, read.ID, DispatchState{Status: domain.StatusSent, SentAt: &later}))
			got, err = st.GetNotification(ctx, read.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusRead, got.Status)
			assert.True(t, got.SentAt.Equal(sentAt), "first sent_at is kept")

			assert.ErrorIs(t, st.SetDispatchState(ctx, "missing", DispatchState{Status: domain.StatusSent}), ErrNotFound)
			assert.ErrorIs(t, st.MarkRead(ctx, "missing", base), ErrNotFound)
		})
	}
}

func TestMarkDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			future := base.Add(time.Hour)
			fresh := &domain.Notification{UserID: 1, Type: domain.TypeLike, Title: "a", Channels: []domain.Channel{domain.ChannelInApp}}
			deferred := &domain.Notification{UserID: 1, Type: domain.TypeLike, Title: "b", Channels: []domain.Channel{domain.ChannelInApp}, ScheduledAt: &future}
			done := &domain.Notification{UserID: 1, Type: domain.TypeLike, Title: "c", Channels: []domain.Channel{domain.ChannelInApp}, Status: domain.StatusSent}
			require.NoError(t, st.CreateNotifications(ctx, []*domain.Notification{fresh, deferred, done}))

			changed, err := st.MarkDue(ctx, []string{fresh.ID, deferred.ID, done.ID, "missing"}, base)
			require.NoError(t, err)
			assert.Equal(t, 1, changed)

			now := base.Add(time.Second)
			due, _, err := st.ListNotifications(ctx, NotificationFilter{Statuses: []domain.Status{domain.StatusPending}, ScheduledBy: &now})
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, fresh.ID, due[0].ID)

			got, err := st.GetNotification(ctx, deferred.ID)
			require.NoError(t, err)
			assert.True(t, got.ScheduledAt.Equal(future), "quiet-hours deferral is kept")

			changed, err = st.MarkDue(ctx, nil, base)
			require.NoError(t, err)
			assert.Zero(t, changed)
		})
	}
}
