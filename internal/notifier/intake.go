package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Build validates req and turns it into a pending notification. Missing
// channels fall back to the type's default channels, or in-app for
// unknown types.
func (s *Service) Build(req Request) (domain.Notification, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	if err := s.validate.Struct(req); err != nil {
		return domain.Notification{}, s.wrapInvalid(err)
	}
	if req.ScheduledAt != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.ScheduledAt) {
		return domain.Notification{}, fmt.Errorf("%w: expires_at must be after scheduled_at", ErrInvalidRequest)
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = defaultChannels(req.Type)
	}
	return domain.Notification{
		UserID:      req.UserID,
		Type:        req.Type,
		Title:       req.Title,
		Message:     req.Message,
		Data:        req.Data,
		Channels:    channels,
		Priority:    req.Priority.OrDefault(),
		Status:      domain.StatusPending,
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   s.now(),
	}, nil
}

func defaultChannels(t domain.Type) []domain.Channel {
	for _, info := range domain.Catalog() {
		if info.Type == t {
			return append([]domain.Channel(nil), info.DefaultChannels...)
		}
	}
	return []domain.Channel{domain.ChannelInApp}
}

// CreateAndEnqueue persists a validated request and queues it unless it is
// scheduled in the future. A full queue does not fail the request: the
// notification is marked due and the scheduled sweep picks it up.
func (s *Service) CreateAndEnqueue(ctx context.Context, req Request) (domain.Notification, error) {
	n, err := s.Build(req)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := s.store.CreateNotification(ctx, &n); err != nil {
		return domain.Notification{}, err
	}
	s.publish(eventbus.NotificationCreated, n, map[string]any{"type": string(n.Type), "priority": string(n.Priority)})

	if !n.Due(s.now()) {
		s.publish(eventbus.NotificationScheduled, n, map[string]any{"until": *n.ScheduledAt})
		return n, nil
	}
	if err := s.Enqueue(ctx, n.ID, n.Priority); err != nil {
		s.log.Warn("created notification not queued; deferring to sweep", logx.String("notification_id", n.ID), logx.Err(err))
		s.markDue(ctx, n.ID)
	}
	return n, nil
}

// markDue hands ids that missed the queue to the scheduled sweep.
func (s *Service) markDue(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	// The caller's context may be the one that just failed.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.MarkDue(ctx, ids, s.now()); err != nil {
		s.log.Error("mark due failed; pending until restart", logx.Int("count", len(ids)), logx.Err(err))
	}
}

// ProcessPending queues every pending notification that is due. It is the
// startup recovery path. Rows that do not fit the queue are marked due for
// the scheduled sweep.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	now := s.now()
	return s.enqueueWhere(ctx, storage.NotificationFilter{
		Statuses: []domain.Status{domain.StatusPending},
		DueBy:    &now,
	})
}

// SweepScheduled queues pending notifications whose scheduled_at passed,
// including those marked due after missing the queue.
func (s *Service) SweepScheduled(ctx context.Context) (int, error) {
	now := s.now()
	return s.enqueueWhere(ctx, storage.NotificationFilter{
		Statuses:    []domain.Status{domain.StatusPending},
		ScheduledBy: &now,
	})
}

// SweepRetries re-attempts retryable deliveries younger than RetryMaxAge.
func (s *Service) SweepRetries(ctx context.Context) (int, error) {
	n, err := s.disp.RetryFailed(ctx, s.config().RetryMaxAge)
	if n > 0 {
		s.retried.Add(uint64(n))
		s.metrics.retried.Add(float64(n))
	}
	return n, err
}

const sweepPage = 500

// enqueueWhere pages through f oldest first with a keyset cursor. A full
// lane is not an error: the row is marked due and the next sweep retries it.
func (s *Service) enqueueWhere(ctx context.Context, f storage.NotificationFilter) (int, error) {
	f.Oldest = true
	f.Limit = sweepPage
	queued, deferred := 0, 0
	for {
		rows, _, err := s.store.ListNotifications(ctx, f)
		if err != nil {
			return queued, err
		}
		var overflow []string
		for _, n := range rows {
			err := s.Enqueue(ctx, n.ID, n.Priority)
			switch {
			case err == nil:
				queued++
			case errors.Is(err, ErrQueueFull):
				overflow = append(overflow, n.ID)
			default:
				s.markDue(ctx, overflow...)
				return queued, err
			}
		}
		s.markDue(ctx, overflow...)
		deferred += len(overflow)
		if len(rows) < f.Limit {
			break
		}
		f.After = storage.CursorOf(rows[len(rows)-1])
	}
	if deferred > 0 {
		s.log.Info("queue full; rows left for the next sweep", logx.Int("queued", queued), logx.Int("deferred", deferred))
	}
	return queued, nil
}
