package dispatch

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// RetryFailed re-attempts retryable deliveries created within maxAge and
// returns how many flipped to sent. A retryable row is pending with
// 0 < attempts < max_attempts; rows failed permanently are never picked.
func (s *Service) RetryFailed(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.now()
	f := storage.DeliveryFilter{Retryable: true}
	if maxAge > 0 {
		since := now.Add(-maxAge)
		f.Since = &since
	}
	rows, err := s.store.ListDeliveries(ctx, f)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return flipped, err
		}
		ok, err := s.retryOne(ctx, row)
		if err != nil {
			s.log.Warn("retry failed", logx.String("notification_id", row.NotificationID),
				logx.String("channel", string(row.Channel)), logx.Err(err))
			continue
		}
		if ok {
			flipped++
		}
	}
	if len(rows) > 0 {
		s.log.Info("retry sweep done", logx.Int("candidates", len(rows)), logx.Int("delivered", flipped))
	}
	return flipped, nil
}

func (s *Service) retryOne(ctx context.Context, row domain.Delivery) (bool, error) {
	unlock := s.locks.Lock(row.NotificationID)
	defer unlock()

	// Re-read under the lock: a queue worker may have handled it meanwhile.
	d, ok, err := s.store.GetDelivery(ctx, row.NotificationID, row.Channel)
	if err != nil || !ok || !d.Retryable() {
		return false, err
	}
	n, err := s.store.GetNotification(ctx, d.NotificationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if n.Expired(s.now()) {
		now := s.now()
		d.Status = domain.DeliveryFailed
		d.FailedAt = domain.TimePtr(now)
		d.ErrorCode, d.ErrorMessage = "expired", "notification expired before retry"
		if err := s.store.UpdateDelivery(ctx, d); err != nil {
			return false, err
		}
		return false, s.aggregate(ctx, &n)
	}

	user := s.user(ctx, n.UserID, s.log)
	res, _, err := s.attempt(ctx, n, user, d.Channel)
	if err != nil {
		return false, err
	}
	if err := s.aggregate(ctx, &n); err != nil {
		return res.Success, err
	}
	return res.Success, nil
}
