package dispatch

import (
	"context"
	"time"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

// SendBulk dispatches notifications in sequential chunks with a pause
// between chunks. A notification counts as successful when at least one
// channel delivered. On cancellation the partial result is returned.
func (s *Service) SendBulk(ctx context.Context, ns []domain.Notification) (BulkResult, error) {
	cfg := s.config()
	res := BulkResult{}
	for start := 0; start < len(ns); start += cfg.BulkChunkSize {
		if start > 0 && cfg.BulkDelay > 0 {
			if err := sleep(ctx, cfg.BulkDelay); err != nil {
				return res, err
			}
		}
		end := min(start+cfg.BulkChunkSize, len(ns))
		for _, n := range ns[start:end] {
			res.Total++
			results, err := s.Send(ctx, n)
			switch {
			case err != nil:
				res.Failed++
				s.log.Warn("bulk send failed", logx.String("notification_id", n.ID), logx.Err(err))
			case len(results) == 0:
				res.Skipped++
			case anySuccess(results):
				res.Successful++
			default:
				res.Failed++
			}
		}
	}
	return res, nil
}

func anySuccess(rs []domain.DeliveryResult) bool {
	for _, r := range rs {
		if r.Success {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
