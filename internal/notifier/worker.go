package notifier

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/validation"
	logx "notifyd/pkg/logx"
)

// workerLoop drains the priority lane before the normal lane and returns
// once both are closed and empty or ctx ends.
func (s *Service) workerLoop(ctx context.Context, high, normal <-chan item) {
	for high != nil || normal != nil {
		if high != nil {
			select {
			case it, ok := <-high:
				if !ok {
					high = nil
					continue
				}
				s.process(ctx, it)
				continue
			default:
			}
		}
		select {
		case <-ctx.Done():
			return
		case it, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			s.process(ctx, it)
		case it, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			s.process(ctx, it)
		}
	}
}

type outcome string

const (
	outcomeSuccess outcome = "success"
	outcomeFailed  outcome = "failed"
	outcomeSkipped outcome = "skipped"
	outcomeError   outcome = "error"
	outcomePanic   outcome = "panic"
)

// process dispatches one item. Errors and panics are counted and logged;
// they never escape the worker.
func (s *Service) process(ctx context.Context, it item) {
	s.queued.Delete(it.id)
	s.busy.Add(1)
	start := time.Now()
	res := outcomeError
	defer func() {
		if r := recover(); r != nil {
			res = outcomePanic
			s.log.Error("dispatch panicked", logx.String("notification_id", it.id),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		s.busy.Add(-1)
		s.record(res, time.Since(start))
	}()

	if ctx.Err() != nil {
		// Forced shutdown: leave the notification pending for the next start.
		res = outcomeSkipped
		return
	}
	results, err := s.disp.SendByID(ctx, it.id)
	switch {
	case err != nil:
		s.log.Warn("dispatch failed", logx.String("notification_id", it.id), logx.Err(err))
	case len(results) == 0:
		res = outcomeSkipped
	case anySuccess(results):
		res = outcomeSuccess
	default:
		res = outcomeFailed
	}
	s.log.Debug("queue item processed",
		logx.String("notification_id", it.id),
		logx.String("outcome", string(res)),
		logx.Duration("waited", start.Sub(it.queuedAt)),
		logx.Duration("took", time.Since(start)))
}

func (s *Service) record(res outcome, took time.Duration) {
	s.processed.Add(1)
	switch res {
	case outcomeSuccess:
		s.successful.Add(1)
	case outcomeSkipped:
		s.skipped.Add(1)
	default:
		s.failed.Add(1)
	}
	s.metrics.processed.WithLabelValues(string(res)).Inc()
	s.metrics.duration.Observe(took.Seconds())
}

func anySuccess(rs []domain.DeliveryResult) bool {
	for _, r := range rs {
		if r.Success {
			return true
		}
	}
	return false
}

func (s *Service) publish(typ string, n domain.Notification, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), NotificationID: n.ID, UserID: n.UserID, Data: data})
}

func (s *Service) wrapInvalid(err error) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, validation.Describe(err))
}
