package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/validation"
	logx "notifyd/pkg/logx"
)

// CreateBulk persists one pending notification per user in a single store
// operation. Duplicate user IDs are collapsed.
func (s *Service) CreateBulk(ctx context.Context, req BulkRequest) ([]domain.Notification, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, validation.Describe(err))
	}
	now := s.now()
	seen := make(map[int64]bool, len(req.UserIDs))
	ptrs := make([]*domain.Notification, 0, len(req.UserIDs))
	for _, uid := range req.UserIDs {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		ptrs = append(ptrs, &domain.Notification{
			UserID:    uid,
			Type:      req.Type,
			Title:     req.Title,
			Message:   req.Message,
			Data:      req.Data,
			Channels:  append([]domain.Channel(nil), req.Channels...),
			Priority:  req.Priority.OrDefault(),
			Status:    domain.StatusPending,
			CreatedAt: now,
		})
	}
	if err := s.store.CreateNotifications(ctx, ptrs); err != nil {
		return nil, err
	}
	out := make([]domain.Notification, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out, nil
}

// ProcessBulk sends ns in batches with a pause between batches. On
// cancellation the report covers the batches finished so far.
func (s *Service) ProcessBulk(ctx context.Context, ns []domain.Notification) (Report, error) {
	return s.processBulk(ctx, ns, nil)
}

func (s *Service) processBulk(ctx context.Context, ns []domain.Notification, progress func(BatchReport)) (Report, error) {
	cfg := s.config()
	rep := Report{Batches: []BatchReport{}}
	for start, idx := 0, 0; start < len(ns); start, idx = start+cfg.BatchSize, idx+1 {
		if start > 0 && cfg.BatchDelay > 0 {
			if err := sleep(ctx, cfg.BatchDelay); err != nil {
				return rep.finish(), err
			}
		}
		end := min(start+cfg.BatchSize, len(ns))
		began := time.Now()
		res, err := s.sender.SendBulk(ctx, ns[start:end])
		br := BatchReport{Index: idx, Size: end - start, BulkResult: res, Took: time.Since(began)}
		rep.Batches = append(rep.Batches, br)
		rep.Total += res.Total
		rep.Successful += res.Successful
		rep.Failed += res.Failed
		rep.Skipped += res.Skipped
		if progress != nil {
			progress(br)
		}
		s.log.Debug("bulk batch done", logx.Int("batch", idx), logx.Int("size", br.Size),
			logx.Int("successful", res.Successful), logx.Int("failed", res.Failed), logx.Duration("took", br.Took))
		if err != nil {
			return rep.finish(), err
		}
	}
	return rep.finish(), nil
}

func (r Report) finish() Report {
	if r.Total > 0 {
		r.SuccessRate = float64(r.Successful) / float64(r.Total)
	}
	return r
}

// NewJob creates the notifications and queues them for asynchronous
// processing. The returned ID is valid for Status even when queuing fails;
// in that case the notifications are handed to the scheduled sweep.
func (s *Service) NewJob(ctx context.Context, name string, req BulkRequest) (string, error) {
	ns, err := s.CreateBulk(ctx, req)
	if err != nil {
		return "", err
	}
	now := s.now()
	id := "bulk-" + uuid.NewString()
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Name: name, Total: len(ns), CreatedAt: now, Report: Report{Batches: []BatchReport{}}}
	s.statusMu.Unlock()

	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	var qerr error
	if !running {
		qerr = ErrStopped
	} else {
		select {
		case s.queue <- job{id: id, name: name, notifications: ns}:
			s.log.Debug("bulk job queued", logx.String("job", id), logx.String("name", name), logx.Int("total", len(ns)), logx.Int("queue_len", len(s.queue)))
		default:
			qerr = ErrQueueFull
		}
	}
	s.mu.Unlock()

	if qerr != nil {
		s.log.Warn("bulk job not queued", logx.String("job", id), logx.String("name", name), logx.Err(qerr))
		s.fail(id, qerr)
		s.handOff(job{id: id, name: name, notifications: ns})
		return id, qerr
	}
	return id, nil
}

// Status returns a copy of the job's progress.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Report.Batches = append([]BatchReport(nil), st.Report.Batches...)
	return cp, true
}

func (s *Service) publishFinished(st JobStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BulkJobFinished, Time: s.now(), Data: map[string]any{
		"job":        st.ID,
		"name":       st.Name,
		"total":      st.Total,
		"successful": st.Report.Successful,
		"failed":     st.Report.Failed,
		"error":      st.Error,
	}})
}

