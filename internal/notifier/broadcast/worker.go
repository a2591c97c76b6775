package broadcast

import (
	"context"
	"time"

	logx "notifyd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// Stop wins over queued work.
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.update(j.id, func(st *JobStatus) {
		st.StartedAt = s.now()
		st.Running = true
	})
	s.log.Info("bulk job started", logx.String("job", j.id), logx.String("name", j.name), logx.Int("total", len(j.notifications)))

	rep, err := s.processBulk(ctx, j.notifications, func(br BatchReport) {
		s.update(j.id, func(st *JobStatus) {
			st.Processed += br.Size
			st.Report.Batches = append(st.Report.Batches, br)
			st.Report.Total += br.Total
			st.Report.Successful += br.Successful
			st.Report.Failed += br.Failed
			st.Report.Skipped += br.Skipped
		})
	})

	var final JobStatus
	s.update(j.id, func(st *JobStatus) {
		st.Report.SuccessRate = rep.SuccessRate
		st.Running = false
		st.DoneAt = s.now()
		if err != nil {
			st.Error = err.Error()
		}
		final = *st
	})
	s.pruneStatus(s.now())
	s.publishFinished(final)
	if err != nil {
		s.handOff(j)
	}

	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.Int("total", rep.Total),
		logx.Int("successful", rep.Successful),
		logx.Int("failed", rep.Failed),
		logx.Int("batches", len(rep.Batches)),
		logx.Duration("took", time.Since(start)),
	}
	switch {
	case err != nil:
		s.log.Warn("bulk job interrupted", append(fields, logx.Err(err))...)
	case rep.Failed > 0:
		s.log.Warn("bulk job finished with failures", fields...)
	default:
		s.log.Info("bulk job finished", fields...)
	}
}

func (s *Service) update(id string, fn func(st *JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}

func (s *Service) fail(id string, err error) {
	var final JobStatus
	s.update(id, func(st *JobStatus) {
		st.Running = false
		st.DoneAt = s.now()
		st.Error = err.Error()
		final = *st
	})
	if final.ID != "" {
		s.publishFinished(final)
	}
}

// handOff marks the job's undispatched notifications due so the scheduled
// sweep delivers them. Rows already dispatched are left alone by the store.
func (s *Service) handOff(j job) {
	ids := make([]string, len(j.notifications))
	for i, n := range j.notifications {
		ids[i] = n.ID
	}
	changed, err := s.store.MarkDue(context.Background(), ids, s.now())
	if err != nil {
		s.log.Error("bulk job hand-off failed", logx.String("job", j.id), logx.Err(err))
		return
	}
	s.log.Info("bulk job handed to scheduled sweep", logx.String("job", j.id), logx.Int("notifications", changed))
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
