package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	logx "notifyd/pkg/logx"
)

var (
	ErrUnknownSchedule = errors.New("scheduler: unknown schedule")
	ErrStillRunning    = errors.New("scheduler: previous run still in progress")
)

// Add parses schedule and registers the job under name, replacing any
// schedule with the same name.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, stats: &runStats{}})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec),
		logx.Duration("timeout", timeout), logx.Duration("startup_spread", d.startupSpread))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// RunNow runs the named job synchronously with the same overlap rule and
// timeout as a cron tick.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.run(ctx, *def)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.mu.Lock()
		parent := s.ctx
		s.mu.Unlock()
		if parent == nil {
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		if err := s.run(parent, def); errors.Is(err, ErrStillRunning) {
			s.log.Debug("schedule tick skipped", logx.String("schedule", def.name))
		}
	})

	// Interval schedules get a startup spread so sweeps don't fire together.
	if strings.HasPrefix(d.spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.spec, "@every")))
		if err == nil && every > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) run(parent context.Context, d scheduleDef) (err error) {
	st := d.stats
	if !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		return ErrStillRunning
	}
	defer st.running.Store(false)

	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("scheduled job panicked", logx.String("schedule", d.name),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		took := time.Since(start)
		st.runs.Add(1)
		st.mu.Lock()
		st.lastRun, st.took, st.lastErr = start, took, ""
		if err != nil {
			st.lastErr = err.Error()
		}
		st.mu.Unlock()
		if err != nil {
			st.failed.Add(1)
			s.log.Warn("scheduled job failed", logx.String("schedule", d.name), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Debug("scheduled job done", logx.String("schedule", d.name), logx.Duration("took", took))
	}()
	return d.job(ctx)
}
