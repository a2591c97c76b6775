package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	tz := s.cfg.Timezone
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			StartupSpread: d.startupSpread,
			Running:       d.stats.running.Load(),
			Runs:          d.stats.runs.Load(),
			Skipped:       d.stats.skipped.Load(),
			Failed:        d.stats.failed.Load(),
		}
		d.stats.mu.Lock()
		it.LastRun, it.LastTook, it.LastErr = d.stats.lastRun, d.stats.took, d.stats.lastErr
		d.stats.mu.Unlock()
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	return Snapshot{Started: c != nil, Timezone: tz, Schedules: items}
}
