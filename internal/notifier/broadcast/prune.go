package broadcast

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneStatus drops finished jobs older than the TTL, then the oldest
// finished jobs until the map fits StatusMax. Running jobs are kept.
func (s *Service) pruneStatus(now time.Time) {
	cfg := s.config()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		if st.Running {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if now.Sub(ref) > cfg.StatusTTL {
			delete(s.status, id)
		}
	}

	over := len(s.status) - cfg.StatusMax
	if over <= 0 {
		return
	}
	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(s.status))
	for id, st := range s.status {
		if st.Running || st.DoneAt.IsZero() {
			continue
		}
		cands = append(cands, cand{id: id, t: st.DoneAt})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].t.Before(cands[j].t) })
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.status, cands[i].id)
		over--
	}
}
