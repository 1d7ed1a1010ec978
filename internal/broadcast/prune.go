package broadcast

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneJobs evicts completed jobs idle for longer than the TTL, then the
// oldest completed ones while the registry holds more than StatusMax jobs.
// Idle and paused jobs stay until they complete: they can still be resumed.
func (s *Service) pruneJobs(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.cfg.StatusMax
	if limit <= 0 {
		limit = defaultStatusMax
	}
	ttl := s.cfg.StatusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	removed := 0
	type cand struct {
		id string
		at time.Time
	}
	done := make([]cand, 0, len(s.jobs))
	for id, e := range s.jobs {
		if e == nil || e.job == nil {
			delete(s.jobs, id)
			removed++
			continue
		}
		if e.done != nil {
			continue
		}
		info := e.job.Info()
		if info.Status != StatusCompleted {
			continue
		}
		if now.Sub(info.UpdatedAt) > ttl {
			delete(s.jobs, id)
			removed++
			continue
		}
		done = append(done, cand{id: id, at: info.UpdatedAt})
	}

	over := len(s.jobs) - limit
	if over <= 0 {
		return removed
	}
	sort.Slice(done, func(a, b int) bool { return done[a].at.Before(done[b].at) })
	for i := 0; i < len(done) && over > 0; i++ {
		delete(s.jobs, done[i].id)
		removed++
		over--
	}
	return removed
}
