package events

import (
	"context"
	"sync"
	"time"

	"mentiontrack/internal/perf"
)

// Refresh job outcomes.
const (
	RefreshQueued         = "queued"
	RefreshAlreadyRunning = "already_running"
	RefreshInCooldown     = "in_cooldown"
)

// cooldowns records when each key last ran.
type cooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newCooldowns() *cooldowns {
	return &cooldowns{last: make(map[string]time.Time)}
}

// claim reports whether key may run at now and, if so, records the run.
func (c *cooldowns) claim(key string, now time.Time, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.last[key]; ok && now.Sub(t) < d {
		return false
	}
	c.last[key] = now
	return true
}

// jobTracker tracks running refresh jobs and when each stock was last queued.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]bool
	queued  map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]bool), queued: make(map[string]time.Time)}
}

func (j *jobTracker) start(code string, now time.Time, cooldown time.Duration) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running[code] {
		return RefreshAlreadyRunning
	}
	if t, ok := j.queued[code]; ok && now.Sub(t) < cooldown {
		return RefreshInCooldown
	}
	j.running[code] = true
	j.queued[code] = now
	return RefreshQueued
}

func (j *jobTracker) done(code string) {
	j.mu.Lock()
	delete(j.running, code)
	j.mu.Unlock()
}

// ScheduleRefresh enqueues a background refresh of one stock: a backlog run
// restricted to the stock followed by a T0 refresh of its newest mentions.
// A stock already refreshing, or queued within the job cooldown, is not
// queued again.
func (s *Service) ScheduleRefresh(code string) (string, error) {
	code, err := normalizeCode(code)
	if err != nil {
		return "", err
	}
	status := s.jobs.start(code, s.now(), s.opts.RefreshJobCooldown)
	if status != RefreshQueued {
		return status, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.jobs.done(code)
		s.runRefresh(s.baseCtx, code)
	}()
	return status, nil
}

func (s *Service) runRefresh(ctx context.Context, code string) {
	start := time.Now()
	res, err := s.runner.Run(ctx, perf.RunRequest{StockCode: code})
	if err != nil {
		s.log.Error("refresh run failed", "stock", code, "error", err)
		return
	}
	if res.AbortReason != "" {
		s.log.Warn("refresh run aborted", "stock", code, "reason", res.AbortReason)
	}

	rows, _, err := s.store.StockEvents(ctx, code, 0, s.opts.MaxPerPage)
	if err != nil {
		s.log.Error("refresh read failed", "stock", code, "error", err)
		return
	}
	now := s.now()
	s.passiveSync(ctx, code, now)
	if err := s.refreshRows(ctx, rows, now); err != nil {
		s.log.Error("refresh T0 failed", "stock", code, "error", err)
		return
	}
	s.log.Info("refresh complete",
		"stock", code,
		"processed", res.Processed,
		"mentions", len(rows),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
