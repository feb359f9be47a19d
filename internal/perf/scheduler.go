package perf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/market"
	"mentiontrack/internal/session"
	"mentiontrack/internal/store"
)

// seriesLeadDays is how far before the earliest session date a symbol's
// series is read, so the base bar search has room.
const seriesLeadDays = 10

// AbortCancelled is the abort reason of a run stopped by its context.
const AbortCancelled = "cancelled"

// Options configures a Scheduler.
type Options struct {
	Workers             int
	BatchSize           int
	BackfillChunk       int
	BackfillHistoryDays int
	PrefetchBackfill    bool
	Benchmark           string
}

// RunRequest selects the backlog of one run.
type RunRequest struct {
	// WindowDays limits the backlog to mentions dated within the last
	// WindowDays days. Zero means no limit.
	WindowDays int
	// StockCode restricts the run to one stock when non-empty.
	StockCode string
}

// Timings breaks down a run's wall-clock time.
type Timings struct {
	Prefetch time.Duration `json:"prefetch"`
	Compute  time.Duration `json:"compute"`
	Persist  time.Duration `json:"persist"`
	Total    time.Duration `json:"total"`
}

// RunResult summarises one batch run.
type RunResult struct {
	Processed    int     `json:"processed"`
	Skipped      int     `json:"skipped"`
	Errors       int     `json:"errors"`
	UniqueStocks int     `json:"unique_stocks"`
	Computations int     `json:"computations"`
	Timings      Timings `json:"timings"`
	AbortReason  string  `json:"abort_reason,omitempty"`
}

// Scheduler computes and persists performance for the pending backlog.
type Scheduler struct {
	store    store.MentionStore
	gateway  market.Gateway
	calc     *Calculator
	sessions *session.Resolver
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(ms store.MentionStore, gw market.Gateway, calc *Calculator, sessions *session.Resolver, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 6
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.BackfillChunk <= 0 {
		opts.BackfillChunk = 50
	}
	if opts.BackfillHistoryDays <= 0 {
		opts.BackfillHistoryDays = 400
	}
	opts.Benchmark = strings.ToUpper(opts.Benchmark)
	return &Scheduler{
		store:    ms,
		gateway:  gw,
		calc:     calc,
		sessions: sessions,
		opts:     opts,
		now:      time.Now,
		log:      slog.Default().With("component", "perf-scheduler"),
	}
}

// WithClock overrides the scheduler's time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// ---------------------------------------------------------------------------
// Work units
// ---------------------------------------------------------------------------

// unitKey identifies one distinct calculation. Mentions sharing a key share
// the result.
type unitKey struct {
	stock string
	when  string // mention date, or timestamp to the second
	level int
}

type unit struct {
	key      unitKey
	mentions []domain.MentionWithRecord
}

type unitResult struct {
	unit    *unit
	payload Payload
	err     error
}

func keyOf(m domain.MentionWithRecord) unitKey {
	when := m.Mention.MentionDate.Format(domain.DateLayout)
	if m.Mention.HasTime() {
		when = m.Mention.MentionTime.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	return unitKey{
		stock: strings.ToUpper(m.Mention.StockCode),
		when:  when,
		level: m.FreezeLevel(),
	}
}

// groupUnits deduplicates the backlog into ordered work units.
func groupUnits(backlog []domain.MentionWithRecord) []*unit {
	byKey := make(map[unitKey]*unit)
	var units []*unit
	for _, m := range backlog {
		k := keyOf(m)
		u, ok := byKey[k]
		if !ok {
			u = &unit{key: k}
			byKey[k] = u
			units = append(units, u)
		}
		u.mentions = append(u.mentions, m)
	}
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].key.stock != units[j].key.stock {
			return units[i].key.stock < units[j].key.stock
		}
		return units[i].key.when < units[j].key.when
	})
	return units
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run computes performance for the backlog selected by req. Per-mention
// failures are counted and never abort sibling work; only an unroutable
// provider aborts the run, before any mutation. The error return is reserved
// for failures to read the backlog.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	runStart := time.Now()
	var res RunResult

	filter := store.BacklogFilter{StockCode: strings.ToUpper(strings.TrimSpace(req.StockCode))}
	if req.WindowDays > 0 {
		filter.Since = s.sessions.Today(s.now()).AddDate(0, 0, -req.WindowDays)
	}
	pending, err := s.store.PendingMentions(ctx, filter)
	if err != nil {
		return res, fmt.Errorf("loading backlog: %w", err)
	}
	backlog := pending[:0]
	for _, m := range pending {
		if !IsTerminal(m.FreezeLevel()) {
			backlog = append(backlog, m)
		}
	}
	if len(backlog) == 0 {
		res.Timings.Total = time.Since(runStart)
		return res, nil
	}

	if err := s.gateway.CheckProviders(ctx); err != nil {
		res.Skipped = len(backlog)
		res.AbortReason = err.Error()
		res.Timings.Total = time.Since(runStart)
		s.log.Warn("performance run aborted", "reason", res.AbortReason, "backlog", len(backlog))
		return res, nil
	}

	units := groupUnits(backlog)
	starts := seriesStarts(s.sessions, units)
	res.UniqueStocks = len(starts)
	if s.opts.Benchmark != "" {
		if _, ok := starts[s.opts.Benchmark]; !ok {
			starts[s.opts.Benchmark] = earliest(starts)
		}
	}

	s.log.Info("performance run starting",
		"mentions", len(backlog),
		"units", len(units),
		"stocks", res.UniqueStocks,
		"workers", s.opts.Workers,
	)

	cache := newSeriesCache(s.gateway, s.opts.BackfillHistoryDays, s.latestFinalDate(), s.sessions.Today(s.now()))

	if s.opts.PrefetchBackfill {
		t := time.Now()
		s.prefetch(ctx, cache, starts)
		res.Timings.Prefetch = time.Since(t)
	}

	computeStart := time.Now()
	results := make(chan unitResult, s.opts.Workers*2)
	var computations atomic.Int64

	jobs := make(chan *unit)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				if ctx.Err() != nil {
					results <- unitResult{unit: u, err: ctx.Err()}
					continue
				}
				computations.Add(1)
				p, err := s.computeUnit(ctx, cache, starts, u)
				results <- unitResult{unit: u, payload: p, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, u := range units {
			select {
			case <-ctx.Done():
				return
			case jobs <- u:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	c := newCollector(s, &res)
	seen := 0
	for r := range results {
		seen += len(r.unit.mentions)
		c.add(r)
	}
	res.Timings.Compute = time.Since(computeStart)

	c.finish()
	res.Timings.Persist = c.persist

	res.Computations = int(computations.Load())
	if ctx.Err() != nil {
		res.AbortReason = AbortCancelled
		res.Skipped += len(backlog) - seen
	}
	res.Timings.Total = time.Since(runStart)

	s.log.Info("performance run complete",
		"processed", res.Processed,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"computations", res.Computations,
		"abort", res.AbortReason,
		"elapsed", res.Timings.Total.Round(time.Millisecond),
	)
	return res, nil
}

func (s *Scheduler) computeUnit(ctx context.Context, cache *seriesCache, starts map[string]time.Time, u *unit) (Payload, error) {
	m := u.mentions[0].Mention
	series, err := cache.get(ctx, u.key.stock, starts[u.key.stock])
	if err != nil {
		return Payload{}, err
	}
	var bench []domain.PriceBar
	if s.opts.Benchmark != "" {
		bench, err = cache.get(ctx, s.opts.Benchmark, starts[s.opts.Benchmark])
		if err != nil {
			s.log.Debug("benchmark unavailable", "error", err)
			bench = nil
		}
	}
	return s.calc.Compute(Input{
		Mention:     m,
		FreezeLevel: u.key.level,
		Series:      series,
		Benchmark:   bench,
	})
}

// prefetch issues one bulk backfill per chunk of symbols. Symbols in a
// chunk that synced are not backfilled again in this run.
func (s *Scheduler) prefetch(ctx context.Context, cache *seriesCache, starts map[string]time.Time) {
	symbols := make([]string, 0, len(starts))
	for sym := range starts {
		if sym != s.opts.Benchmark {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for i := 0; i < len(symbols); i += s.opts.BackfillChunk {
		if ctx.Err() != nil {
			return
		}
		chunk := symbols[i:min(i+s.opts.BackfillChunk, len(symbols))]
		includeIndex := i == 0 && s.opts.Benchmark != ""
		r := s.gateway.SyncIncremental(ctx, chunk, s.opts.BackfillHistoryDays, includeIndex)
		if !r.Success {
			s.log.Warn("bulk backfill failed", "symbols", len(chunk), "message", r.Message)
			continue
		}
		cache.markAttempted(chunk...)
		if includeIndex {
			cache.markAttempted(s.opts.Benchmark)
		}
	}
}

// latestFinalDate is the most recent trading day whose close has settled.
func (s *Scheduler) latestFinalDate() time.Time {
	cal := s.sessions.Calendar()
	now := s.now()
	today := s.sessions.Today(now)
	if cal.IsTradingDay(today) && !now.Before(cal.FinalizeCutoff(today)) {
		return today
	}
	return cal.PrevTradingDay(today)
}

func seriesStarts(sessions *session.Resolver, units []*unit) map[string]time.Time {
	starts := make(map[string]time.Time)
	for _, u := range units {
		m := u.mentions[0].Mention
		d := m.MentionDate
		if d.IsZero() {
			d = sessions.Today(m.MentionTime)
		}
		d = d.AddDate(0, 0, -seriesLeadDays)
		if cur, ok := starts[u.key.stock]; !ok || d.Before(cur) {
			starts[u.key.stock] = d
		}
	}
	return starts
}

func earliest(starts map[string]time.Time) time.Time {
	var out time.Time
	for _, t := range starts {
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Result collection and batched persistence
// ---------------------------------------------------------------------------

// collector buffers records and flushes them in fixed-size batches, one
// transaction per batch. It runs on a single goroutine.
type collector struct {
	s        *Scheduler
	res      *RunResult
	buf      []domain.PerformanceRecord
	contents map[string]bool
	persist  time.Duration
}

func newCollector(s *Scheduler, res *RunResult) *collector {
	return &collector{
		s:        s,
		res:      res,
		buf:      make([]domain.PerformanceRecord, 0, s.opts.BatchSize),
		contents: make(map[string]bool),
	}
}

func (c *collector) add(r unitResult) {
	switch {
	case r.err == nil:
	case errors.Is(r.err, context.Canceled), errors.Is(r.err, context.DeadlineExceeded),
		errors.Is(r.err, domain.ErrDataGap):
		c.res.Skipped += len(r.unit.mentions)
		return
	default:
		c.s.log.Warn("performance computation failed", "stock", r.unit.key.stock, "error", r.err)
		c.res.Errors += len(r.unit.mentions)
		return
	}

	for _, m := range r.unit.mentions {
		c.buf = append(c.buf, r.payload.Apply(m.Mention.ID, m.Record))
		if m.Mention.ContentID != "" {
			c.contents[m.Mention.ContentID] = true
		}
		if len(c.buf) >= c.s.opts.BatchSize {
			c.flush()
		}
	}
}

func (c *collector) flush() {
	if len(c.buf) == 0 {
		return
	}
	t := time.Now()
	// Buffered work is written even when the run was cancelled.
	ctx := context.Background()
	if err := c.s.store.UpsertPerformanceBatch(ctx, c.buf); err != nil {
		c.s.log.Warn("performance batch failed, writing records one by one", "records", len(c.buf), "error", err)
		for _, rec := range c.buf {
			if err := c.s.store.UpsertPerformance(ctx, rec); err != nil {
				c.s.log.Error("performance record failed", "mention_id", rec.MentionID, "error", err)
				c.res.Errors++
				continue
			}
			c.res.Processed++
		}
	} else {
		c.res.Processed += len(c.buf)
		c.s.log.Debug("performance batch flushed", "records", len(c.buf))
	}
	c.buf = c.buf[:0]
	c.persist += time.Since(t)
}

func (c *collector) finish() {
	c.flush()
	if len(c.contents) == 0 {
		return
	}
	ids := make([]string, 0, len(c.contents))
	for id := range c.contents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	t := time.Now()
	if err := c.s.store.RefreshContentStatus(context.Background(), ids); err != nil {
		c.s.log.Error("refreshing content status failed", "contents", len(ids), "error", err)
	}
	c.persist += time.Since(t)
}

// ---------------------------------------------------------------------------
// Series cache
// ---------------------------------------------------------------------------

// seriesCache holds per-symbol bar series for one run together with the set
// of symbols already backfilled. One lock guards both; gateway calls happen
// outside it. Concurrent readers of a symbol wait for its single load.
type seriesCache struct {
	gw          market.Gateway
	historyDays int
	latestFinal time.Time
	today       time.Time

	mu        sync.Mutex
	series    map[string]*seriesEntry
	attempted map[string]bool
}

type seriesEntry struct {
	ready chan struct{}
	bars  []domain.PriceBar
	err   error
}

func newSeriesCache(gw market.Gateway, historyDays int, latestFinal, today time.Time) *seriesCache {
	return &seriesCache{
		gw:          gw,
		historyDays: historyDays,
		latestFinal: latestFinal,
		today:       today,
		series:      make(map[string]*seriesEntry),
		attempted:   make(map[string]bool),
	}
}

// markAttempted records symbols as backfilled for this run.
func (c *seriesCache) markAttempted(symbols ...string) {
	c.mu.Lock()
	for _, s := range symbols {
		c.attempted[s] = true
	}
	c.mu.Unlock()
}

// claimBackfill reports whether the caller should backfill symbol, marking
// it attempted when so.
func (c *seriesCache) claimBackfill(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempted[symbol] {
		return false
	}
	c.attempted[symbol] = true
	return true
}

// get returns final bars for symbol from start through today, backfilling
// at most once per run when the stored series is empty or stale.
func (c *seriesCache) get(ctx context.Context, symbol string, start time.Time) ([]domain.PriceBar, error) {
	c.mu.Lock()
	if e, ok := c.series[symbol]; ok {
		c.mu.Unlock()
		select {
		case <-e.ready:
			return e.bars, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &seriesEntry{ready: make(chan struct{})}
	c.series[symbol] = e
	c.mu.Unlock()

	e.bars, e.err = c.load(ctx, symbol, start)
	close(e.ready)
	return e.bars, e.err
}

func (c *seriesCache) load(ctx context.Context, symbol string, start time.Time) ([]domain.PriceBar, error) {
	bars, err := c.gw.GetPriceRange(ctx, symbol, start, c.today, false)
	if err != nil {
		return nil, err
	}
	if !c.stale(bars) || !c.claimBackfill(symbol) {
		return bars, nil
	}
	if r := c.gw.SyncIncremental(ctx, []string{symbol}, c.historyDays, false); !r.Success {
		return bars, nil
	}
	return c.gw.GetPriceRange(ctx, symbol, start, c.today, false)
}

func (c *seriesCache) stale(bars []domain.PriceBar) bool {
	if len(bars) == 0 {
		return true
	}
	return bars[len(bars)-1].TradeDate.Before(c.latestFinal)
}
