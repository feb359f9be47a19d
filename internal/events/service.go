// Package events implements the read and refresh paths consumed by the API
// layer: paginated stock event views, deduplicated refresh jobs, backlog
// runs and the T0 board.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mentiontrack/internal/board"
	"mentiontrack/internal/domain"
	"mentiontrack/internal/market"
	"mentiontrack/internal/perf"
	"mentiontrack/internal/session"
	"mentiontrack/internal/snapshot"
	"mentiontrack/internal/store"
)

// Read modes.
const (
	ModeFast = "fast"
	ModeFull = "full"
)

// PerformanceRunner runs a batch performance computation.
type PerformanceRunner interface {
	Run(ctx context.Context, req perf.RunRequest) (perf.RunResult, error)
}

// PriceResolver resolves T0 reference prices.
type PriceResolver interface {
	Resolve(ctx context.Context, symbol string, at time.Time) snapshot.Result
	ResolveOpen(ctx context.Context, symbol string, date time.Time) snapshot.Result
	ResolveClose(ctx context.Context, symbol string, date time.Time) snapshot.Result
}

// Syncer backfills local price bars for symbols and reports the live market
// clock.
type Syncer interface {
	SyncIncremental(ctx context.Context, symbols []string, historyDays int, includeIndex bool) domain.SyncResult
	IsMarketClosedNow(ctx context.Context) bool
}

var (
	_ PerformanceRunner = (*perf.Scheduler)(nil)
	_ PriceResolver     = (*snapshot.Resolver)(nil)
	_ Syncer            = (*market.AlpacaGateway)(nil)
)

// Options configures a Service.
type Options struct {
	ManualRefreshCooldown time.Duration
	PassiveSyncCooldown   time.Duration
	RefreshJobCooldown    time.Duration
	DefaultPerPage        int
	MaxPerPage            int
	SyncHistoryDays       int
	// RefreshWorkers bounds concurrent T0 resolutions within one page.
	RefreshWorkers int
}

func (o *Options) setDefaults() {
	if o.ManualRefreshCooldown <= 0 {
		o.ManualRefreshCooldown = 10 * time.Second
	}
	if o.PassiveSyncCooldown <= 0 {
		o.PassiveSyncCooldown = 300 * time.Second
	}
	if o.RefreshJobCooldown <= 0 {
		o.RefreshJobCooldown = 30 * time.Second
	}
	if o.DefaultPerPage <= 0 {
		o.DefaultPerPage = 20
	}
	if o.MaxPerPage <= 0 {
		o.MaxPerPage = 200
	}
	if o.SyncHistoryDays <= 0 {
		o.SyncHistoryDays = 400
	}
	if o.RefreshWorkers <= 0 {
		o.RefreshWorkers = 4
	}
}

// Service serves stock event pages, refresh jobs and the T0 board.
type Service struct {
	store    store.EventStore
	runner   PerformanceRunner
	prices   PriceResolver
	syncer   Syncer
	sessions *session.Resolver
	boards   *board.Builder
	opts     Options
	now      func() time.Time
	log      *slog.Logger

	manual  *cooldowns
	passive *cooldowns
	jobs    *jobTracker

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a Service. syncer may be nil to disable passive syncs.
func NewService(es store.EventStore, runner PerformanceRunner, prices PriceResolver, syncer Syncer,
	sessions *session.Resolver, opts Options) *Service {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    es,
		runner:   runner,
		prices:   prices,
		syncer:   syncer,
		sessions: sessions,
		boards:   board.NewBuilder(sessions),
		opts:     opts,
		now:      time.Now,
		log:      slog.Default().With("component", "events"),
		manual:   newCooldowns(),
		passive:  newCooldowns(),
		jobs:     newJobTracker(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// WithClock overrides the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Wait blocks until every queued refresh job has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Close cancels running refresh jobs and waits for them to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// Stock events
// ---------------------------------------------------------------------------

// Page is one page of a stock's mention events.
type Page struct {
	StockCode  string      `json:"stock_code"`
	Mode       string      `json:"mode"`
	Page       int         `json:"page"`
	PerPage    int         `json:"per_page"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
	Refreshed  bool        `json:"refreshed"`
	Throttled  bool        `json:"throttled"`
	Events     []EventView `json:"events"`
}

// GetStockEvents returns one page of a stock's mentions with performance
// and T0 fields. Fast mode is a pure read. Full mode refreshes T0 prices
// first unless the stock was refreshed within the manual cooldown, in which
// case the page is served as fast with Throttled set.
func (s *Service) GetStockEvents(ctx context.Context, code, mode string, page, perPage int) (Page, error) {
	code, err := normalizeCode(code)
	if err != nil {
		return Page{}, err
	}
	if mode == "" {
		mode = ModeFast
	}
	if mode != ModeFast && mode != ModeFull {
		return Page{}, fmt.Errorf("%w: mode %q", domain.ErrInvalidInput, mode)
	}
	if page == 0 {
		page = 1
	}
	if perPage == 0 {
		perPage = s.opts.DefaultPerPage
	}
	if page < 0 || perPage < 0 {
		return Page{}, fmt.Errorf("%w: page and per_page must be positive", domain.ErrInvalidInput)
	}
	perPage = min(perPage, s.opts.MaxPerPage)

	rows, total, err := s.store.StockEvents(ctx, code, (page-1)*perPage, perPage)
	if err != nil {
		return Page{}, fmt.Errorf("reading events for %s: %w", code, err)
	}

	out := Page{
		StockCode:  code,
		Mode:       mode,
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: (total + perPage - 1) / perPage,
	}

	if mode == ModeFull {
		now := s.now()
		if s.manual.claim(code, now, s.opts.ManualRefreshCooldown) {
			s.passiveSync(ctx, code, now)
			if err := s.refreshRows(ctx, rows, now); err != nil {
				return Page{}, err
			}
			out.Refreshed = true
		} else {
			out.Throttled = true
		}
	}

	out.Events = make([]EventView, 0, len(rows))
	for _, r := range rows {
		out.Events = append(out.Events, s.view(r))
	}
	return out, nil
}

// passiveSync backfills the stock's bars at most once per cooldown for each
// (stock, date, market phase).
func (s *Service) passiveSync(ctx context.Context, code string, now time.Time) {
	if s.syncer == nil {
		return
	}
	key := code + "|" + s.sessions.Today(now).Format(domain.DateLayout) + "|" + s.marketPhase(ctx, now)
	if !s.passive.claim(key, now, s.opts.PassiveSyncCooldown) {
		return
	}
	res := s.syncer.SyncIncremental(ctx, []string{code}, s.opts.SyncHistoryDays, false)
	if !res.Success {
		s.log.Warn("passive sync failed", "stock", code, "message", res.Message)
	}
}

// marketPhase returns preopen, open or closed for now. Inside calendar
// hours the exchange clock decides, which catches halts and early closes.
func (s *Service) marketPhase(ctx context.Context, now time.Time) string {
	cal := s.sessions.Calendar()
	today := s.sessions.Today(now)
	switch {
	case !cal.IsTradingDay(today):
		return "closed"
	case now.Before(cal.SessionOpen(today)):
		return "preopen"
	case !now.Before(cal.FinalizeCutoff(today)):
		return "closed"
	}
	if s.syncer != nil && s.syncer.IsMarketClosedNow(ctx) {
		return "closed"
	}
	return "open"
}

// ---------------------------------------------------------------------------
// Backlog and board
// ---------------------------------------------------------------------------

// RunPendingPerformance computes the pending backlog for mentions dated
// within the last windowDays days (zero for all).
func (s *Service) RunPendingPerformance(ctx context.Context, windowDays int) (perf.RunResult, error) {
	if windowDays < 0 {
		return perf.RunResult{}, fmt.Errorf("%w: window_days %d", domain.ErrInvalidInput, windowDays)
	}
	return s.runner.Run(ctx, perf.RunRequest{WindowDays: windowDays})
}

// boardKey is the manual cooldown key for full board refreshes.
const boardKey = "*board"

// Board returns the three-window T0 board. Full mode refreshes the T0 state
// of every mention on the board, subject to the manual cooldown.
func (s *Service) Board(ctx context.Context, mode string) (board.Board, error) {
	if mode == "" {
		mode = ModeFast
	}
	if mode != ModeFast && mode != ModeFull {
		return board.Board{}, fmt.Errorf("%w: mode %q", domain.ErrInvalidInput, mode)
	}

	now := s.now()
	start, end := s.boards.Layout(now).Span()
	rows, err := s.store.MentionsBetween(ctx, start, end)
	if err != nil {
		return board.Board{}, fmt.Errorf("reading board mentions: %w", err)
	}
	if mode == ModeFull && s.manual.claim(boardKey, now, s.opts.ManualRefreshCooldown) {
		if err := s.refreshRows(ctx, rows, now); err != nil {
			return board.Board{}, err
		}
	}
	b := s.boards.Build(now, rows)
	s.log.Debug("board built", "mode", mode, "summary", b.Summary())
	return b, nil
}

func normalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || len(code) > 16 || strings.ContainsAny(code, " /") {
		return "", fmt.Errorf("%w: stock code %q", domain.ErrInvalidInput, code)
	}
	return code, nil
}
