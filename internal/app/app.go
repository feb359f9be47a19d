// Package app wires the engine's components from configuration.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mentiontrack/internal/config"
	"mentiontrack/internal/events"
	"mentiontrack/internal/market"
	"mentiontrack/internal/perf"
	"mentiontrack/internal/session"
	"mentiontrack/internal/snapshot"
	"mentiontrack/internal/store"
	"mentiontrack/internal/util"
)

// calendarSpan is how far back and ahead of today the exchange calendar is
// loaded.
const calendarSpan = 400 * 24 * time.Hour

// App holds the wired components.
type App struct {
	Config    *config.Config
	Mentions  *store.SQLiteStore
	Bars      *store.ParquetStore
	Calendar  *util.TradingCalendar
	Gateway   *market.AlpacaGateway
	Sessions  *session.Resolver
	Scheduler *perf.Scheduler
	Snapshots *snapshot.Resolver
	Events    *events.Service
}

// New opens the stores and builds every component from cfg.
func New(cfg *config.Config) (*App, error) {
	cal, err := NewCalendar(cfg.Market)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	mentions, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening mention store: %w", err)
	}
	bars := store.NewParquetStore(cfg.Storage.DataDir, cfg.Market.Name)

	gw := market.NewAlpacaGateway(market.AlpacaOptions{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		BaseURL:         cfg.Alpaca.BaseURL,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		Benchmark:       cfg.Market.Benchmark,
	}, bars, cal)

	if gw.Trading() != nil {
		now := time.Now()
		n, err := market.LoadTradingDays(gw.Trading(), cal, now.Add(-calendarSpan), now.Add(calendarSpan))
		if err != nil {
			slog.Warn("exchange calendar unavailable, using weekday rule", "error", err)
		} else {
			slog.Info("exchange calendar loaded", "days", n)
		}
	}

	sessions := session.NewResolver(cal)
	pc := cfg.Performance
	calc := perf.NewCalculator(sessions, perf.FreezePolicy{
		Level1Bars: pc.FreezeLevel1Days,
		Level2Bars: pc.FreezeLevel2Days,
		Level3Bars: pc.FreezeLevel3Days,
	})
	sched := perf.NewScheduler(mentions, gw, calc, sessions, perf.Options{
		Workers:             pc.Workers,
		BatchSize:           pc.BatchSize,
		BackfillChunk:       pc.BackfillChunk,
		BackfillHistoryDays: pc.BackfillHistoryDays,
		PrefetchBackfill:    pc.PrefetchBackfill,
		Benchmark:           cfg.Market.Benchmark,
	})

	sc := cfg.Snapshot
	snaps := snapshot.NewResolver(gw, sessions,
		snapshot.NewCache(sc.TTL.Duration, sc.FailureCooldown.Duration, nil), sc.LookbackDays)

	ec := cfg.Events
	svc := events.NewService(mentions, sched, snaps, gw, sessions, events.Options{
		ManualRefreshCooldown: ec.ManualRefreshCooldown.Duration,
		PassiveSyncCooldown:   ec.PassiveSyncCooldown.Duration,
		RefreshJobCooldown:    ec.RefreshJobCooldown.Duration,
		MaxPerPage:            ec.MaxPerPage,
		SyncHistoryDays:       pc.BackfillHistoryDays,
	})

	return &App{
		Config:    cfg,
		Mentions:  mentions,
		Bars:      bars,
		Calendar:  cal,
		Gateway:   gw,
		Sessions:  sessions,
		Scheduler: sched,
		Snapshots: snaps,
		Events:    svc,
	}, nil
}

// Close stops background jobs and closes the mention store.
func (a *App) Close() error {
	a.Events.Close()
	return a.Mentions.Close()
}

// NewCalendar builds the trading calendar described by m.
func NewCalendar(m config.Market) (*util.TradingCalendar, error) {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", m.Timezone, err)
	}
	var hours util.SessionHours
	for _, c := range []struct {
		dst *util.Clock
		src string
	}{
		{&hours.Open, m.SessionOpen},
		{&hours.Close, m.SessionClose},
		{&hours.Finalize, m.CloseFinalize},
	} {
		if *c.dst, err = util.ParseClock(c.src); err != nil {
			return nil, err
		}
	}
	return util.NewTradingCalendar(loc, hours, m.Holidays), nil
}
