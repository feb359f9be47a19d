package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/store"
	"mentiontrack/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

const (
	fetchAttempts  = 3
	fetchBaseDelay = 500 * time.Millisecond
)

// DataClient is the subset of the Alpaca market-data client the gateway
// uses.
type DataClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// TradingClient is the subset of the Alpaca trading client the gateway uses.
type TradingClient interface {
	GetClock() (*alpaca.Clock, error)
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// AlpacaOptions configures NewAlpacaGateway.
type AlpacaOptions struct {
	APIKey          string
	APISecret       string
	BaseURL         string // trading API, used for clock and calendar
	DataURL         string // market-data API
	Feed            string
	RateLimitPerMin int
	Benchmark       string
}

// AlpacaGateway serves bars from a local BarStore and backfills it from the
// Alpaca market-data API. Without credentials it serves local data only.
type AlpacaGateway struct {
	bars      store.BarStore
	data      DataClient
	trading   TradingClient
	cal       *util.TradingCalendar
	feed      string
	benchmark string
	limiter   *util.RateLimiter
	now       func() time.Time
	log       *slog.Logger
}

// NewAlpacaGateway creates an AlpacaGateway over bars. Remote clients are
// only constructed when an API key is configured.
func NewAlpacaGateway(opts AlpacaOptions, bars store.BarStore, cal *util.TradingCalendar) *AlpacaGateway {
	g := &AlpacaGateway{
		bars:      bars,
		cal:       cal,
		feed:      opts.Feed,
		benchmark: strings.ToUpper(opts.Benchmark),
		limiter:   util.NewRateLimiter(opts.RateLimitPerMin),
		now:       time.Now,
		log:       slog.Default().With("component", "alpaca-gateway"),
	}
	if g.feed == "" {
		g.feed = "sip"
	}
	if opts.APIKey != "" {
		dataOpts := marketdata.ClientOpts{APIKey: opts.APIKey, APISecret: opts.APISecret}
		if opts.DataURL != "" {
			dataOpts.BaseURL = opts.DataURL
		}
		g.data = marketdata.NewClient(dataOpts)
		g.trading = alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		})
	}
	return g
}

// WithClients replaces the remote clients. A nil client disables that path.
func (g *AlpacaGateway) WithClients(data DataClient, trading TradingClient) *AlpacaGateway {
	g.data = data
	g.trading = trading
	return g
}

// WithClock overrides the gateway's time source.
func (g *AlpacaGateway) WithClock(now func() time.Time) *AlpacaGateway {
	g.now = now
	return g
}

// Trading returns the trading client, or nil without credentials.
func (g *AlpacaGateway) Trading() TradingClient { return g.trading }

// ---------------------------------------------------------------------------
// Gateway implementation
// ---------------------------------------------------------------------------

// GetPriceRange reads bars from the local store. Provisional bars are
// dropped unless they belong to today's session and allowUnfinalToday is set.
func (g *AlpacaGateway) GetPriceRange(ctx context.Context, symbol string, start, end time.Time, allowUnfinalToday bool) ([]domain.PriceBar, error) {
	bars, err := g.bars.ReadBars(ctx, strings.ToUpper(symbol), start, end)
	if err != nil {
		return nil, fmt.Errorf("reading %s bars: %w", symbol, err)
	}
	today := util.DateOf(g.now(), g.cal.Location())

	out := bars[:0]
	for _, b := range bars {
		if !b.IsFinal && !(allowUnfinalToday && b.TradeDate.Equal(today)) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate.Before(out[j].TradeDate) })
	return out, nil
}

// SyncIncremental fetches daily bars from the earliest missing date across
// symbols through today in one multi-symbol request and stores them.
func (g *AlpacaGateway) SyncIncremental(ctx context.Context, symbols []string, historyDays int, includeIndex bool) domain.SyncResult {
	if g.data == nil {
		return domain.SyncResult{Message: "no market data credentials configured"}
	}

	want := make(map[string]bool, len(symbols)+1)
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			want[s] = true
		}
	}
	if includeIndex && g.benchmark != "" {
		want[g.benchmark] = true
	}
	if len(want) == 0 {
		return domain.SyncResult{Success: true, Message: "nothing to sync"}
	}

	now := g.now()
	today := util.DateOf(now, g.cal.Location())
	floor := today.AddDate(0, 0, -historyDays)

	list := make([]string, 0, len(want))
	start := today
	for s := range want {
		list = append(list, s)
		from, err := g.syncStart(ctx, s, floor, today)
		if err != nil {
			return domain.SyncResult{Message: err.Error()}
		}
		if from.Before(start) {
			start = from
		}
	}
	sort.Strings(list)

	var fetched map[string][]marketdata.Bar
	err := util.Retry(ctx, fetchAttempts, fetchBaseDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		fetched, err = g.data.GetMultiBars(list, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			End:       now,
			Feed:      g.feed,
		})
		return err
	})
	if err != nil {
		g.log.Warn("bar backfill failed", "symbols", len(list), "error", err)
		return domain.SyncResult{Message: fmt.Sprintf("GetMultiBars: %v", err)}
	}

	bars := g.toPriceBars(fetched, now)
	if err := g.bars.WriteBars(ctx, bars); err != nil {
		return domain.SyncResult{Message: fmt.Sprintf("writing bars: %v", err)}
	}

	g.log.Debug("bars synced",
		"symbols", len(list),
		"bars", len(bars),
		"from", start.Format(domain.DateLayout),
	)
	return domain.SyncResult{
		Success: true,
		Message: fmt.Sprintf("synced %d bars for %d symbols", len(bars), len(list)),
	}
}

// syncStart returns the first date that still needs a final bar for symbol.
func (g *AlpacaGateway) syncStart(ctx context.Context, symbol string, floor, today time.Time) (time.Time, error) {
	existing, err := g.bars.ReadBars(ctx, symbol, floor, today)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s bars: %w", symbol, err)
	}
	var lastFinal time.Time
	for _, b := range existing {
		if b.IsFinal && b.TradeDate.After(lastFinal) {
			lastFinal = b.TradeDate
		}
	}
	if lastFinal.IsZero() {
		return floor, nil
	}
	return lastFinal.AddDate(0, 0, 1), nil
}

// toPriceBars converts Alpaca bars, marking today's bar provisional until
// the close-finalize cutoff has passed.
func (g *AlpacaGateway) toPriceBars(fetched map[string][]marketdata.Bar, now time.Time) []domain.PriceBar {
	loc := g.cal.Location()
	today := util.DateOf(now, loc)
	finalized := !now.Before(g.cal.FinalizeCutoff(today))

	var bars []domain.PriceBar
	for symbol, abs := range fetched {
		for _, ab := range abs {
			d := util.DateOf(ab.Timestamp, loc)
			bars = append(bars, domain.PriceBar{
				Symbol:    strings.ToUpper(symbol),
				TradeDate: d,
				Open:      ab.Open,
				High:      ab.High,
				Low:       ab.Low,
				Close:     ab.Close,
				Volume:    int64(ab.Volume),
				IsFinal:   d.Before(today) || finalized,
				FetchedAt: now,
			})
		}
	}
	return bars
}

// FetchLivePrice returns the latest trade price for symbol.
func (g *AlpacaGateway) FetchLivePrice(ctx context.Context, symbol string) (domain.LiveQuote, error) {
	if g.data == nil {
		return domain.LiveQuote{}, domain.ErrProviderUnavailable
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.LiveQuote{}, err
	}
	trade, err := g.data.GetLatestTrade(strings.ToUpper(symbol), marketdata.GetLatestTradeRequest{Feed: g.feed})
	if err != nil {
		return domain.LiveQuote{}, fmt.Errorf("GetLatestTrade %s: %w", symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return domain.LiveQuote{}, fmt.Errorf("no latest trade for %s", symbol)
	}
	return domain.LiveQuote{
		Price:     trade.Price,
		QuoteTime: trade.Timestamp,
		Source:    domain.SourceLiveQuote,
	}, nil
}

// IsMarketClosedNow asks the Alpaca clock, falling back to the local
// calendar when the clock is unreachable.
func (g *AlpacaGateway) IsMarketClosedNow(_ context.Context) bool {
	if g.trading != nil {
		clock, err := g.trading.GetClock()
		if err == nil && clock != nil {
			return !clock.IsOpen
		}
		g.log.Debug("clock unavailable, using local calendar", "error", err)
	}
	return !g.cal.IsMarketOpen(g.now())
}

// GetDaySnapshotInfo reports the stored bar for symbol on date, provisional
// or not.
func (g *AlpacaGateway) GetDaySnapshotInfo(ctx context.Context, symbol string, date time.Time) (domain.DaySnapshot, error) {
	bars, err := g.bars.ReadBars(ctx, strings.ToUpper(symbol), date, date)
	if err != nil {
		return domain.DaySnapshot{}, fmt.Errorf("reading %s bar for %s: %w", symbol, date.Format(domain.DateLayout), err)
	}
	if len(bars) == 0 {
		return domain.DaySnapshot{}, nil
	}
	b := bars[len(bars)-1]
	return domain.DaySnapshot{
		Exists:    true,
		Open:      b.Open,
		Close:     b.Close,
		IsFinal:   b.IsFinal,
		FetchedAt: b.FetchedAt,
	}, nil
}

// CheckProviders succeeds when the remote API answers or local bars exist.
func (g *AlpacaGateway) CheckProviders(ctx context.Context) error {
	var remoteErr error
	switch {
	case g.data == nil:
		remoteErr = errors.New("no market data credentials")
	case g.trading != nil:
		if _, err := g.trading.GetClock(); err != nil {
			remoteErr = fmt.Errorf("alpaca clock: %w", err)
		}
	}
	if remoteErr == nil {
		return nil
	}

	symbols, err := g.bars.ListSymbols(ctx)
	if err == nil && len(symbols) > 0 {
		g.log.Info("remote provider unavailable, serving local bars", "reason", remoteErr, "symbols", len(symbols))
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, remoteErr)
}
