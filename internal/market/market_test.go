package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/store"
	"mentiontrack/internal/util"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testCalendar() *util.TradingCalendar {
	return util.NewTradingCalendar(time.UTC, util.SessionHours{
		Open:     util.Clock{Hour: 9, Minute: 30},
		Close:    util.Clock{Hour: 16},
		Finalize: util.Clock{Hour: 16, Minute: 5},
	}, nil)
}

type fakeData struct {
	calls   int
	symbols []string
	req     marketdata.GetBarsRequest
	bars    map[string][]marketdata.Bar
	err     error
	trade   *marketdata.Trade
}

func (f *fakeData) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	f.calls++
	f.symbols = symbols
	f.req = req
	return f.bars, f.err
}

func (f *fakeData) GetLatestTrade(_ string, _ marketdata.GetLatestTradeRequest) (*marketdata.Trade, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.trade, nil
}

type fakeTrading struct {
	clock   *alpaca.Clock
	err     error
	days    []alpaca.CalendarDay
	calReqs []alpaca.GetCalendarRequest
}

func (f *fakeTrading) GetClock() (*alpaca.Clock, error) { return f.clock, f.err }

func (f *fakeTrading) GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	f.calReqs = append(f.calReqs, req)
	return f.days, f.err
}

func newTestGateway(t *testing.T, now time.Time) (*AlpacaGateway, *store.ParquetStore) {
	t.Helper()
	bars := store.NewParquetStore(t.TempDir(), "us")
	g := NewAlpacaGateway(AlpacaOptions{Benchmark: "spy"}, bars, testCalendar()).
		WithClock(func() time.Time { return now })
	return g, bars
}

func TestGetPriceRangeDropsProvisional(t *testing.T) {
	now := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC) // Wednesday, intraday
	g, bars := newTestGateway(t, now)
	ctx := context.Background()

	err := bars.WriteBars(ctx, []domain.PriceBar{
		{Symbol: "AAPL", TradeDate: day(2025, 3, 10), Close: 10, IsFinal: true},
		{Symbol: "AAPL", TradeDate: day(2025, 3, 11), Close: 11, IsFinal: false}, // stale provisional
		{Symbol: "AAPL", TradeDate: day(2025, 3, 12), Close: 12, IsFinal: false}, // today
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := g.GetPriceRange(ctx, "aapl", day(2025, 3, 1), day(2025, 3, 12), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Close != 10 {
		t.Errorf("final-only range = %+v", got)
	}

	got, err = g.GetPriceRange(ctx, "AAPL", day(2025, 3, 1), day(2025, 3, 12), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Close != 12 {
		t.Errorf("range with today's provisional bar = %+v", got)
	}
}

func TestSyncIncrementalWithoutCredentials(t *testing.T) {
	g, _ := newTestGateway(t, time.Now())
	res := g.SyncIncremental(context.Background(), []string{"AAPL"}, 30, true)
	if res.Success {
		t.Error("sync without a data client should not succeed")
	}
}

func TestSyncIncrementalStoresBars(t *testing.T) {
	now := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	g, bars := newTestGateway(t, now)
	ctx := context.Background()

	// AAPL already has a final bar on 03-10, so only later dates are missing.
	if err := bars.WriteBars(ctx, []domain.PriceBar{
		{Symbol: "AAPL", TradeDate: day(2025, 3, 10), Close: 10, IsFinal: true},
	}); err != nil {
		t.Fatal(err)
	}

	fd := &fakeData{bars: map[string][]marketdata.Bar{
		"AAPL": {
			{Timestamp: time.Date(2025, 3, 11, 4, 0, 0, 0, time.UTC), Open: 10, High: 12, Low: 9, Close: 11, Volume: 100},
			{Timestamp: time.Date(2025, 3, 12, 4, 0, 0, 0, time.UTC), Open: 11, High: 13, Low: 10, Close: 12, Volume: 50},
		},
		"SPY": {
			{Timestamp: time.Date(2025, 3, 11, 4, 0, 0, 0, time.UTC), Close: 500},
		},
	}}
	g.WithClients(fd, nil)

	res := g.SyncIncremental(ctx, []string{"aapl"}, 5, true)
	if !res.Success {
		t.Fatalf("sync failed: %s", res.Message)
	}
	if fd.calls != 1 {
		t.Errorf("GetMultiBars called %d times, want 1", fd.calls)
	}
	if len(fd.symbols) != 2 || fd.symbols[0] != "AAPL" || fd.symbols[1] != "SPY" {
		t.Errorf("requested symbols = %v", fd.symbols)
	}
	// SPY has no bars, so the request starts at the history floor.
	if want := day(2025, 3, 7); !fd.req.Start.Equal(want) {
		t.Errorf("request start = %v, want %v", fd.req.Start, want)
	}
	if fd.req.TimeFrame != marketdata.OneDay {
		t.Errorf("TimeFrame = %v, want daily", fd.req.TimeFrame)
	}

	stored, err := bars.ReadBars(ctx, "AAPL", day(2025, 3, 1), day(2025, 3, 31))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d AAPL bars, want 3", len(stored))
	}
	if !stored[1].IsFinal {
		t.Error("yesterday's bar should be final")
	}
	if stored[2].IsFinal {
		t.Error("today's bar should stay provisional before the finalize cutoff")
	}
}

func TestSyncIncrementalFetchError(t *testing.T) {
	g, _ := newTestGateway(t, time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC))
	fd := &fakeData{err: util.Permanent(errors.New("forbidden"))}
	g.WithClients(fd, nil)

	res := g.SyncIncremental(context.Background(), []string{"AAPL"}, 5, false)
	if res.Success {
		t.Error("sync should fail when the provider errors")
	}
	if fd.calls != 1 {
		t.Errorf("permanent error retried %d times", fd.calls)
	}
}

func TestFetchLivePrice(t *testing.T) {
	g, _ := newTestGateway(t, time.Now())
	ctx := context.Background()

	if _, err := g.FetchLivePrice(ctx, "AAPL"); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}

	ts := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	g.WithClients(&fakeData{trade: &marketdata.Trade{Price: 123.45, Timestamp: ts}}, nil)
	q, err := g.FetchLivePrice(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != 123.45 || !q.QuoteTime.Equal(ts) || q.Source != domain.SourceLiveQuote {
		t.Errorf("quote = %+v", q)
	}

	g.WithClients(&fakeData{trade: &marketdata.Trade{}}, nil)
	if _, err := g.FetchLivePrice(ctx, "AAPL"); err == nil {
		t.Error("zero-priced trade should be an error")
	}
}

func TestIsMarketClosedNow(t *testing.T) {
	intraday := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGateway(t, intraday)
	ctx := context.Background()

	if g.IsMarketClosedNow(ctx) {
		t.Error("local calendar should report open at noon on a weekday")
	}

	g.WithClients(nil, &fakeTrading{clock: &alpaca.Clock{IsOpen: false}})
	if !g.IsMarketClosedNow(ctx) {
		t.Error("remote clock reporting closed should win")
	}

	g.WithClients(nil, &fakeTrading{err: errors.New("timeout")})
	if g.IsMarketClosedNow(ctx) {
		t.Error("clock failure should fall back to the local calendar")
	}
}

func TestGetDaySnapshotInfo(t *testing.T) {
	g, bars := newTestGateway(t, time.Now())
	ctx := context.Background()
	d := day(2025, 3, 12)

	snap, err := g.GetDaySnapshotInfo(ctx, "AAPL", d)
	if err != nil || snap.Exists {
		t.Fatalf("empty store snapshot = %+v, %v", snap, err)
	}

	if err := bars.WriteBars(ctx, []domain.PriceBar{{Symbol: "AAPL", TradeDate: d, Open: 10, Close: 11}}); err != nil {
		t.Fatal(err)
	}
	snap, err = g.GetDaySnapshotInfo(ctx, "AAPL", d)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Exists || snap.Open != 10 || snap.Close != 11 || snap.IsFinal {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCheckProviders(t *testing.T) {
	g, bars := newTestGateway(t, time.Now())
	ctx := context.Background()

	if err := g.CheckProviders(ctx); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("no credentials and no local data: err = %v", err)
	}

	if err := bars.WriteBars(ctx, []domain.PriceBar{{Symbol: "AAPL", TradeDate: day(2025, 3, 12), Close: 1, IsFinal: true}}); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckProviders(ctx); err != nil {
		t.Errorf("local bars should be routable: %v", err)
	}

	g2, _ := newTestGateway(t, time.Now())
	g2.WithClients(&fakeData{}, &fakeTrading{clock: &alpaca.Clock{}})
	if err := g2.CheckProviders(ctx); err != nil {
		t.Errorf("reachable remote should be routable: %v", err)
	}
}

func TestLoadTradingDays(t *testing.T) {
	cal := testCalendar()
	ft := &fakeTrading{days: []alpaca.CalendarDay{
		{Date: "2025-01-08"},
		{Date: "2025-01-10"},
	}}

	n, err := LoadTradingDays(ft, cal, day(2025, 1, 1), day(2025, 1, 31))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("loaded %d days, want 2", n)
	}
	if cal.IsTradingDay(day(2025, 1, 9)) {
		t.Error("2025-01-09 is absent from the calendar and should not trade")
	}
	if !cal.IsTradingDay(day(2025, 1, 10)) {
		t.Error("2025-01-10 should trade")
	}

	if _, err := LoadTradingDays(nil, cal, day(2025, 1, 1), day(2025, 1, 31)); err == nil {
		t.Error("nil client should fail")
	}
}
