package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/market"
	"mentiontrack/internal/session"
	"mentiontrack/internal/util"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	snaps     map[string]domain.DaySnapshot // SYMBOL|date
	live      map[string]float64
	liveErr   error
	liveCalls atomic.Int64
	release   chan struct{}
}

var _ market.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{snaps: make(map[string]domain.DaySnapshot), live: make(map[string]float64)}
}

func (g *fakeGateway) setDay(symbol string, d time.Time, open, close float64) {
	g.mu.Lock()
	g.snaps[symbol+"|"+d.Format(domain.DateLayout)] = domain.DaySnapshot{Exists: true, Open: open, Close: close}
	g.mu.Unlock()
}

func (g *fakeGateway) GetPriceRange(context.Context, string, time.Time, time.Time, bool) ([]domain.PriceBar, error) {
	return nil, nil
}

func (g *fakeGateway) SyncIncremental(context.Context, []string, int, bool) domain.SyncResult {
	return domain.SyncResult{}
}

func (g *fakeGateway) FetchLivePrice(ctx context.Context, symbol string) (domain.LiveQuote, error) {
	g.liveCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return domain.LiveQuote{}, err
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return domain.LiveQuote{}, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.liveErr != nil {
		return domain.LiveQuote{}, g.liveErr
	}
	p, ok := g.live[symbol]
	if !ok {
		return domain.LiveQuote{}, errors.New("no quote")
	}
	return domain.LiveQuote{Price: p, Source: domain.SourceLiveQuote}, nil
}

func (g *fakeGateway) IsMarketClosedNow(context.Context) bool { return false }

func (g *fakeGateway) GetDaySnapshotInfo(_ context.Context, symbol string, d time.Time) (domain.DaySnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snaps[symbol+"|"+d.Format(domain.DateLayout)], nil
}

func (g *fakeGateway) CheckProviders(context.Context) error { return nil }

// Wednesday 2025-03-12, noon UTC: inside the 09:30-16:00 UTC test session.
var noon = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

func newTestResolver(gw *fakeGateway) (*Resolver, *fakeClock) {
	clock := &fakeClock{t: noon}
	cal := util.NewTradingCalendar(time.UTC, util.SessionHours{
		Open:     util.Clock{Hour: 9, Minute: 30},
		Close:    util.Clock{Hour: 16},
		Finalize: util.Clock{Hour: 16, Minute: 5},
	}, nil)
	cache := NewCache(15*time.Second, 45*time.Second, clock.Now)
	r := NewResolver(gw, session.NewResolver(cal), cache, 10).WithClock(clock.Now)
	return r, clock
}

func TestCacheTTL(t *testing.T) {
	clock := &fakeClock{t: noon}
	c := NewCache(15*time.Second, 45*time.Second, clock.Now)
	k := NewKey(kindPrice, "aapl", noon.Add(300*time.Millisecond))

	if k != NewKey(kindPrice, "AAPL", noon) {
		t.Error("keys within the same second should be equal")
	}

	c.Put(k, ok(10, domain.SourceLiveQuote, noon))
	if _, hit := c.Get(k); !hit {
		t.Fatal("expected a cache hit")
	}
	clock.Advance(15 * time.Second)
	if _, hit := c.Get(k); hit {
		t.Error("entry should expire after the TTL")
	}

	c.CoolDown("aapl")
	if !c.InCooldown("AAPL") {
		t.Error("symbol should be cooling down")
	}
	clock.Advance(45 * time.Second)
	if c.InCooldown("AAPL") {
		t.Error("cooldown should lapse")
	}

	c.Put(k, ok(10, domain.SourceLiveQuote, noon))
	c.CoolDown("MSFT")
	c.Reset()
	if _, hit := c.Get(k); hit || c.InCooldown("MSFT") {
		t.Error("Reset should clear entries and cooldowns")
	}
}

func TestResolveLiveQuoteCached(t *testing.T) {
	gw := newFakeGateway()
	gw.live["AAPL"] = 101.5
	r, clock := newTestResolver(gw)
	ctx := context.Background()

	res := r.Resolve(ctx, "aapl", noon)
	if !res.OK() || *res.Price != 101.5 || res.Source != domain.SourceLiveQuote {
		t.Fatalf("result = %+v", res)
	}
	r.Resolve(ctx, "AAPL", noon.Add(500*time.Millisecond))
	if n := gw.liveCalls.Load(); n != 1 {
		t.Errorf("live calls = %d, want 1 within TTL", n)
	}

	clock.Advance(16 * time.Second)
	r.Resolve(ctx, "AAPL", noon)
	if n := gw.liveCalls.Load(); n != 2 {
		t.Errorf("live calls = %d, want 2 after TTL", n)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	gw := newFakeGateway()
	gw.live["AAPL"] = 50
	gw.release = make(chan struct{})
	r, _ := newTestResolver(gw)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), "AAPL", noon)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	if n := gw.liveCalls.Load(); n != 1 {
		t.Errorf("live calls = %d, want 1", n)
	}
	for i, res := range results {
		if !res.OK() || *res.Price != 50 {
			t.Errorf("result %d = %+v", i, res)
		}
	}
}

func TestResolveCancelledCallerDoesNotPoison(t *testing.T) {
	gw := newFakeGateway()
	gw.live["AAPL"] = 101
	gw.release = make(chan struct{})
	r, _ := newTestResolver(gw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result)
	go func() { done <- r.Resolve(ctx, "AAPL", noon) }()
	for gw.liveCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if res := <-done; res.OK() {
		t.Errorf("cancelled caller = %+v, want no price", res)
	}

	close(gw.release)
	res := r.Resolve(context.Background(), "AAPL", noon)
	if !res.OK() || *res.Price != 101 || res.Source != domain.SourceLiveQuote {
		t.Fatalf("later caller = %+v, want live 101", res)
	}
	if r.Cache().InCooldown("AAPL") {
		t.Error("a cancelled caller must not start a cooldown")
	}
	if n := gw.liveCalls.Load(); n != 1 {
		t.Errorf("live calls = %d, want 1 shared fetch", n)
	}
}

func TestResolveInterruptedFetchSkipsCooldown(t *testing.T) {
	gw := newFakeGateway()
	gw.live["AAPL"] = 101
	r, _ := newTestResolver(gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.resolvePrice(ctx, "AAPL", noon)
	if res.Status != StatusUnavailable {
		t.Errorf("result = %+v, want unavailable", res)
	}
	if r.Cache().InCooldown("AAPL") {
		t.Error("an interrupted fetch must not start a cooldown")
	}
}

func TestResolveCooldownFallsBackToLocalClose(t *testing.T) {
	gw := newFakeGateway()
	gw.liveErr = errors.New("timeout")
	gw.setDay("AAPL", day(2025, 3, 10), 90, 95)
	r, clock := newTestResolver(gw)
	ctx := context.Background()

	res := r.Resolve(ctx, "AAPL", noon)
	if !res.OK() || *res.Price != 95 || res.Source != domain.SourceLocalClose {
		t.Fatalf("fallback result = %+v", res)
	}
	if !r.Cache().InCooldown("AAPL") {
		t.Error("failed live fetch should start a cooldown")
	}

	// A different second misses the cache but the cooldown skips the network.
	clock.Advance(20 * time.Second)
	r.Resolve(ctx, "AAPL", clock.Now())
	if n := gw.liveCalls.Load(); n != 1 {
		t.Errorf("live calls = %d, want 1 during cooldown", n)
	}

	clock.Advance(30 * time.Second)
	r.Resolve(ctx, "AAPL", clock.Now())
	if n := gw.liveCalls.Load(); n != 2 {
		t.Errorf("live calls = %d, want 2 after cooldown", n)
	}
}

func TestResolveUnavailable(t *testing.T) {
	gw := newFakeGateway()
	r, _ := newTestResolver(gw)
	res := r.Resolve(context.Background(), "ILLQ", noon)
	if res.Status != StatusUnavailable || res.Price != nil || res.Note == "" {
		t.Errorf("result = %+v, want unavailable with note", res)
	}
}

func TestResolvePreOpenGuard(t *testing.T) {
	gw := newFakeGateway()
	gw.live["AAPL"] = 200
	gw.setDay("AAPL", day(2025, 3, 11), 180, 190) // prior close exists
	r, clock := newTestResolver(gw)
	ctx := context.Background()

	clock.t = time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC)
	preopen := time.Date(2025, 3, 12, 7, 45, 0, 0, time.UTC)

	res := r.Resolve(ctx, "AAPL", preopen)
	if res.Status != StatusPendingOpen || res.Price != nil {
		t.Fatalf("pre-open result = %+v, want pending_open", res)
	}
	if gw.liveCalls.Load() != 0 {
		t.Error("pre-open resolution must not use the live quote")
	}

	open := r.ResolveOpen(ctx, "AAPL", day(2025, 3, 12))
	if open.Status != StatusPendingOpen {
		t.Errorf("ResolveOpen before the open = %+v", open)
	}

	// Once the day's bar exists the open is used.
	gw.setDay("AAPL", day(2025, 3, 12), 185, 0)
	r.Cache().Reset()
	open = r.ResolveOpen(ctx, "AAPL", day(2025, 3, 12))
	if !open.OK() || *open.Price != 185 || open.Source != domain.SourceDayOpen {
		t.Errorf("ResolveOpen after the open = %+v", open)
	}
}

func TestResolveHistorical(t *testing.T) {
	gw := newFakeGateway()
	gw.live["AAPL"] = 999
	gw.setDay("AAPL", day(2025, 3, 7), 70, 75)  // Friday
	gw.setDay("AAPL", day(2025, 3, 10), 80, 85) // Monday
	r, _ := newTestResolver(gw)
	ctx := context.Background()

	tests := []struct {
		name   string
		at     time.Time
		price  float64
		source string
	}{
		{"preopen uses prior close", time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), 75, domain.SourcePrevClose},
		{"intraday uses open", time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC), 80, domain.SourceDayOpen},
		{"post-close uses close", time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC), 85, domain.SourceDayClose},
		{"weekend uses last close", time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC), 75, domain.SourcePrevClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(ctx, "AAPL", tt.at)
			if !res.OK() || *res.Price != tt.price || res.Source != tt.source {
				t.Errorf("result = %+v, want %v from %s", res, tt.price, tt.source)
			}
		})
	}
	if gw.liveCalls.Load() != 0 {
		t.Error("historical resolution must skip the live path")
	}

	if res := r.ResolveOpen(ctx, "AAPL", day(2025, 3, 4)); res.Status != StatusUnavailable {
		t.Errorf("missing historical open = %+v, want unavailable", res)
	}
}

func TestResolveFutureIsPending(t *testing.T) {
	gw := newFakeGateway()
	r, _ := newTestResolver(gw)
	res := r.Resolve(context.Background(), "AAPL", time.Date(2025, 3, 13, 10, 0, 0, 0, time.UTC))
	if res.Status != StatusPendingOpen {
		t.Errorf("future session = %+v, want pending_open", res)
	}
}

func TestResolveClose(t *testing.T) {
	gw := newFakeGateway()
	gw.setDay("AAPL", day(2025, 3, 11), 100, 104)
	gw.setDay("AAPL", day(2025, 3, 12), 105, 107) // provisional
	r, _ := newTestResolver(gw)
	ctx := context.Background()

	res := r.ResolveClose(ctx, "AAPL", day(2025, 3, 11))
	if !res.OK() || *res.Price != 104 || res.Source != domain.SourceDayClose {
		t.Errorf("past close = %+v", res)
	}
	if res := r.ResolveClose(ctx, "AAPL", day(2025, 3, 12)); res.Status != StatusUnavailable {
		t.Errorf("provisional close = %+v, want unavailable", res)
	}

	gw.mu.Lock()
	gw.snaps["AAPL|2025-03-12"] = domain.DaySnapshot{Exists: true, Open: 105, Close: 108, IsFinal: true}
	gw.mu.Unlock()
	r.Cache().Reset()
	if res := r.ResolveClose(ctx, "AAPL", day(2025, 3, 12)); !res.OK() || *res.Price != 108 {
		t.Errorf("final close = %+v", res)
	}
	if res := r.ResolveClose(ctx, "AAPL", day(2025, 3, 13)); res.Status != StatusPendingOpen {
		t.Errorf("future close = %+v, want pending", res)
	}
}
