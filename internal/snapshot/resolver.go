// Package snapshot resolves same-day reference prices for T0 tracking.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/market"
	"mentiontrack/internal/session"
)

// Resolution statuses.
const (
	StatusOK          = "ok"
	StatusPendingOpen = "pending_open"
	StatusUnavailable = "unavailable"
)

// fetchTimeout bounds a shared resolution detached from its first caller.
const fetchTimeout = 20 * time.Second

const (
	kindPrice = "price"
	kindOpen  = "open"
	kindClose = "close"
)

// Result is a resolved reference price. Price is nil unless Status is ok.
type Result struct {
	Price  *float64
	Source string
	Status string
	// At is the quote or bar time the price refers to.
	At   time.Time
	Note string
}

// OK reports whether the result carries a price.
func (r Result) OK() bool { return r.Status == StatusOK && r.Price != nil }

// Resolver resolves reference prices with single-flight de-duplication, a
// TTL cache, a per-symbol failure cooldown and a local fallback chain.
type Resolver struct {
	gw           market.Gateway
	sessions     *session.Resolver
	cache        *Cache
	group        singleflight.Group
	lookbackDays int
	now          func() time.Time
	log          *slog.Logger
}

// NewResolver creates a Resolver sharing cache.
func NewResolver(gw market.Gateway, sessions *session.Resolver, cache *Cache, lookbackDays int) *Resolver {
	if lookbackDays <= 0 {
		lookbackDays = 10
	}
	return &Resolver{
		gw:           gw,
		sessions:     sessions,
		cache:        cache,
		lookbackDays: lookbackDays,
		now:          time.Now,
		log:          slog.Default().With("component", "snapshot"),
	}
}

// WithClock overrides the resolver's time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Cache returns the shared cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve returns the reference price of symbol at the given instant.
func (r *Resolver) Resolve(ctx context.Context, symbol string, at time.Time) Result {
	return r.do(ctx, NewKey(kindPrice, symbol, at), func(ctx context.Context) Result {
		return r.resolvePrice(ctx, strings.ToUpper(symbol), at.Truncate(time.Second))
	})
}

// ResolveOpen returns the opening price of symbol on date. Before an opening
// price exists for today or a later session it is pending_open.
func (r *Resolver) ResolveOpen(ctx context.Context, symbol string, date time.Time) Result {
	return r.do(ctx, NewKey(kindOpen, symbol, date), func(ctx context.Context) Result {
		return r.resolveOpen(ctx, strings.ToUpper(symbol), date)
	})
}

// ResolveClose returns the closing price of symbol on date. Today's close
// counts only once its bar is final.
func (r *Resolver) ResolveClose(ctx context.Context, symbol string, date time.Time) Result {
	return r.do(ctx, NewKey(kindClose, symbol, date), func(ctx context.Context) Result {
		return r.resolveClose(ctx, strings.ToUpper(symbol), date)
	})
}

// do runs fn once per key across concurrent callers. The shared call is
// detached from the first caller's ctx; each caller returns when its own
// ctx is done.
func (r *Resolver) do(ctx context.Context, k Key, fn func(context.Context) Result) Result {
	if res, ok := r.cache.Get(k); ok {
		return res
	}
	ch := r.group.DoChan(k.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		res := fn(fctx)
		if fctx.Err() == nil {
			r.cache.Put(k, res)
		}
		return res, nil
	})
	select {
	case v := <-ch:
		return v.Val.(Result)
	case <-ctx.Done():
		return unavailable("request cancelled: " + ctx.Err().Error())
	}
}

// ---------------------------------------------------------------------------
// Resolution rules
// ---------------------------------------------------------------------------

func (r *Resolver) resolvePrice(ctx context.Context, symbol string, at time.Time) Result {
	cal := r.sessions.Calendar()
	now := r.now()
	today := r.sessions.Today(now)
	d := r.sessions.Today(at)

	switch {
	case d.After(today):
		return pending("session has not started")
	case d.Before(today):
		return r.resolveHistorical(ctx, symbol, at, d)
	}

	if cal.IsTradingDay(today) && at.Before(cal.SessionOpen(today)) {
		snap, err := r.gw.GetDaySnapshotInfo(ctx, symbol, today)
		if err == nil && snap.Exists && snap.Open > 0 {
			return ok(snap.Open, domain.SourceDayOpen, cal.SessionOpen(today))
		}
		return pending("market not open yet")
	}

	if !r.cache.InCooldown(symbol) {
		q, err := r.gw.FetchLivePrice(ctx, symbol)
		if err == nil && q.Price > 0 {
			return ok(q.Price, domain.SourceLiveQuote, q.QuoteTime)
		}
		if ctx.Err() != nil {
			return unavailable("live quote interrupted: " + ctx.Err().Error())
		}
		until := r.cache.CoolDown(symbol)
		r.log.Warn("live quote failed", "symbol", symbol, "error", err, "cooldown_until", until.Format(time.TimeOnly))
	}
	return r.latestLocalClose(ctx, symbol, today)
}

// resolveHistorical applies the time-of-day rule for a past session:
// pre-open uses the prior close, intraday the same-day open, and post-close
// the same-day close.
func (r *Resolver) resolveHistorical(ctx context.Context, symbol string, at, d time.Time) Result {
	cal := r.sessions.Calendar()
	if !cal.IsTradingDay(d) {
		return r.closeOn(ctx, symbol, cal.PrevTradingDay(d), domain.SourcePrevClose)
	}
	switch {
	case at.Before(cal.SessionOpen(d)):
		return r.closeOn(ctx, symbol, cal.PrevTradingDay(d), domain.SourcePrevClose)
	case at.Before(cal.SessionClose(d)):
		snap, err := r.gw.GetDaySnapshotInfo(ctx, symbol, d)
		if err != nil || !snap.Exists || snap.Open <= 0 {
			return unavailable(fmt.Sprintf("no open for %s", d.Format(domain.DateLayout)))
		}
		return ok(snap.Open, domain.SourceDayOpen, cal.SessionOpen(d))
	default:
		return r.closeOn(ctx, symbol, d, domain.SourceDayClose)
	}
}

func (r *Resolver) closeOn(ctx context.Context, symbol string, d time.Time, source string) Result {
	snap, err := r.gw.GetDaySnapshotInfo(ctx, symbol, d)
	if err != nil || !snap.Exists || snap.Close <= 0 {
		return unavailable(fmt.Sprintf("no close for %s", d.Format(domain.DateLayout)))
	}
	return ok(snap.Close, source, r.sessions.Calendar().SessionClose(d))
}

// latestLocalClose walks back from today through the lookback window for
// the most recent stored close.
func (r *Resolver) latestLocalClose(ctx context.Context, symbol string, today time.Time) Result {
	cal := r.sessions.Calendar()
	for i := 0; i <= r.lookbackDays; i++ {
		d := today.AddDate(0, 0, -i)
		if !cal.IsTradingDay(d) {
			continue
		}
		snap, err := r.gw.GetDaySnapshotInfo(ctx, symbol, d)
		if err != nil {
			continue
		}
		if snap.Exists && snap.Close > 0 {
			at := snap.FetchedAt
			if at.IsZero() {
				at = cal.SessionClose(d)
			}
			return ok(snap.Close, domain.SourceLocalClose, at)
		}
	}
	return unavailable(fmt.Sprintf("no quote and no local close within %d days", r.lookbackDays))
}

func (r *Resolver) resolveOpen(ctx context.Context, symbol string, date time.Time) Result {
	cal := r.sessions.Calendar()
	today := r.sessions.Today(r.now())

	snap, err := r.gw.GetDaySnapshotInfo(ctx, symbol, date)
	if err == nil && snap.Exists && snap.Open > 0 {
		return ok(snap.Open, domain.SourceDayOpen, cal.SessionOpen(date))
	}
	if !date.Before(today) {
		return pending("opening price not available yet")
	}
	return unavailable(fmt.Sprintf("no open for %s", date.Format(domain.DateLayout)))
}

func (r *Resolver) resolveClose(ctx context.Context, symbol string, date time.Time) Result {
	today := r.sessions.Today(r.now())
	if date.After(today) {
		return pending("session has not started")
	}
	snap, err := r.gw.GetDaySnapshotInfo(ctx, symbol, date)
	if err != nil || !snap.Exists || snap.Close <= 0 {
		return unavailable(fmt.Sprintf("no close for %s", date.Format(domain.DateLayout)))
	}
	if !snap.IsFinal && !date.Before(today) {
		return unavailable("close not final yet")
	}
	return ok(snap.Close, domain.SourceDayClose, r.sessions.Calendar().SessionClose(date))
}

func ok(price float64, source string, at time.Time) Result {
	return Result{Price: domain.Float(price), Source: source, Status: StatusOK, At: at}
}

func pending(note string) Result {
	return Result{Source: domain.SourcePendingOpen, Status: StatusPendingOpen, Note: note}
}

func unavailable(note string) Result {
	return Result{Status: StatusUnavailable, Note: note}
}
