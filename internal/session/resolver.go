// Package session maps mention timestamps onto trading sessions.
package session

import (
	"time"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/util"
)

// Calendar is the trading-calendar oracle the resolver depends on.
// *util.TradingCalendar satisfies it.
type Calendar interface {
	Location() *time.Location
	IsTradingDay(d time.Time) bool
	NextTradingDay(d time.Time) time.Time
	PrevTradingDay(d time.Time) time.Time
	SessionOpen(d time.Time) time.Time
	SessionClose(d time.Time) time.Time
	FinalizeCutoff(d time.Time) time.Time
}

var _ Calendar = (*util.TradingCalendar)(nil)

// Resolver assigns mentions to session trade dates.
type Resolver struct {
	cal Calendar
}

// NewResolver creates a Resolver over cal.
func NewResolver(cal Calendar) *Resolver {
	return &Resolver{cal: cal}
}

// Calendar returns the underlying calendar.
func (r *Resolver) Calendar() Calendar { return r.cal }

// Resolve returns the session trade date and window tag for a mention.
// Timestamps on a non-trading day, or at or after the close-finalize cutoff,
// roll forward to the next trading day. A zero mentionTime resolves by
// mentionDate alone.
func (r *Resolver) Resolve(mentionTime, mentionDate time.Time) (time.Time, domain.WindowTag) {
	if mentionTime.IsZero() {
		d := civil(mentionDate)
		if !r.cal.IsTradingDay(d) {
			return r.cal.NextTradingDay(d), domain.WindowNonTradingShift
		}
		return d, domain.WindowIntraday
	}

	d := util.DateOf(mentionTime, r.cal.Location())
	switch {
	case !r.cal.IsTradingDay(d):
		return r.cal.NextTradingDay(d), domain.WindowNonTradingShift
	case !mentionTime.Before(r.cal.FinalizeCutoff(d)):
		return r.cal.NextTradingDay(d), domain.WindowAfterClose
	case mentionTime.Before(r.cal.SessionOpen(d)):
		return d, domain.WindowPreopen
	default:
		return d, domain.WindowIntraday
	}
}

// BuyTime returns the T0 buy instant: the mention time, or the session open
// when the mention precedes it.
func (r *Resolver) BuyTime(mentionTime, sessionDate time.Time) time.Time {
	open := r.cal.SessionOpen(sessionDate)
	if mentionTime.IsZero() || mentionTime.Before(open) {
		return open
	}
	return mentionTime
}

// Window returns the prev/base/next trading dates anchored on now. The base
// is today when it trades, otherwise the previous trading day.
func (r *Resolver) Window(now time.Time) domain.SessionWindow {
	base := util.DateOf(now, r.cal.Location())
	if !r.cal.IsTradingDay(base) {
		base = r.cal.PrevTradingDay(base)
	}
	return domain.SessionWindow{
		PrevTradeDate: r.cal.PrevTradingDay(base),
		BaseTradeDate: base,
		NextTradeDate: r.cal.NextTradingDay(base),
	}
}

// Today returns the civil date of now in the market timezone.
func (r *Resolver) Today(now time.Time) time.Time {
	return util.DateOf(now, r.cal.Location())
}

func civil(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
