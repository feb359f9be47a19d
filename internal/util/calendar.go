package util

import (
	"fmt"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// maxCalendarScan bounds forward/backward searches for trading days.
const maxCalendarScan = 31

// Clock is a wall-clock time of day in the market's timezone.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("parsing clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the instant of c on civil date d in loc.
func (c Clock) On(d time.Time, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// SessionHours are the regular-session boundaries. Finalize is the cutoff
// after which the day's close is treated as settled.
type SessionHours struct {
	Open     Clock
	Close    Clock
	Finalize Clock
}

// DateOf returns the civil date of t in loc, as UTC midnight.
func DateOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// TradingCalendar provides market-hours awareness for one exchange. Without
// an explicit day list it treats weekdays that are not configured holidays
// as trading days.
type TradingCalendar struct {
	loc      *time.Location
	hours    SessionHours
	holidays map[string]bool

	mu         sync.RWMutex
	days       map[string]bool
	loadedFrom time.Time
	loadedTo   time.Time
}

// NewTradingCalendar creates a TradingCalendar for the given timezone,
// session hours and holiday dates (YYYY-MM-DD).
func NewTradingCalendar(loc *time.Location, hours SessionHours, holidays []string) *TradingCalendar {
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d] = true
	}
	return &TradingCalendar{
		loc:      loc,
		hours:    hours,
		holidays: h,
	}
}

// SetTradingDays installs an authoritative list of trading days covering
// [from, to]. Dates outside that range fall back to the weekday rule.
func (tc *TradingCalendar) SetTradingDays(from, to time.Time, days []time.Time) {
	m := make(map[string]bool, len(days))
	for _, d := range days {
		m[d.Format(dateLayout)] = true
	}
	tc.mu.Lock()
	tc.days = m
	tc.loadedFrom = from
	tc.loadedTo = to
	tc.mu.Unlock()
}

// Location returns the market timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }


// IsTradingDay reports whether civil date d is a trading day.
func (tc *TradingCalendar) IsTradingDay(d time.Time) bool {
	key := d.Format(dateLayout)

	tc.mu.RLock()
	if tc.days != nil && !d.Before(tc.loadedFrom) && !d.After(tc.loadedTo) {
		ok := tc.days[key]
		tc.mu.RUnlock()
		return ok
	}
	tc.mu.RUnlock()

	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.holidays[key]
}

// NextTradingDay returns the first trading day strictly after d.
func (tc *TradingCalendar) NextTradingDay(d time.Time) time.Time {
	for i := 1; i <= maxCalendarScan; i++ {
		c := d.AddDate(0, 0, i)
		if tc.IsTradingDay(c) {
			return c
		}
	}
	return d.AddDate(0, 0, 1)
}

// PrevTradingDay returns the last trading day strictly before d.
func (tc *TradingCalendar) PrevTradingDay(d time.Time) time.Time {
	for i := 1; i <= maxCalendarScan; i++ {
		c := d.AddDate(0, 0, -i)
		if tc.IsTradingDay(c) {
			return c
		}
	}
	return d.AddDate(0, 0, -1)
}

// SessionOpen returns the regular open on civil date d.
func (tc *TradingCalendar) SessionOpen(d time.Time) time.Time {
	return tc.hours.Open.On(d, tc.loc)
}

// SessionClose returns the regular close on civil date d.
func (tc *TradingCalendar) SessionClose(d time.Time) time.Time {
	return tc.hours.Close.On(d, tc.loc)
}

// FinalizeCutoff returns the close-finalize cutoff on civil date d.
func (tc *TradingCalendar) FinalizeCutoff(d time.Time) time.Time {
	return tc.hours.Finalize.On(d, tc.loc)
}

// IsMarketOpen returns whether the market is in its regular session at t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	d := DateOf(t, tc.loc)
	if !tc.IsTradingDay(d) {
		return false
	}
	return !t.Before(tc.SessionOpen(d)) && t.Before(tc.SessionClose(d))
}

