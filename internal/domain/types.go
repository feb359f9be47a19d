// Package domain defines the core types shared across the mention tracking
// engine: mentions, price bars, performance records and T0 state.
package domain

import (
	"time"
)

// DateLayout is the canonical layout for trade dates.
const DateLayout = "2006-01-02"

// Horizons are the forward return horizons, in trading bars, tracked for
// every mention.
var Horizons = [...]int{1, 3, 5, 10, 20, 60, 120, 250}

// MaxFreezeLevel is the terminal freeze level. Records at this level are
// never recomputed.
const MaxFreezeLevel = 3

// ---------------------------------------------------------------------------
// Mentions
// ---------------------------------------------------------------------------

// Mention is a single stock mention extracted from a content item.
type Mention struct {
	ID        int64
	ContentID string
	StockCode string
	StockName string
	// MentionDate is the civil date of the mention (UTC midnight).
	MentionDate time.Time
	// MentionTime is the exact timestamp, zero when only the date is known.
	MentionTime time.Time
	Context     string
}

// HasTime reports whether the mention carries an exact timestamp.
func (m Mention) HasTime() bool { return !m.MentionTime.IsZero() }

// MentionWithRecord pairs a mention with its performance record, if one has
// been computed.
type MentionWithRecord struct {
	Mention Mention
	Record  *PerformanceRecord
}

// FreezeLevel returns the record's freeze level, or 0 without a record.
func (m MentionWithRecord) FreezeLevel() int {
	if m.Record == nil {
		return 0
	}
	return m.Record.FreezeLevel
}

// ---------------------------------------------------------------------------
// Price data
// ---------------------------------------------------------------------------

// PriceBar is one daily OHLC bar. Bars with IsFinal=false may still change.
type PriceBar struct {
	Symbol    string
	TradeDate time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	IsFinal   bool
	FetchedAt time.Time
}

// LiveQuote is a quasi-real-time price for a symbol.
type LiveQuote struct {
	Price     float64
	QuoteTime time.Time
	Source    string
}

// DaySnapshot summarises the stored bar for one symbol and date.
type DaySnapshot struct {
	Exists    bool
	Open      float64
	Close     float64
	IsFinal   bool
	FetchedAt time.Time
}

// SyncResult is the outcome of an incremental backfill request.
type SyncResult struct {
	Success bool
	Message string
}

// ---------------------------------------------------------------------------
// Performance
// ---------------------------------------------------------------------------

// HorizonValues holds one optional value per horizon. A nil field means the
// horizon has not elapsed yet (or was not computable).
type HorizonValues struct {
	D1   *float64
	D3   *float64
	D5   *float64
	D10  *float64
	D20  *float64
	D60  *float64
	D120 *float64
	D250 *float64
}

// field returns a pointer to the slot for horizon h, or nil if h is unknown.
func (v *HorizonValues) field(h int) **float64 {
	switch h {
	case 1:
		return &v.D1
	case 3:
		return &v.D3
	case 5:
		return &v.D5
	case 10:
		return &v.D10
	case 20:
		return &v.D20
	case 60:
		return &v.D60
	case 120:
		return &v.D120
	case 250:
		return &v.D250
	}
	return nil
}

// Get returns the value for horizon h.
func (v HorizonValues) Get(h int) *float64 {
	if f := v.field(h); f != nil {
		return *f
	}
	return nil
}

// Set stores val for horizon h. Unknown horizons are ignored.
func (v *HorizonValues) Set(h int, val *float64) {
	if f := v.field(h); f != nil {
		*f = val
	}
}

// PerformanceRecord is the computed performance of a single mention.
type PerformanceRecord struct {
	MentionID      int64
	PriceAtMention *float64
	Returns        HorizonValues
	Excess         HorizonValues
	MaxReturn      *float64
	MaxDrawdown    *float64
	FreezeLevel    int
	T0             T0State
	UpdatedAt      time.Time
}

// FullyResolved reports whether every horizon has a value.
func (r *PerformanceRecord) FullyResolved() bool {
	for _, h := range Horizons {
		if r.Returns.Get(h) == nil {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// T0 / sessions
// ---------------------------------------------------------------------------

// WindowTag classifies where a mention timestamp fell relative to the
// trading session.
type WindowTag string

const (
	WindowPreopen         WindowTag = "preopen"
	WindowIntraday        WindowTag = "intraday"
	WindowAfterClose      WindowTag = "after_close"
	WindowNonTradingShift WindowTag = "non_trading_shift"
)

// T0Status is the state of a mention's same-day tracking.
type T0Status string

const (
	T0Unavailable T0Status = "unavailable"
	T0PendingOpen T0Status = "pending_open"
	T0Live        T0Status = "live"
	T0Closed      T0Status = "closed"
)

// Price sources recorded alongside T0 prices.
const (
	SourcePendingOpen = "pending_open"
	SourceLiveQuote   = "live_quote"
	SourceLocalClose  = "local_close"
	SourceDayOpen     = "day_open"
	SourceDayClose    = "day_close"
	SourcePrevClose   = "prev_close"
)

// T0State is the same-day tracking portion of a performance record.
type T0State struct {
	BuyPrice         *float64
	BuyTimestamp     time.Time
	BuySource        string
	EndPriceLive     *float64
	EndLiveAt        time.Time
	EndPriceClosed   *float64
	EndClosedAt      time.Time
	ReturnLive       *float64
	ReturnClosed     *float64
	Status           T0Status
	Note             string
	SessionTradeDate time.Time
	WindowTag        WindowTag
}

// HasFirmBuy reports whether a buy price from a real (non-pending) source
// has been recorded.
func (t T0State) HasFirmBuy() bool {
	return t.BuyPrice != nil && t.BuySource != "" && t.BuySource != SourcePendingOpen
}

// Merge applies a freshly resolved state on top of t. A firm buy price is
// never replaced by a pending or missing one, and a closed state stays
// closed when the fresh state has no closed leg.
func (t T0State) Merge(next T0State) T0State {
	if t.HasFirmBuy() && !next.HasFirmBuy() {
		next.BuyPrice = t.BuyPrice
		next.BuyTimestamp = t.BuyTimestamp
		next.BuySource = t.BuySource
	}
	if next.EndPriceClosed == nil && t.Status == T0Closed && t.EndPriceClosed != nil {
		next.EndPriceClosed = t.EndPriceClosed
		next.EndClosedAt = t.EndClosedAt
		next.ReturnClosed = t.ReturnClosed
		next.Status = T0Closed
		next.Note = t.Note
	}
	return next
}

// BestReturn returns the closed return when present, else the live one.
func (t T0State) BestReturn() *float64 {
	if t.ReturnClosed != nil {
		return t.ReturnClosed
	}
	return t.ReturnLive
}

// SessionWindow is the trio of trading dates anchored on "now" used to
// bucket mentions on the live board.
type SessionWindow struct {
	PrevTradeDate time.Time
	BaseTradeDate time.Time
	NextTradeDate time.Time
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
