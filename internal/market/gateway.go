// Package market provides price data to the performance engine: a local bar
// store kept in sync with the Alpaca market-data API, live quotes, and the
// exchange calendar.
package market

import (
	"context"
	"time"

	"mentiontrack/internal/domain"
)

// Gateway is the price source consumed by the performance scheduler and the
// snapshot resolver.
type Gateway interface {
	// GetPriceRange returns bars for symbol within [start, end] ordered by
	// trade date. Provisional bars are included only for today's session and
	// only when allowUnfinalToday is set.
	GetPriceRange(ctx context.Context, symbol string, start, end time.Time, allowUnfinalToday bool) ([]domain.PriceBar, error)

	// SyncIncremental backfills daily bars for symbols (and the benchmark
	// when includeIndex is set) covering at most historyDays.
	SyncIncremental(ctx context.Context, symbols []string, historyDays int, includeIndex bool) domain.SyncResult

	// FetchLivePrice returns a quasi-real-time price for symbol.
	FetchLivePrice(ctx context.Context, symbol string) (domain.LiveQuote, error)

	// IsMarketClosedNow reports whether the regular session is closed.
	IsMarketClosedNow(ctx context.Context) bool

	// GetDaySnapshotInfo summarises the stored bar for symbol on date.
	GetDaySnapshotInfo(ctx context.Context, symbol string, date time.Time) (domain.DaySnapshot, error)

	// CheckProviders returns domain.ErrProviderUnavailable when no price
	// source is routable at all.
	CheckProviders(ctx context.Context) error
}
