// Package store defines storage interfaces for mentions, performance
// records and locally cached price bars, with SQLite and Parquet
// implementations.
package store

import (
	"context"
	"time"

	"mentiontrack/internal/domain"
)

// BarStore persists and retrieves daily price bars.
type BarStore interface {
	// WriteBars persists a batch of bars. A provisional bar never replaces a
	// final one for the same symbol and date.
	WriteBars(ctx context.Context, bars []domain.PriceBar) error

	// ReadBars returns bars for symbol with trade dates within [start, end],
	// ordered by trade date.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.PriceBar, error)

	// ListSymbols returns all symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// BacklogFilter narrows a pending-performance query.
type BacklogFilter struct {
	// Since excludes mentions dated before it. Zero means no lower bound.
	Since time.Time
	// StockCode restricts the backlog to one stock when non-empty.
	StockCode string
}

// MentionStore is the persistence contract used by batch performance runs.
type MentionStore interface {
	// PendingMentions returns mentions with no record or a freeze level
	// below the terminal value.
	PendingMentions(ctx context.Context, f BacklogFilter) ([]domain.MentionWithRecord, error)

	// UpsertPerformance writes the performance columns of one record.
	UpsertPerformance(ctx context.Context, rec domain.PerformanceRecord) error

	// UpsertPerformanceBatch writes the performance columns of many records
	// in a single transaction.
	UpsertPerformanceBatch(ctx context.Context, recs []domain.PerformanceRecord) error

	// RefreshContentStatus marks each content item complete when all of its
	// mentions are resolved across horizons, otherwise partial.
	RefreshContentStatus(ctx context.Context, contentIDs []string) error
}

// EventStore is the persistence contract used by the interactive read paths.
type EventStore interface {
	// StockEvents returns one page of a stock's mentions, newest first, and
	// the total mention count for the stock.
	StockEvents(ctx context.Context, stockCode string, offset, limit int) ([]domain.MentionWithRecord, int, error)

	// MentionsBetween returns timestamped mentions within [start, end).
	MentionsBetween(ctx context.Context, start, end time.Time) ([]domain.MentionWithRecord, error)

	// UpsertT0Batch writes the T0 columns of many records in one transaction.
	UpsertT0Batch(ctx context.Context, recs []domain.PerformanceRecord) error
}
