package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"mentiontrack/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
	Market  string

	// mu serialises read-merge-write cycles on year files.
	mu sync.Mutex
}

// NewParquetStore creates a ParquetStore rooted at dataDir for the given
// market directory (e.g. "us").
func NewParquetStore(dataDir, market string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Market: market}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	TradeDate int64   `parquet:"trade_date,timestamp(millisecond)"` // UTC midnight, Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	IsFinal   bool    `parquet:"is_final"`
	FetchedAt int64   `parquet:"fetched_at,timestamp(millisecond)"`
}

func toBarRecord(b domain.PriceBar) BarRecord {
	return BarRecord{
		Symbol:    strings.ToUpper(b.Symbol),
		TradeDate: b.TradeDate.UnixMilli(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		IsFinal:   b.IsFinal,
		FetchedAt: b.FetchedAt.UnixMilli(),
	}
}

func (r BarRecord) toDomain() domain.PriceBar {
	return domain.PriceBar{
		Symbol:    r.Symbol,
		TradeDate: time.UnixMilli(r.TradeDate).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		IsFinal:   r.IsFinal,
		FetchedAt: time.UnixMilli(r.FetchedAt).UTC(),
	}
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files organized by symbol and year:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.TradeDate.Year()}
		groups[k] = append(groups[k], toBarRecord(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, records := range groups {
		path := s.barPath(k.symbol, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for symbol with trade dates within [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.PriceBar, error) {
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	var bars []domain.PriceBar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, year))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
		}
		for _, r := range records {
			if r.TradeDate >= startMs && r.TradeDate <= endMs {
				bars = append(bars, r.toDomain())
			}
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the store's market.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, s.Market, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, s.Market, "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by (symbol, trade date). Incoming
// records win, except that a provisional record never replaces a final one.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		date   int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.TradeDate}] = r
	}
	for _, r := range incoming {
		k := key{r.Symbol, r.TradeDate}
		if old, ok := seen[k]; ok && old.IsFinal && !r.IsFinal {
			continue
		}
		seen[k] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].TradeDate < merged[j].TradeDate
	})
	return merged
}
