package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mentiontrack/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// ParquetStore
// ---------------------------------------------------------------------------

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data", "us")

	got := ps.barPath("aapl", 2024)
	want := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if got != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir(), "us")
	ctx := context.Background()

	bars := []domain.PriceBar{
		{Symbol: "AAPL", TradeDate: day(2024, 12, 31), Open: 250, High: 252, Low: 249, Close: 251, Volume: 1000, IsFinal: true},
		{Symbol: "AAPL", TradeDate: day(2025, 1, 2), Open: 251, High: 255, Low: 250, Close: 254, Volume: 2000, IsFinal: true},
		{Symbol: "AAPL", TradeDate: day(2025, 1, 3), Open: 254, High: 256, Low: 253, Close: 255, Volume: 1500, IsFinal: false},
	}
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, "AAPL", day(2024, 12, 1), day(2025, 1, 31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 bars across two year files, got %d", len(got))
	}
	if !got[0].TradeDate.Equal(day(2024, 12, 31)) || got[2].Close != 255 {
		t.Errorf("unexpected bars: %+v", got)
	}
	if got[2].IsFinal {
		t.Error("provisional flag should round-trip")
	}

	// Range filter is inclusive.
	got, err = ps.ReadBars(ctx, "AAPL", day(2025, 1, 2), day(2025, 1, 2))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 1 || got[0].Close != 254 {
		t.Errorf("inclusive range read = %+v", got)
	}

	// Missing symbol is not an error.
	got, err = ps.ReadBars(ctx, "MSFT", day(2025, 1, 1), day(2025, 1, 31))
	if err != nil || len(got) != 0 {
		t.Errorf("missing symbol: got %d bars, err %v", len(got), err)
	}
}

func TestParquetStoreFinalBarWins(t *testing.T) {
	ps := NewParquetStore(t.TempDir(), "us")
	ctx := context.Background()
	d := day(2025, 1, 2)

	if err := ps.WriteBars(ctx, []domain.PriceBar{{Symbol: "SPY", TradeDate: d, Close: 100, IsFinal: false}}); err != nil {
		t.Fatal(err)
	}
	if err := ps.WriteBars(ctx, []domain.PriceBar{{Symbol: "SPY", TradeDate: d, Close: 101, IsFinal: true}}); err != nil {
		t.Fatal(err)
	}
	// A later provisional bar must not replace the final one.
	if err := ps.WriteBars(ctx, []domain.PriceBar{{Symbol: "SPY", TradeDate: d, Close: 99, IsFinal: false}}); err != nil {
		t.Fatal(err)
	}

	got, err := ps.ReadBars(ctx, "SPY", d, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 bar after merge, got %d", len(got))
	}
	if got[0].Close != 101 || !got[0].IsFinal {
		t.Errorf("final bar was overwritten: %+v", got[0])
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir(), "us")
	ctx := context.Background()

	syms, err := ps.ListSymbols(ctx)
	if err != nil || len(syms) != 0 {
		t.Fatalf("empty store: %v, %v", syms, err)
	}

	err = ps.WriteBars(ctx, []domain.PriceBar{
		{Symbol: "TSLA", TradeDate: day(2025, 1, 2), Close: 1},
		{Symbol: "aapl", TradeDate: day(2025, 1, 2), Close: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	syms, err = ps.ListSymbols(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 2 || syms[0] != "AAPL" || syms[1] != "TSLA" {
		t.Errorf("ListSymbols = %v", syms)
	}
}

// ---------------------------------------------------------------------------
// SQLiteStore
// ---------------------------------------------------------------------------

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertMention(t *testing.T, s *SQLiteStore, m domain.Mention) int64 {
	t.Helper()
	id, err := s.InsertMention(context.Background(), m)
	if err != nil {
		t.Fatalf("InsertMention: %v", err)
	}
	return id
}

func getRecord(ctx context.Context, s *SQLiteStore, mentionID int64) (*domain.PerformanceRecord, error) {
	rows, err := s.queryMentions(ctx, selectMentionsSQL+` WHERE m.id = ?`, mentionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return rows[0].Record, nil
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 14, 10, 0, 0, time.UTC)
	id := insertMention(t, s, domain.Mention{
		ContentID: "c1", StockCode: "AAPL", StockName: "Apple",
		MentionDate: day(2025, 3, 10), MentionTime: ts, Context: "buy the dip",
	})

	rec := domain.PerformanceRecord{
		MentionID:      id,
		PriceAtMention: domain.Float(100),
		MaxReturn:      domain.Float(5.5),
		MaxDrawdown:    domain.Float(-2.25),
		FreezeLevel:    1,
	}
	rec.Returns.Set(1, domain.Float(1.5))
	rec.Returns.Set(20, domain.Float(-3))
	rec.Excess.Set(1, domain.Float(0.5))
	if err := s.UpsertPerformance(ctx, rec); err != nil {
		t.Fatalf("UpsertPerformance: %v", err)
	}

	events, total, err := s.StockEvents(ctx, "AAPL", 0, 10)
	if err != nil {
		t.Fatalf("StockEvents: %v", err)
	}
	if total != 1 || len(events) != 1 {
		t.Fatalf("expected 1 event, got %d (total %d)", len(events), total)
	}
	ev := events[0]
	if ev.Mention.StockName != "Apple" || !ev.Mention.MentionTime.Equal(ts) {
		t.Errorf("mention mismatch: %+v", ev.Mention)
	}
	if !ev.Mention.MentionDate.Equal(day(2025, 3, 10)) {
		t.Errorf("MentionDate = %v", ev.Mention.MentionDate)
	}
	got := ev.Record
	if got == nil {
		t.Fatal("record missing")
	}
	if v := got.Returns.Get(1); v == nil || *v != 1.5 {
		t.Errorf("return_1d = %v", v)
	}
	if v := got.Returns.Get(20); v == nil || *v != -3 {
		t.Errorf("return_20d = %v", v)
	}
	if got.Returns.Get(60) != nil {
		t.Error("return_60d should stay null")
	}
	if v := got.Excess.Get(1); v == nil || *v != 0.5 {
		t.Errorf("excess_1d = %v", v)
	}
	if got.FreezeLevel != 1 || *got.MaxDrawdown != -2.25 {
		t.Errorf("record mismatch: %+v", got)
	}
}

func TestSQLiteFreezeLevelNeverDecreases(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	id := insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 1, 2)})

	if err := s.UpsertPerformance(ctx, domain.PerformanceRecord{MentionID: id, FreezeLevel: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPerformance(ctx, domain.PerformanceRecord{MentionID: id, FreezeLevel: 1}); err != nil {
		t.Fatal(err)
	}
	rec, err := getRecord(ctx, s, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FreezeLevel != 2 {
		t.Errorf("FreezeLevel = %d, want 2", rec.FreezeLevel)
	}
}

func TestSQLitePendingMentions(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	fresh := insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 3, 1)})
	stale := insertMention(t, s, domain.Mention{StockCode: "MSFT", MentionDate: day(2025, 3, 2)})
	frozen := insertMention(t, s, domain.Mention{StockCode: "MSFT", MentionDate: day(2025, 3, 3)})
	old := insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2024, 1, 2)})

	err := s.UpsertPerformanceBatch(ctx, []domain.PerformanceRecord{
		{MentionID: stale, FreezeLevel: 1},
		{MentionID: frozen, FreezeLevel: domain.MaxFreezeLevel},
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := s.PendingMentions(ctx, BacklogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	ids := map[int64]bool{}
	for _, m := range all {
		ids[m.Mention.ID] = true
	}
	if !ids[fresh] || !ids[stale] || !ids[old] || ids[frozen] {
		t.Errorf("unexpected backlog: %v", ids)
	}

	windowed, err := s.PendingMentions(ctx, BacklogFilter{Since: day(2025, 1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 2 {
		t.Errorf("windowed backlog has %d mentions, want 2", len(windowed))
	}

	one, err := s.PendingMentions(ctx, BacklogFilter{StockCode: "MSFT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Mention.ID != stale || one[0].FreezeLevel() != 1 {
		t.Errorf("stock-filtered backlog = %+v", one)
	}
}

func TestSQLiteT0UpsertKeepsPerformance(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	id := insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 3, 10)})

	perf := domain.PerformanceRecord{MentionID: id, PriceAtMention: domain.Float(100), FreezeLevel: 1}
	perf.Returns.Set(5, domain.Float(2))
	if err := s.UpsertPerformance(ctx, perf); err != nil {
		t.Fatal(err)
	}

	buyTS := time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)
	t0 := domain.PerformanceRecord{MentionID: id, T0: domain.T0State{
		BuyPrice:         domain.Float(101),
		BuyTimestamp:     buyTS,
		BuySource:        domain.SourceDayOpen,
		ReturnLive:       domain.Float(0.75),
		Status:           domain.T0Live,
		SessionTradeDate: day(2025, 3, 10),
		WindowTag:        domain.WindowIntraday,
	}}
	if err := s.UpsertT0Batch(ctx, []domain.PerformanceRecord{t0}); err != nil {
		t.Fatal(err)
	}

	rec, err := getRecord(ctx, s, id)
	if err != nil {
		t.Fatal(err)
	}
	if v := rec.Returns.Get(5); v == nil || *v != 2 {
		t.Errorf("T0 upsert clobbered return_5d: %v", v)
	}
	if rec.FreezeLevel != 1 {
		t.Errorf("FreezeLevel = %d, want 1", rec.FreezeLevel)
	}
	if rec.T0.BuyPrice == nil || *rec.T0.BuyPrice != 101 || !rec.T0.BuyTimestamp.Equal(buyTS) {
		t.Errorf("T0 buy mismatch: %+v", rec.T0)
	}
	if rec.T0.Status != domain.T0Live || rec.T0.WindowTag != domain.WindowIntraday {
		t.Errorf("T0 status/tag mismatch: %+v", rec.T0)
	}
	if !rec.T0.SessionTradeDate.Equal(day(2025, 3, 10)) {
		t.Errorf("SessionTradeDate = %v", rec.T0.SessionTradeDate)
	}

	// A later performance upsert leaves T0 columns intact.
	perf.FreezeLevel = 2
	if err := s.UpsertPerformance(ctx, perf); err != nil {
		t.Fatal(err)
	}
	rec, err = getRecord(ctx, s, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.T0.BuyPrice == nil || rec.T0.BuySource != domain.SourceDayOpen {
		t.Errorf("performance upsert clobbered T0: %+v", rec.T0)
	}
}

func TestSQLiteT0FirmBuyNeverOverwritten(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	id := insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 3, 10)})
	openTS := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	firm := domain.PerformanceRecord{MentionID: id, T0: domain.T0State{
		BuyPrice:     domain.Float(100),
		BuyTimestamp: openTS,
		BuySource:    domain.SourceDayOpen,
		ReturnLive:   domain.Float(1.5),
		Status:       domain.T0Live,
	}}
	if err := s.UpsertT0Batch(ctx, []domain.PerformanceRecord{firm}); err != nil {
		t.Fatal(err)
	}

	// A refresh that read the row before the buy was firm.
	stale := domain.PerformanceRecord{MentionID: id, T0: domain.T0State{
		BuySource: domain.SourcePendingOpen,
		Status:    domain.T0PendingOpen,
		Note:      "market not open yet",
	}}
	if err := s.UpsertT0Batch(ctx, []domain.PerformanceRecord{stale}); err != nil {
		t.Fatal(err)
	}
	rec, err := getRecord(ctx, s, id)
	if err != nil {
		t.Fatal(err)
	}
	got := rec.T0
	if got.BuyPrice == nil || *got.BuyPrice != 100 || got.BuySource != domain.SourceDayOpen || !got.BuyTimestamp.Equal(openTS) {
		t.Errorf("firm buy overwritten: %+v", got)
	}
	if got.Status != domain.T0Live || got.ReturnLive == nil || *got.ReturnLive != 1.5 {
		t.Errorf("stored state replaced by a pending write: %+v", got)
	}

	// A firm write still updates the end legs but keeps the first buy.
	next := firm
	next.T0.BuyPrice = domain.Float(99)
	next.T0.EndPriceClosed = domain.Float(104)
	next.T0.ReturnClosed = domain.Float(4)
	next.T0.Status = domain.T0Closed
	if err := s.UpsertT0Batch(ctx, []domain.PerformanceRecord{next}); err != nil {
		t.Fatal(err)
	}
	rec, err = getRecord(ctx, s, id)
	if err != nil {
		t.Fatal(err)
	}
	got = rec.T0
	if *got.BuyPrice != 100 {
		t.Errorf("buy price = %v, want 100", *got.BuyPrice)
	}
	if got.Status != domain.T0Closed || got.ReturnClosed == nil || *got.ReturnClosed != 4 {
		t.Errorf("closed leg not written: %+v", got)
	}
}

func TestSQLiteContentStatus(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a := insertMention(t, s, domain.Mention{ContentID: "post-1", StockCode: "AAPL", MentionDate: day(2024, 1, 2)})
	b := insertMention(t, s, domain.Mention{ContentID: "post-1", StockCode: "MSFT", MentionDate: day(2024, 1, 2)})

	full := func(id int64) domain.PerformanceRecord {
		r := domain.PerformanceRecord{MentionID: id, FreezeLevel: 3}
		for _, h := range domain.Horizons {
			r.Returns.Set(h, domain.Float(1))
		}
		return r
	}
	if err := s.UpsertPerformance(ctx, full(a)); err != nil {
		t.Fatal(err)
	}
	if err := s.RefreshContentStatus(ctx, []string{"post-1"}); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.ContentStatus(ctx, "post-1"); st != ContentPartial {
		t.Errorf("status = %q, want partial while one mention is unresolved", st)
	}

	if err := s.UpsertPerformance(ctx, full(b)); err != nil {
		t.Fatal(err)
	}
	if err := s.RefreshContentStatus(ctx, []string{"post-1"}); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.ContentStatus(ctx, "post-1"); st != ContentComplete {
		t.Errorf("status = %q, want complete", st)
	}
}

func TestSQLiteStockEventsPagination(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		insertMention(t, s, domain.Mention{StockCode: "NVDA", MentionDate: day(2025, 3, i)})
	}
	insertMention(t, s, domain.Mention{StockCode: "AMD", MentionDate: day(2025, 3, 1)})

	page, total, err := s.StockEvents(ctx, "NVDA", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	// Newest first: offset 2 starts at the third newest date.
	if !page[0].Mention.MentionDate.Equal(day(2025, 3, 3)) {
		t.Errorf("first row date = %v, want 2025-03-03", page[0].Mention.MentionDate)
	}
	if page[0].Record != nil {
		t.Error("mention without a record should have nil Record")
	}
}

func TestSQLiteMentionsBetween(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	in := insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 3, 10), MentionTime: base})
	insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 3, 10), MentionTime: base.Add(2 * time.Hour)})
	insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 3, 10)}) // date only

	got, err := s.MentionsBetween(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Mention.ID != in {
		t.Errorf("MentionsBetween = %+v", got)
	}
}

func TestSQLiteResetPerformance(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	id := insertMention(t, s, domain.Mention{StockCode: "AAPL", MentionDate: day(2025, 1, 2)})
	if err := s.UpsertPerformance(ctx, domain.PerformanceRecord{MentionID: id, FreezeLevel: 3}); err != nil {
		t.Fatal(err)
	}
	n, err := s.ResetPerformance(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetPerformance = %d, %v", n, err)
	}
	if _, err := getRecord(ctx, s, id); err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	rec, _ := getRecord(ctx, s, id)
	if rec != nil {
		t.Error("record should be gone after reset")
	}
	if _, err := getRecord(ctx, s, 9999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRecord(missing) err = %v, want not found", err)
	}
}
