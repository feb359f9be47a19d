package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mentiontrack/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ MentionStore = (*SQLiteStore)(nil)
var _ EventStore = (*SQLiteStore)(nil)

// Content performance statuses.
const (
	ContentComplete = "complete"
	ContentPartial  = "partial"
)

// SQLiteStore implements MentionStore and EventStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

var (
	horizonCols []string // return_1d, ..., excess_1d, ...
	perfCols    []string // columns owned by batch performance runs
	t0Cols      = []string{
		"buy_price", "buy_ts", "buy_source",
		"end_price_live", "end_live_ts", "end_price_closed", "end_closed_ts",
		"return_live", "return_closed", "t0_status", "t0_note",
		"session_trade_date", "window_tag",
	}
)

func init() {
	for _, h := range domain.Horizons {
		horizonCols = append(horizonCols, fmt.Sprintf("return_%dd", h))
	}
	for _, h := range domain.Horizons {
		horizonCols = append(horizonCols, fmt.Sprintf("excess_%dd", h))
	}
	perfCols = append([]string{"price_at_mention"}, horizonCols...)
	perfCols = append(perfCols, "max_return", "max_drawdown", "freeze_level")
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS performance (
		mention_id INTEGER PRIMARY KEY,
		price_at_mention REAL,`)
	for _, c := range horizonCols {
		fmt.Fprintf(&b, "\n\t\t%s REAL,", c)
	}
	b.WriteString(`
		max_return REAL,
		max_drawdown REAL,
		freeze_level INTEGER NOT NULL DEFAULT 0,
		buy_price REAL,
		buy_ts INTEGER NOT NULL DEFAULT 0,
		buy_source TEXT NOT NULL DEFAULT '',
		end_price_live REAL,
		end_live_ts INTEGER NOT NULL DEFAULT 0,
		end_price_closed REAL,
		end_closed_ts INTEGER NOT NULL DEFAULT 0,
		return_live REAL,
		return_closed REAL,
		t0_status TEXT NOT NULL DEFAULT '',
		t0_note TEXT NOT NULL DEFAULT '',
		session_trade_date TEXT NOT NULL DEFAULT '',
		window_tag TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	);`)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contents (
			id TEXT PRIMARY KEY,
			perf_status TEXT NOT NULL DEFAULT 'partial',
			updated_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS mentions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_id TEXT NOT NULL DEFAULT '',
			stock_code TEXT NOT NULL,
			stock_name TEXT NOT NULL DEFAULT '',
			mention_date TEXT NOT NULL,
			mention_ts INTEGER NOT NULL DEFAULT 0,
			context TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_stock_date ON mentions(stock_code, mention_date);`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_ts ON mentions(mention_ts);`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_content ON mentions(content_id);`,
		b.String(),
		`CREATE INDEX IF NOT EXISTS idx_performance_freeze ON performance(freeze_level);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mentions and contents (upstream-owned, written here for ingestion/tests)
// ---------------------------------------------------------------------------

// InsertMention stores a mention and returns its assigned ID.
func (s *SQLiteStore) InsertMention(ctx context.Context, m domain.Mention) (int64, error) {
	if m.ContentID != "" {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO contents (id, perf_status, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			m.ContentID, ContentPartial, time.Now().UnixMilli()); err != nil {
			return 0, fmt.Errorf("inserting content %s: %w", m.ContentID, err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mentions (content_id, stock_code, stock_name, mention_date, mention_ts, context)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ContentID, m.StockCode, m.StockName, m.MentionDate.Format(domain.DateLayout),
		unixMilli(m.MentionTime), m.Context)
	if err != nil {
		return 0, fmt.Errorf("inserting mention: %w", err)
	}
	return res.LastInsertId()
}

// ContentStatus returns the performance status of a content item.
func (s *SQLiteStore) ContentStatus(ctx context.Context, contentID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT perf_status FROM contents WHERE id = ?`, contentID).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

// RefreshContentStatus marks each content complete when every mention under
// it has a record with all horizons resolved, otherwise partial.
func (s *SQLiteStore) RefreshContentStatus(ctx context.Context, contentIDs []string) error {
	if len(contentIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE contents SET
			perf_status = CASE WHEN NOT EXISTS (
				SELECT 1 FROM mentions m
				LEFT JOIN performance p ON p.mention_id = m.id
				WHERE m.content_id = contents.id
				  AND (p.mention_id IS NULL OR p.return_250d IS NULL)
			) THEN ? ELSE ? END,
			updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, id := range contentIDs {
		if id == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ContentComplete, ContentPartial, now, id); err != nil {
			return fmt.Errorf("refreshing content %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Performance records
// ---------------------------------------------------------------------------

// PendingMentions returns mentions without a record or below the terminal
// freeze level, ordered by stock and date.
func (s *SQLiteStore) PendingMentions(ctx context.Context, f BacklogFilter) ([]domain.MentionWithRecord, error) {
	since := ""
	if !f.Since.IsZero() {
		since = f.Since.Format(domain.DateLayout)
	}
	q := selectMentionsSQL + `
		WHERE (p.mention_id IS NULL OR p.freeze_level < ?)
		  AND (? = '' OR m.mention_date >= ?)
		  AND (? = '' OR m.stock_code = ?)
		ORDER BY m.stock_code, m.mention_date, m.id`
	return s.queryMentions(ctx, q, domain.MaxFreezeLevel, since, since, f.StockCode, f.StockCode)
}

// UpsertPerformance writes the performance columns of one record.
func (s *SQLiteStore) UpsertPerformance(ctx context.Context, rec domain.PerformanceRecord) error {
	return s.UpsertPerformanceBatch(ctx, []domain.PerformanceRecord{rec})
}

// UpsertPerformanceBatch writes the performance columns of recs in one
// transaction. The stored freeze level never decreases.
func (s *SQLiteStore) UpsertPerformanceBatch(ctx context.Context, recs []domain.PerformanceRecord) error {
	return s.upsertBatch(ctx, upsertPerfSQL, recs, perfValues)
}

// UpsertT0Batch writes the T0 columns of recs in one transaction. A stored
// firm buy is never replaced.
func (s *SQLiteStore) UpsertT0Batch(ctx context.Context, recs []domain.PerformanceRecord) error {
	return s.upsertBatch(ctx, upsertT0SQL, recs, t0Values)
}

// ResetPerformance deletes every performance record. Used for explicit bulk
// recomputation.
func (s *SQLiteStore) ResetPerformance(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM performance`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) upsertBatch(ctx context.Context, query string, recs []domain.PerformanceRecord, values func(domain.PerformanceRecord) []any) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, r := range recs {
		args := append([]any{r.MentionID}, values(r)...)
		args = append(args, now)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upserting mention %d: %w", r.MentionID, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// EventStore implementation
// ---------------------------------------------------------------------------

// StockEvents returns one page of a stock's mentions, newest first.
func (s *SQLiteStore) StockEvents(ctx context.Context, stockCode string, offset, limit int) ([]domain.MentionWithRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mentions WHERE stock_code = ?`, stockCode).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.queryMentions(ctx, selectMentionsSQL+`
		WHERE m.stock_code = ?
		ORDER BY m.mention_date DESC, m.mention_ts DESC, m.id DESC
		LIMIT ? OFFSET ?`, stockCode, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// MentionsBetween returns timestamped mentions within [start, end).
func (s *SQLiteStore) MentionsBetween(ctx context.Context, start, end time.Time) ([]domain.MentionWithRecord, error) {
	return s.queryMentions(ctx, selectMentionsSQL+`
		WHERE m.mention_ts > 0 AND m.mention_ts >= ? AND m.mention_ts < ?
		ORDER BY m.mention_ts, m.id`, start.UnixMilli(), end.UnixMilli())
}

// ---------------------------------------------------------------------------
// SQL builders and row mapping
// ---------------------------------------------------------------------------

var (
	selectMentionsSQL string
	upsertPerfSQL     string
	upsertT0SQL       string
)

func init() {
	recordCols := append(append([]string{}, perfCols...), t0Cols...)
	prefixed := make([]string, len(recordCols))
	for i, c := range recordCols {
		prefixed[i] = "p." + c
	}
	selectMentionsSQL = `SELECT m.id, m.content_id, m.stock_code, m.stock_name, m.mention_date,
		m.mention_ts, m.context, p.mention_id, ` + strings.Join(prefixed, ", ") + `
		FROM mentions m LEFT JOIN performance p ON p.mention_id = m.id`

	upsertPerfSQL = buildUpsert(perfCols, map[string]string{
		"freeze_level": "MAX(performance.freeze_level, excluded.freeze_level)",
	})
	upsertT0SQL = buildUpsert(t0Cols, t0Guards())
}

// firmBuy matches a row whose buy price came from a real price source.
const firmBuy = `%[1]s.buy_price IS NOT NULL AND %[1]s.buy_source NOT IN ('', '` + domain.SourcePendingOpen + `')`

// t0Guards keeps a stored firm buy across concurrent refreshes: the buy
// columns never change once firm, and a non-firm write leaves the whole
// stored T0 state in place.
func t0Guards() map[string]string {
	stored := fmt.Sprintf(firmBuy, "performance")
	incoming := fmt.Sprintf(firmBuy, "excluded")
	guards := make(map[string]string, len(t0Cols))
	for _, c := range t0Cols {
		cond := stored + " AND NOT (" + incoming + ")"
		if strings.HasPrefix(c, "buy_") {
			cond = stored
		}
		guards[c] = fmt.Sprintf("CASE WHEN %s THEN performance.%s ELSE excluded.%s END", cond, c, c)
	}
	return guards
}

func buildUpsert(cols []string, overrides map[string]string) string {
	all := append(append([]string{"mention_id"}, cols...), "updated_at")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")

	sets := make([]string, 0, len(cols)+1)
	for _, c := range append(append([]string{}, cols...), "updated_at") {
		expr := "excluded." + c
		if o, ok := overrides[c]; ok {
			expr = o
		}
		sets = append(sets, c+" = "+expr)
	}
	return fmt.Sprintf("INSERT INTO performance (%s) VALUES (%s) ON CONFLICT(mention_id) DO UPDATE SET %s",
		strings.Join(all, ", "), placeholders, strings.Join(sets, ", "))
}

func perfValues(r domain.PerformanceRecord) []any {
	vals := []any{nullable(r.PriceAtMention)}
	for _, h := range domain.Horizons {
		vals = append(vals, nullable(r.Returns.Get(h)))
	}
	for _, h := range domain.Horizons {
		vals = append(vals, nullable(r.Excess.Get(h)))
	}
	return append(vals, nullable(r.MaxReturn), nullable(r.MaxDrawdown), r.FreezeLevel)
}

func t0Values(r domain.PerformanceRecord) []any {
	t := r.T0
	session := ""
	if !t.SessionTradeDate.IsZero() {
		session = t.SessionTradeDate.Format(domain.DateLayout)
	}
	return []any{
		nullable(t.BuyPrice), unixMilli(t.BuyTimestamp), t.BuySource,
		nullable(t.EndPriceLive), unixMilli(t.EndLiveAt),
		nullable(t.EndPriceClosed), unixMilli(t.EndClosedAt),
		nullable(t.ReturnLive), nullable(t.ReturnClosed),
		string(t.Status), t.Note, session, string(t.WindowTag),
	}
}

func (s *SQLiteStore) queryMentions(ctx context.Context, query string, args ...any) ([]domain.MentionWithRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MentionWithRecord
	for rows.Next() {
		mr, err := scanMention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

func scanMention(rows *sql.Rows) (domain.MentionWithRecord, error) {
	var (
		m         domain.Mention
		date      string
		ts        int64
		recordID  sql.NullInt64
		price     sql.NullFloat64
		horizons  = make([]sql.NullFloat64, len(horizonCols))
		maxRet    sql.NullFloat64
		maxDD     sql.NullFloat64
		freeze    sql.NullInt64
		buyPrice  sql.NullFloat64
		buyTS     sql.NullInt64
		buySource sql.NullString
		endLive   sql.NullFloat64
		endLiveTS sql.NullInt64
		endClosed sql.NullFloat64
		endClTS   sql.NullInt64
		retLive   sql.NullFloat64
		retClosed sql.NullFloat64
		status    sql.NullString
		note      sql.NullString
		session   sql.NullString
		tag       sql.NullString
	)

	dest := []any{&m.ID, &m.ContentID, &m.StockCode, &m.StockName, &date, &ts, &m.Context, &recordID, &price}
	for i := range horizons {
		dest = append(dest, &horizons[i])
	}
	dest = append(dest, &maxRet, &maxDD, &freeze,
		&buyPrice, &buyTS, &buySource, &endLive, &endLiveTS, &endClosed, &endClTS,
		&retLive, &retClosed, &status, &note, &session, &tag)

	if err := rows.Scan(dest...); err != nil {
		return domain.MentionWithRecord{}, err
	}

	d, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return domain.MentionWithRecord{}, fmt.Errorf("mention %d has bad date %q: %w", m.ID, date, err)
	}
	m.MentionDate = d
	m.MentionTime = fromMilli(ts)

	out := domain.MentionWithRecord{Mention: m}
	if !recordID.Valid {
		return out, nil
	}

	rec := &domain.PerformanceRecord{
		MentionID:      m.ID,
		PriceAtMention: floatPtr(price),
		MaxReturn:      floatPtr(maxRet),
		MaxDrawdown:    floatPtr(maxDD),
		FreezeLevel:    int(freeze.Int64),
	}
	n := len(domain.Horizons)
	for i, h := range domain.Horizons {
		rec.Returns.Set(h, floatPtr(horizons[i]))
		rec.Excess.Set(h, floatPtr(horizons[n+i]))
	}
	rec.T0 = domain.T0State{
		BuyPrice:       floatPtr(buyPrice),
		BuyTimestamp:   fromMilli(buyTS.Int64),
		BuySource:      buySource.String,
		EndPriceLive:   floatPtr(endLive),
		EndLiveAt:      fromMilli(endLiveTS.Int64),
		EndPriceClosed: floatPtr(endClosed),
		EndClosedAt:    fromMilli(endClTS.Int64),
		ReturnLive:     floatPtr(retLive),
		ReturnClosed:   floatPtr(retClosed),
		Status:         domain.T0Status(status.String),
		Note:           note.String,
		WindowTag:      domain.WindowTag(tag.String),
	}
	if session.String != "" {
		if sd, err := time.Parse(domain.DateLayout, session.String); err == nil {
			rec.T0.SessionTradeDate = sd
		}
	}
	out.Record = rec
	return out, nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
