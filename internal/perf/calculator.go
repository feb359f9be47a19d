// Package perf computes multi-horizon mention performance and runs it over
// the pending backlog.
package perf

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/session"
)

// maxAnchorGapDays bounds how far after the mention date the base bar may
// fall before the mention is treated as uncovered.
const maxAnchorGapDays = 7

// Input is one ReturnCalculator invocation.
type Input struct {
	Mention     domain.Mention
	FreezeLevel int
	// Series and Benchmark are ordered daily bars; the last bar of Series is
	// treated as today's bar when counting elapsed trading days.
	Series    []domain.PriceBar
	Benchmark []domain.PriceBar
}

// Payload is the result of one calculation.
type Payload struct {
	SessionDate    time.Time
	BaseDate       time.Time
	PriceAtMention float64
	Returns        domain.HorizonValues
	Excess         domain.HorizonValues
	MaxReturn      *float64
	MaxDrawdown    *float64
	// Computed lists the horizons this call was allowed to write.
	Computed    []int
	Elapsed     int
	FreezeLevel int
}

// Calculator computes per-horizon returns for a mention against a price
// series. It holds no mutable state.
type Calculator struct {
	sessions *session.Resolver
	freeze   FreezePolicy
}

// NewCalculator creates a Calculator.
func NewCalculator(sessions *session.Resolver, freeze FreezePolicy) *Calculator {
	return &Calculator{sessions: sessions, freeze: freeze}
}

// Compute returns the payload for in. It fails with domain.ErrDataGap when no
// base bar exists within maxAnchorGapDays of the mention date. Horizons past
// the end of the series resolve to nil.
func (c *Calculator) Compute(in Input) (Payload, error) {
	level := clampLevel(in.FreezeLevel)
	if IsTerminal(level) {
		return Payload{FreezeLevel: level}, nil
	}

	sessionDate, _ := c.sessions.Resolve(in.Mention.MentionTime, in.Mention.MentionDate)
	baseIdx := sort.Search(len(in.Series), func(i int) bool {
		return !in.Series[i].TradeDate.Before(sessionDate)
	})
	if baseIdx == len(in.Series) {
		return Payload{}, fmt.Errorf("%s on %s: no bar on or after %s: %w",
			in.Mention.StockCode, in.Mention.MentionDate.Format(domain.DateLayout),
			sessionDate.Format(domain.DateLayout), domain.ErrDataGap)
	}
	base := in.Series[baseIdx]
	mentionDate := in.Mention.MentionDate
	if mentionDate.IsZero() {
		mentionDate = c.sessions.Today(in.Mention.MentionTime)
	}
	if base.TradeDate.Sub(mentionDate) > maxAnchorGapDays*24*time.Hour {
		return Payload{}, fmt.Errorf("%s on %s: base bar %s too far from mention: %w",
			in.Mention.StockCode, in.Mention.MentionDate.Format(domain.DateLayout),
			base.TradeDate.Format(domain.DateLayout), domain.ErrDataGap)
	}
	if base.Close <= 0 {
		return Payload{}, fmt.Errorf("%s: non-positive base close on %s: %w",
			in.Mention.StockCode, base.TradeDate.Format(domain.DateLayout), domain.ErrDataGap)
	}

	lastIdx := len(in.Series) - 1
	elapsed := lastIdx - baseIdx
	horizons := HorizonsFor(level)

	p := Payload{
		SessionDate:    sessionDate,
		BaseDate:       base.TradeDate,
		PriceAtMention: base.Close,
		Computed:       horizons,
		Elapsed:        elapsed,
		FreezeLevel:    c.freeze.Advance(level, elapsed),
	}

	bench := indexByDate(in.Benchmark)
	benchBase, hasBenchBase := bench[dateKey(base.TradeDate)]

	longest := 0
	for _, h := range horizons {
		longest = max(longest, h)
		idx := baseIdx + h
		if idx > lastIdx {
			continue
		}
		target := in.Series[idx]
		ret := PctChange(base.Close, target.Close)
		p.Returns.Set(h, domain.Float(ret))

		if bt, ok := bench[dateKey(target.TradeDate)]; ok && hasBenchBase && benchBase.Close > 0 {
			excess := round4(ret - PctChange(benchBase.Close, bt.Close))
			p.Excess.Set(h, domain.Float(excess))
		}
	}

	// Running extremes over the longest horizon in this call.
	end := min(baseIdx+longest, lastIdx)
	for i := baseIdx + 1; i <= end; i++ {
		hi := PctChange(base.Close, in.Series[i].High)
		lo := PctChange(base.Close, in.Series[i].Low)
		if p.MaxReturn == nil || hi > *p.MaxReturn {
			p.MaxReturn = domain.Float(hi)
		}
		if p.MaxDrawdown == nil || lo < *p.MaxDrawdown {
			p.MaxDrawdown = domain.Float(lo)
		}
	}
	return p, nil
}

// Apply merges p into the existing record for mentionID. Horizons outside
// p.Computed keep their stored values and the freeze level never decreases.
func (p Payload) Apply(mentionID int64, prev *domain.PerformanceRecord) domain.PerformanceRecord {
	rec := domain.PerformanceRecord{MentionID: mentionID}
	if prev != nil {
		rec = *prev
		rec.MentionID = mentionID
	}
	if len(p.Computed) > 0 {
		rec.PriceAtMention = domain.Float(p.PriceAtMention)
		rec.MaxReturn = p.MaxReturn
		rec.MaxDrawdown = p.MaxDrawdown
	}
	for _, h := range p.Computed {
		rec.Returns.Set(h, p.Returns.Get(h))
		rec.Excess.Set(h, p.Excess.Get(h))
	}
	rec.FreezeLevel = max(rec.FreezeLevel, p.FreezeLevel)
	return rec
}

func indexByDate(bars []domain.PriceBar) map[string]domain.PriceBar {
	m := make(map[string]domain.PriceBar, len(bars))
	for _, b := range bars {
		m[dateKey(b.TradeDate)] = b
	}
	return m
}

func dateKey(t time.Time) string { return t.Format(domain.DateLayout) }

// PctChange returns (to-from)/from in percent, rounded to 4 decimals.
func PctChange(from, to float64) float64 {
	d := decimal.NewFromFloat(to).Sub(decimal.NewFromFloat(from)).
		Div(decimal.NewFromFloat(from)).
		Mul(decimal.NewFromInt(100))
	f, _ := d.Round(4).Float64()
	return f
}

func round4(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(4).Float64()
	return f
}
