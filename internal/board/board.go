// Package board assembles the three-window T0 board: the previous, current
// and next trading days, bounded close to close.
package board

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/session"
)

// Window names.
const (
	WindowPrev = "D-1"
	WindowBase = "D"
	WindowNext = "D+1"
)

// Event is one mention as shown on the board.
type Event struct {
	MentionID   int64          `json:"mention_id"`
	StockCode   string         `json:"stock_code"`
	StockName   string         `json:"stock_name"`
	MentionTime time.Time      `json:"mention_time"`
	Context     string         `json:"context,omitempty"`
	T0          domain.T0State `json:"t0"`
	Return      *float64       `json:"return"`
	ReturnText  string         `json:"return_text"`
}

// Window is one close-to-close bucket of the board.
type Window struct {
	Name      string    `json:"name"`
	TradeDate string    `json:"trade_date"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Finalized bool      `json:"finalized"`
	Preview   bool      `json:"preview"`
	Count     int       `json:"count"`
	Current   *Event    `json:"current"`
	Max       *Event    `json:"max"`
	Events    []Event   `json:"events"`
}

// Contains reports whether ts falls inside [Start, End).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Board is the full three-window view.
type Board struct {
	AsOf    time.Time            `json:"as_of"`
	Session domain.SessionWindow `json:"session"`
	Windows []Window             `json:"windows"`
}

// Span returns the half-open interval covered by all windows.
func (b Board) Span() (time.Time, time.Time) {
	if len(b.Windows) == 0 {
		return time.Time{}, time.Time{}
	}
	return b.Windows[0].Start, b.Windows[len(b.Windows)-1].End
}

// Summary renders a one-line description per window.
func (b Board) Summary() string {
	parts := make([]string, 0, len(b.Windows))
	for _, w := range b.Windows {
		s := fmt.Sprintf("%s %s: %s mentions", w.Name, w.TradeDate, FormatInt(w.Count))
		if w.Max != nil {
			s += fmt.Sprintf(", max %s %s", w.Max.StockCode, w.Max.ReturnText)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

// Builder lays out board windows against the trading calendar.
type Builder struct {
	sessions *session.Resolver
}

// NewBuilder creates a Builder.
func NewBuilder(sessions *session.Resolver) *Builder {
	return &Builder{sessions: sessions}
}

// Layout returns the empty board for now: D-1 spans the two previous
// closes and is always final; D ends at the base close and is final once
// now passes the finalize cutoff; D+1 is a preview up to the next close.
func (b *Builder) Layout(now time.Time) Board {
	cal := b.sessions.Calendar()
	sw := b.sessions.Window(now)
	prevPrev := cal.PrevTradingDay(sw.PrevTradeDate)

	return Board{
		AsOf:    now,
		Session: sw,
		Windows: []Window{
			{
				Name:      WindowPrev,
				TradeDate: sw.PrevTradeDate.Format(domain.DateLayout),
				Start:     cal.SessionClose(prevPrev),
				End:       cal.SessionClose(sw.PrevTradeDate),
				Finalized: true,
			},
			{
				Name:      WindowBase,
				TradeDate: sw.BaseTradeDate.Format(domain.DateLayout),
				Start:     cal.SessionClose(sw.PrevTradeDate),
				End:       cal.SessionClose(sw.BaseTradeDate),
				Finalized: !now.Before(cal.FinalizeCutoff(sw.BaseTradeDate)),
			},
			{
				Name:      WindowNext,
				TradeDate: sw.NextTradeDate.Format(domain.DateLayout),
				Start:     cal.SessionClose(sw.BaseTradeDate),
				End:       cal.SessionClose(sw.NextTradeDate),
				Preview:   true,
			},
		},
	}
}

// Build assigns each timestamped mention to the window containing its raw
// timestamp and selects each window's current and max event. Mentions
// without a timestamp or outside every window are ignored.
func (b *Builder) Build(now time.Time, mentions []domain.MentionWithRecord) Board {
	board := b.Layout(now)
	for _, m := range mentions {
		if !m.Mention.HasTime() {
			continue
		}
		for i := range board.Windows {
			w := &board.Windows[i]
			if w.Contains(m.Mention.MentionTime) {
				w.Events = append(w.Events, toEvent(m))
				break
			}
		}
	}

	for i := range board.Windows {
		w := &board.Windows[i]
		sort.Slice(w.Events, func(a, c int) bool {
			return newer(w.Events[a], w.Events[c])
		})
		w.Count = len(w.Events)
		if w.Count == 0 {
			continue
		}
		cur := w.Events[0]
		w.Current = &cur
		w.Max = maxEvent(w.Events)
	}
	return board
}

func toEvent(m domain.MentionWithRecord) Event {
	e := Event{
		MentionID:   m.Mention.ID,
		StockCode:   m.Mention.StockCode,
		StockName:   m.Mention.StockName,
		MentionTime: m.Mention.MentionTime,
		Context:     m.Mention.Context,
	}
	if m.Record != nil {
		e.T0 = m.Record.T0
		e.Return = m.Record.T0.BestReturn()
	}
	e.ReturnText = FormatReturn(e.Return)
	return e
}

// newer orders events newest first; equal times fall back to the higher ID.
func newer(a, b Event) bool {
	if !a.MentionTime.Equal(b.MentionTime) {
		return a.MentionTime.After(b.MentionTime)
	}
	return a.MentionID > b.MentionID
}

// maxEvent returns the event with the highest return. Ties go to the
// earliest mention time, then the lower ID.
func maxEvent(events []Event) *Event {
	var best *Event
	for i := range events {
		e := &events[i]
		if e.Return == nil {
			continue
		}
		if best == nil || beats(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func beats(a, b *Event) bool {
	if *a.Return != *b.Return {
		return *a.Return > *b.Return
	}
	if !a.MentionTime.Equal(b.MentionTime) {
		return a.MentionTime.Before(b.MentionTime)
	}
	return a.MentionID < b.MentionID
}
