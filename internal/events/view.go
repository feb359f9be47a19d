package events

import (
	"strconv"
	"time"

	"mentiontrack/internal/board"
	"mentiontrack/internal/domain"
)

// EventView is the API shape of one mention with its performance.
type EventView struct {
	MentionID      int64               `json:"mention_id"`
	ContentID      string              `json:"content_id,omitempty"`
	StockCode      string              `json:"stock_code"`
	StockName      string              `json:"stock_name"`
	MentionDate    string              `json:"mention_date"`
	MentionTime    *time.Time          `json:"mention_time,omitempty"`
	Context        string              `json:"context,omitempty"`
	PriceAtMention *float64            `json:"price_at_mention"`
	Returns        map[string]*float64 `json:"returns"`
	Excess         map[string]*float64 `json:"excess_returns"`
	MaxReturn      *float64            `json:"max_return"`
	MaxDrawdown    *float64            `json:"max_drawdown"`
	FreezeLevel    int                 `json:"freeze_level"`
	T0             T0View              `json:"t0"`
}

// T0View is the API shape of a mention's T0 state. Missing data shows as
// status "unavailable" with a note.
type T0View struct {
	Status           domain.T0Status  `json:"status"`
	BuyPrice         *float64         `json:"buy_price"`
	BuyTime          *time.Time       `json:"buy_time,omitempty"`
	BuySource        string           `json:"buy_source,omitempty"`
	EndPriceLive     *float64         `json:"end_price_live"`
	EndPriceClosed   *float64         `json:"end_price_closed"`
	ReturnLive       *float64         `json:"return_live"`
	ReturnClosed     *float64         `json:"return_closed"`
	ReturnText       string           `json:"return_text"`
	Note             string           `json:"note,omitempty"`
	SessionTradeDate string           `json:"session_trade_date"`
	WindowTag        domain.WindowTag `json:"window_tag"`
}

func (s *Service) view(m domain.MentionWithRecord) EventView {
	v := EventView{
		MentionID:   m.Mention.ID,
		ContentID:   m.Mention.ContentID,
		StockCode:   m.Mention.StockCode,
		StockName:   m.Mention.StockName,
		MentionDate: m.Mention.MentionDate.Format(domain.DateLayout),
		Context:     m.Mention.Context,
		Returns:     make(map[string]*float64, len(domain.Horizons)),
		Excess:      make(map[string]*float64, len(domain.Horizons)),
	}
	if m.Mention.HasTime() {
		t := m.Mention.MentionTime
		v.MentionTime = &t
	}

	var t0 domain.T0State
	if r := m.Record; r != nil {
		v.PriceAtMention = r.PriceAtMention
		v.MaxReturn = r.MaxReturn
		v.MaxDrawdown = r.MaxDrawdown
		v.FreezeLevel = r.FreezeLevel
		t0 = r.T0
	}
	for _, h := range domain.Horizons {
		k := strconv.Itoa(h) + "d"
		if m.Record != nil {
			v.Returns[k] = m.Record.Returns.Get(h)
			v.Excess[k] = m.Record.Excess.Get(h)
		} else {
			v.Returns[k] = nil
			v.Excess[k] = nil
		}
	}
	v.T0 = s.t0View(m.Mention, t0)
	return v
}

func (s *Service) t0View(m domain.Mention, t0 domain.T0State) T0View {
	if t0.SessionTradeDate.IsZero() {
		t0.SessionTradeDate, t0.WindowTag = s.sessions.Resolve(m.MentionTime, m.MentionDate)
	}
	if t0.Status == "" {
		t0.Status = domain.T0Unavailable
		if t0.Note == "" {
			t0.Note = "not refreshed yet"
		}
	}
	v := T0View{
		Status:           t0.Status,
		BuyPrice:         t0.BuyPrice,
		BuySource:        t0.BuySource,
		EndPriceLive:     t0.EndPriceLive,
		EndPriceClosed:   t0.EndPriceClosed,
		ReturnLive:       t0.ReturnLive,
		ReturnClosed:     t0.ReturnClosed,
		ReturnText:       board.FormatReturn(t0.BestReturn()),
		Note:             t0.Note,
		SessionTradeDate: t0.SessionTradeDate.Format(domain.DateLayout),
		WindowTag:        t0.WindowTag,
	}
	if !t0.BuyTimestamp.IsZero() {
		bt := t0.BuyTimestamp
		v.BuyTime = &bt
	}
	return v
}
