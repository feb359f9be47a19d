package events

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/perf"
	"mentiontrack/internal/snapshot"
)

// refreshRows resolves fresh T0 state for rows, merges it over the stored
// state, persists the T0 columns and updates rows in place.
func (s *Service) refreshRows(ctx context.Context, rows []domain.MentionWithRecord, now time.Time) error {
	if len(rows) == 0 {
		return nil
	}

	states := make([]domain.T0State, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RefreshWorkers)
	for i := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			states[i] = s.computeT0(gctx, rows[i], now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refreshing T0: %w", err)
	}

	recs := make([]domain.PerformanceRecord, len(rows))
	for i := range rows {
		var prev domain.T0State
		if rows[i].Record != nil {
			prev = rows[i].Record.T0
		} else {
			rows[i].Record = &domain.PerformanceRecord{MentionID: rows[i].Mention.ID}
		}
		rows[i].Record.T0 = prev.Merge(states[i])
		recs[i] = domain.PerformanceRecord{MentionID: rows[i].Mention.ID, T0: rows[i].Record.T0}
	}
	if err := s.store.UpsertT0Batch(ctx, recs); err != nil {
		return fmt.Errorf("persisting T0: %w", err)
	}
	return nil
}

// lateBuyTolerance is how far a live buy quote may trail the buy time before
// the record carries the quote time instead.
const lateBuyTolerance = time.Minute

// computeT0 resolves the T0 state of one mention. The buy leg prices the
// mention at its buy time; the end leg uses the session close once the
// finalize cutoff has passed, otherwise the live price.
func (s *Service) computeT0(ctx context.Context, m domain.MentionWithRecord, now time.Time) domain.T0State {
	cal := s.sessions.Calendar()
	code := m.Mention.StockCode
	sessionDate, tag := s.sessions.Resolve(m.Mention.MentionTime, m.Mention.MentionDate)
	st := domain.T0State{SessionTradeDate: sessionDate, WindowTag: tag}

	open := cal.SessionOpen(sessionDate)
	if sessionDate.After(s.sessions.Today(now)) || now.Before(open) {
		st.Status = domain.T0PendingOpen
		st.BuySource = domain.SourcePendingOpen
		st.Note = "session has not opened"
		return st
	}

	var prev domain.T0State
	if m.Record != nil {
		prev = m.Record.T0
	}
	if prev.HasFirmBuy() {
		st.BuyPrice, st.BuyTimestamp, st.BuySource = prev.BuyPrice, prev.BuyTimestamp, prev.BuySource
	} else {
		buyAt := s.sessions.BuyTime(m.Mention.MentionTime, sessionDate)
		var res snapshot.Result
		if buyAt.Equal(open) {
			res = s.prices.ResolveOpen(ctx, code, sessionDate)
		} else {
			res = s.prices.Resolve(ctx, code, buyAt)
		}
		switch {
		case res.OK():
			st.BuyPrice, st.BuyTimestamp, st.BuySource = res.Price, buyAt, res.Source
			// Only daily bars are stored, so a mention first priced after
			// the fact is bought at the quote time.
			if res.Source == domain.SourceLiveQuote && res.At.After(buyAt.Add(lateBuyTolerance)) {
				st.BuyTimestamp = res.At
				st.Note = "buy quoted at " + res.At.UTC().Format(time.TimeOnly) + " UTC, after the mention"
			}
		case res.Status == snapshot.StatusPendingOpen:
			st.Status = domain.T0PendingOpen
			st.BuySource = domain.SourcePendingOpen
			st.Note = res.Note
			return st
		default:
			st.Status = domain.T0Unavailable
			st.Note = "buy price: " + res.Note
			return st
		}
	}

	if !now.Before(cal.FinalizeCutoff(sessionDate)) {
		res := s.prices.ResolveClose(ctx, code, sessionDate)
		if res.OK() {
			st.EndPriceClosed, st.EndClosedAt = res.Price, res.At
			st.ReturnClosed = domain.Float(perf.PctChange(*st.BuyPrice, *res.Price))
			st.Status = domain.T0Closed
			return st
		}
		if sessionDate.Before(s.sessions.Today(now)) {
			st.Status = domain.T0Unavailable
			st.Note = "close price: " + res.Note
			return st
		}
	}

	res := s.prices.Resolve(ctx, code, now)
	if !res.OK() {
		st.Status = domain.T0Unavailable
		st.Note = "live price: " + res.Note
		return st
	}
	at := res.At
	if at.IsZero() {
		at = now
	}
	st.EndPriceLive, st.EndLiveAt = res.Price, at
	st.ReturnLive = domain.Float(perf.PctChange(*st.BuyPrice, *res.Price))
	st.Status = domain.T0Live
	return st
}
