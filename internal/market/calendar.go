package market

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"mentiontrack/internal/domain"
	"mentiontrack/internal/util"
)

// LoadTradingDays fetches the exchange calendar for [from, to] and installs
// it on cal. Days outside the range keep the weekday and holiday rule.
func LoadTradingDays(client TradingClient, cal *util.TradingCalendar, from, to time.Time) (int, error) {
	if client == nil {
		return 0, fmt.Errorf("no trading client configured")
	}
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: from,
		End:   to,
	})
	if err != nil {
		return 0, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return 0, fmt.Errorf("no trading days returned from calendar")
	}

	dates := make([]time.Time, 0, len(days))
	for _, d := range days {
		t, err := time.Parse(domain.DateLayout, d.Date)
		if err != nil {
			continue
		}
		dates = append(dates, t)
	}
	cal.SetTradingDays(util.DateOf(from, time.UTC), util.DateOf(to, time.UTC), dates)
	return len(dates), nil
}
