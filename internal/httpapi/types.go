// Package httpapi exposes the mention performance engine over a JSON HTTP
// API.
package httpapi

import (
	"mentiontrack/internal/perf"
)

// RefreshResponse is the result of POST /api/stocks/{code}/refresh.
type RefreshResponse struct {
	StockCode string `json:"stock_code"`
	Status    string `json:"status"`
}

// RunRequest is the optional body of POST /api/performance/run.
type RunRequest struct {
	WindowDays int `json:"window_days"`
}

// RunResponse wraps a batch run result.
type RunResponse struct {
	perf.RunResult
	Aborted bool `json:"aborted"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
