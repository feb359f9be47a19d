package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mentiontrack/internal/board"
	"mentiontrack/internal/domain"
	"mentiontrack/internal/events"
	"mentiontrack/internal/perf"
)

// EventService is the set of operations served over HTTP.
// *events.Service satisfies it.
type EventService interface {
	GetStockEvents(ctx context.Context, code, mode string, page, perPage int) (events.Page, error)
	ScheduleRefresh(code string) (string, error)
	RunPendingPerformance(ctx context.Context, windowDays int) (perf.RunResult, error)
	Board(ctx context.Context, mode string) (board.Board, error)
}

var _ EventService = (*events.Service)(nil)

// Server serves the mention API.
type Server struct {
	svc EventService
	log *slog.Logger
	// runTimeout bounds synchronous backlog runs.
	runTimeout time.Duration
}

// NewServer creates a Server. A zero runTimeout disables the bound.
func NewServer(svc EventService, runTimeout time.Duration) *Server {
	return &Server{
		svc:        svc,
		log:        slog.Default().With("component", "httpapi"),
		runTimeout: runTimeout,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stocks/{code}/events", s.handleStockEvents)
	mux.HandleFunc("POST /api/stocks/{code}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/t0/board", s.handleBoard)
	mux.HandleFunc("POST /api/performance/run", s.handleRun)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeServiceError maps invalid input to 400 and everything else to 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, name)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleStockEvents(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	perPage, err := queryInt(r, "per_page")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp, err := s.svc.GetStockEvents(r.Context(), r.PathValue("code"), r.URL.Query().Get("mode"), page, perPage)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.ScheduleRefresh(r.PathValue("code"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if status == events.RefreshQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, RefreshResponse{StockCode: strings.ToUpper(r.PathValue("code")), Status: status})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Board(r.Context(), r.URL.Query().Get("mode"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if days, err := queryInt(r, "window_days"); err != nil {
		s.writeServiceError(w, r, err)
		return
	} else if days != 0 {
		req.WindowDays = days
	}

	ctx := r.Context()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	res, err := s.svc.RunPendingPerformance(ctx, req.WindowDays)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{RunResult: res, Aborted: res.AbortReason != ""})
}
