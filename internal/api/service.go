// Package api provides the HTTP handlers for ingesting exchange events,
// triggering recomputes and querying an account's derived PnL results.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/engine"
	"github.com/pnlbloom/pnl-engine/internal/ingest"
	"github.com/pnlbloom/pnl-engine/internal/model"
	"github.com/pnlbloom/pnl-engine/internal/store"
)

// maxBody caps request payloads.
const maxBody = 16 << 20

// Service serves the PnL API. Recomputes are serialised per account inside
// the Recomputer, so handlers hold no locks of their own.
type Service struct {
	store      store.Store
	ingestor   *ingest.Ingestor
	recomputer *engine.Recomputer
	hub        *Hub // optional WebSocket hub for recompute notices
	log        *slog.Logger
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, ingestor *ingest.Ingestor, rec *engine.Recomputer, hub *Hub, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, ingestor: ingestor, recomputer: rec, hub: hub, log: log}
}

// Routes mounts every endpoint on r. Callers mount r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/events", s.IngestEvents)
	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Post("/snapshots", s.UpsertSnapshots)
		r.Post("/recompute", s.Recompute)
		r.Get("/trades", s.GetTrades)
		r.Get("/equity", s.GetEquity)
		r.Get("/drawdowns", s.GetDrawdowns)
		r.Get("/stats", s.GetStats)
		r.Get("/positions", s.GetPositions)
		r.Get("/summary", s.GetSummary)
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// IngestResponse is returned from POST /events.
type IngestResponse struct {
	ingest.Report
	Rejected []string `json:"rejected"`
}

// SnapshotRequest is one element of the POST /snapshots body.
type SnapshotRequest struct {
	Day             string          `json:"day"` // YYYY-MM-DD
	AccountValue    decimal.Decimal `json:"account_value"`
	TotalMarginUsed decimal.Decimal `json:"total_margin_used"`
}

// RecomputeResponse is returned from POST /recompute.
type RecomputeResponse struct {
	Status      string                `json:"status"` // "ok" or "empty"
	RunID       string                `json:"run_id"`
	Account     string                `json:"account"`
	Range       model.Range           `json:"range"`
	Trades      []model.ClosedTrade   `json:"trades"`
	Equity      []model.EquityPoint   `json:"equity"`
	Drawdowns   []model.DrawdownEvent `json:"drawdowns"`
	Stats       []model.MarketStats   `json:"stats"`
	Positions   []model.OpenPosition  `json:"positions"`
	Summary     *model.Summary        `json:"summary"`
	Diagnostics *engine.Diagnostics   `json:"diagnostics,omitempty"`
}

// --- Handlers ---

// IngestEvents handles POST /api/v1/events. The body is one wire event or a
// JSON array of them; unparseable elements are reported, not fatal.
func (s *Service) IngestEvents(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	parsed, errs := ingest.ParseBatch(data)
	resp := IngestResponse{Rejected: make([]string, 0, len(errs))}
	for _, e := range errs {
		resp.Rejected = append(resp.Rejected, e.Error())
	}
	if len(parsed) == 0 {
		msg := "no valid events"
		if len(errs) > 0 {
			msg = strings.Join(resp.Rejected, "; ")
		}
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	rep, err := s.ingestor.Ingest(r.Context(), parsed)
	if err != nil {
		s.log.Error("ingest failed", "err", err)
		writeError(w, "failed to store events", http.StatusInternalServerError)
		return
	}
	resp.Report = rep
	if resp.Accounts == nil {
		resp.Accounts = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpsertSnapshots handles POST /api/v1/accounts/{account}/snapshots.
func (s *Service) UpsertSnapshots(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	var req []SnapshotRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	snaps := make([]model.MarginSnapshot, 0, len(req))
	for _, sr := range req {
		day, err := time.Parse(time.DateOnly, sr.Day)
		if err != nil {
			writeError(w, "invalid day: "+sr.Day, http.StatusBadRequest)
			return
		}
		if !ingest.ValidNumber(sr.AccountValue) || !ingest.ValidNumber(sr.TotalMarginUsed) {
			writeError(w, "snapshot value out of range", http.StatusBadRequest)
			return
		}
		if sr.AccountValue.IsNegative() || sr.TotalMarginUsed.IsNegative() {
			writeError(w, "snapshot values must be non-negative", http.StatusBadRequest)
			return
		}
		snaps = append(snaps, model.MarginSnapshot{
			Account:         account,
			Day:             day,
			AccountValue:    sr.AccountValue,
			TotalMarginUsed: sr.TotalMarginUsed,
		})
	}

	if err := s.store.UpsertMarginSnapshots(r.Context(), snaps); err != nil {
		s.log.Error("snapshot upsert failed", "account", account, "err", err)
		writeError(w, "failed to store snapshots", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "stored": len(snaps)})
}

// Recompute handles POST /api/v1/accounts/{account}/recompute?from=&to=.
// An account with nothing to fold is reported as status "empty".
func (s *Service) Recompute(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := RecomputeResponse{RunID: uuid.New().String(), Account: account, Range: rng}
	out, err := s.recomputer.Recompute(r.Context(), account, rng)
	switch {
	case errors.Is(err, engine.ErrNothingToCompute):
		resp.Status = "empty"
		resp.Trades = []model.ClosedTrade{}
		resp.Equity = []model.EquityPoint{}
		resp.Drawdowns = []model.DrawdownEvent{}
		resp.Stats = []model.MarketStats{}
		resp.Positions = []model.OpenPosition{}
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		s.log.Error("recompute failed", "account", account, "err", err)
		writeError(w, "recompute failed", http.StatusInternalServerError)
		return
	}

	res := out.Result
	resp.Status = "ok"
	resp.Trades = res.Trades
	resp.Equity = res.Equity
	resp.Drawdowns = res.Drawdowns
	resp.Stats = res.Stats
	resp.Positions = res.Positions
	resp.Summary = &res.Summary
	resp.Diagnostics = &out.Diagnostics
	writeJSON(w, http.StatusOK, resp)
}

// GetTrades handles GET /api/v1/accounts/{account}/trades?from=&to=.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	trades, err := s.store.GetTrades(r.Context(), account, rng)
	if err != nil {
		s.serverError(w, "trades", account, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(trades))
}

// GetEquity handles GET /api/v1/accounts/{account}/equity?from=&to=.
func (s *Service) GetEquity(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	points, err := s.store.GetEquity(r.Context(), account, rng)
	if err != nil {
		s.serverError(w, "equity", account, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(points))
}

// GetDrawdowns handles GET /api/v1/accounts/{account}/drawdowns.
func (s *Service) GetDrawdowns(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	events, err := s.store.GetDrawdowns(r.Context(), account)
	if err != nil {
		s.serverError(w, "drawdowns", account, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(events))
}

// GetStats handles GET /api/v1/accounts/{account}/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	st, err := s.store.GetStats(r.Context(), account)
	if err != nil {
		s.serverError(w, "stats", account, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(st))
}

// GetPositions handles GET /api/v1/accounts/{account}/positions.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	pos, err := s.store.GetPositions(r.Context(), account)
	if err != nil {
		s.serverError(w, "positions", account, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(pos))
}

// GetSummary handles GET /api/v1/accounts/{account}/summary. An account
// that was never recomputed reports status "empty" rather than an error.
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	sum, err := s.store.GetSummary(r.Context(), account)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "empty", "account": account})
		return
	}
	if err != nil {
		s.serverError(w, "summary", account, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Helpers ---

// parseRange reads the optional from/to query parameters as YYYY-MM-DD.
func parseRange(r *http.Request) (model.Range, error) {
	var rng model.Range
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return rng, errors.New("invalid from date, want YYYY-MM-DD")
		}
		rng.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return rng, errors.New("invalid to date, want YYYY-MM-DD")
		}
		rng.To = t
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		return rng, errors.New("to must not precede from")
	}
	return rng, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *Service) serverError(w http.ResponseWriter, what, account string, err error) {
	s.log.Error("query failed", "what", what, "account", account, "err", err)
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
