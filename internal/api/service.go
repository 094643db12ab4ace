// Package api provides the HTTP handlers for opening, settling and
// inspecting positions, plus the WebSocket hub that streams engine events.
//
// All monetary values use shopspring/decimal, encoded as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/product"
	"github.com/atmx/settlement-engine/internal/settlement"
)

// maxHistoryLimit bounds GET /users/{userID}/history.
const maxHistoryLimit = 500

// Service exposes the settlement engine over HTTP.
type Service struct {
	engine *settlement.Engine
	hub    *WSHub // optional; nil disables /ws
	logger *slog.Logger
}

// NewService creates a new HTTP service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *settlement.Engine, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, hub: hub, logger: logger}
}

// Routes registers every endpoint on r, typically mounted at /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/instruments", s.ListInstruments)
	r.Get("/products", s.ListProducts)

	r.Post("/deposits", s.Deposit)

	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Post("/positions/{positionID}/close", s.ClosePosition)
	r.Post("/positions/{positionID}/repay", s.RepayPosition)
	r.Post("/positions/{positionID}/withdraw", s.WithdrawPosition)

	r.Get("/users/{userID}/positions", s.ListPositions)
	r.Get("/users/{userID}/history", s.ListHistory)
	r.Get("/users/{userID}/balances", s.ListBalances)

	r.Get("/admin/outcome-mode", s.GetOutcomeMode)
	r.Put("/admin/outcome-mode", s.SetOutcomeMode)
	r.Post("/admin/evaluate", s.Evaluate)
}

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	UserID     string          `json:"user_id"`
	Kind       model.Kind      `json:"kind"`
	Instrument string          `json:"instrument"` // BASE/QUOTE
	Side       model.Side      `json:"side"`
	Stake      decimal.Decimal `json:"stake"`               // collateral for a borrow
	Leverage   decimal.Decimal `json:"leverage,omitempty"`  // futures
	Duration   string          `json:"duration,omitempty"`  // Go duration, e.g. "60s" or "168h"
	Principal  decimal.Decimal `json:"principal,omitempty"` // borrow
}

// ActionRequest is the JSON body for close, repay and withdraw.
type ActionRequest struct {
	UserID string `json:"user_id"`
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// DepositResponse returns the balance after the deposit.
type DepositResponse struct {
	UserID  string          `json:"user_id"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

// OutcomeModeRequest is the JSON body for PUT /admin/outcome-mode.
type OutcomeModeRequest struct {
	Mode string `json:"mode"`
}

// PositionResponse adds derived loan figures to a position.
type PositionResponse struct {
	model.Position
	TotalRepayment   *decimal.Decimal `json:"total_repayment,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
}

func newPositionResponse(p model.Position) PositionResponse {
	resp := PositionResponse{Position: p}
	if p.Kind == model.KindLoan && p.Side == model.SideBorrow {
		total := product.TotalRepayment(&p)
		liq := product.LiquidationPrice(&p)
		resp.TotalRepayment = &total
		resp.LiquidationPrice = &liq
	}
	return resp
}

// --- HTTP Handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var dur time.Duration
	if req.Duration != "" {
		var err error
		if dur, err = time.ParseDuration(req.Duration); err != nil || dur <= 0 {
			writeError(w, "duration must be a positive Go duration such as 60s", http.StatusBadRequest)
			return
		}
	}

	pos, err := s.engine.Open(r.Context(), product.OpenRequest{
		UserID:     req.UserID,
		Kind:       req.Kind,
		Instrument: req.Instrument,
		Side:       req.Side,
		Stake:      req.Stake,
		Leverage:   req.Leverage,
		Duration:   dur,
		Principal:  req.Principal,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newPositionResponse(*pos))
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.Position(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionResponse(*pos))
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	s.settleAction(w, r, s.engine.Close)
}

// RepayPosition handles POST /api/v1/positions/{positionID}/repay
func (s *Service) RepayPosition(w http.ResponseWriter, r *http.Request) {
	s.settleAction(w, r, s.engine.Repay)
}

// WithdrawPosition handles POST /api/v1/positions/{positionID}/withdraw
func (s *Service) WithdrawPosition(w http.ResponseWriter, r *http.Request) {
	s.settleAction(w, r, s.engine.Withdraw)
}

func (s *Service) settleAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, userID, positionID string) (*model.Position, error),
) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	pos, err := action(r.Context(), req.UserID, chi.URLParam(r, "positionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionResponse(*pos))
}

// ListPositions handles GET /api/v1/users/{userID}/positions
// Returns the user's open positions, oldest first.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListOpenPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, newPositionResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListHistory handles GET /api/v1/users/{userID}/history?limit=N
// Returns settled positions, newest first.
func (s *Service) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.engine.ListHistory(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListBalances handles GET /api/v1/users/{userID}/balances
func (s *Service) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.engine.Balances(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	if balances == nil {
		balances = []model.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bal, err := s.engine.Deposit(r.Context(), req.UserID, req.Asset, req.Amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{UserID: req.UserID, Asset: req.Asset, Balance: bal})
}

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Prices())
}

// ListProducts handles GET /api/v1/products
func (s *Service) ListProducts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Products())
}

// GetOutcomeMode handles GET /api/v1/admin/outcome-mode
func (s *Service) GetOutcomeMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, OutcomeModeRequest{Mode: string(s.engine.OutcomeMode())})
}

// SetOutcomeMode handles PUT /api/v1/admin/outcome-mode
func (s *Service) SetOutcomeMode(w http.ResponseWriter, r *http.Request) {
	var req OutcomeModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := outcome.ParseMode(req.Mode)
	if err != nil || req.Mode == "" {
		writeError(w, "mode must be auto, forceWin or forceLose", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetOutcomeMode(r.Context(), mode); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OutcomeModeRequest{Mode: string(mode)})
}

// Evaluate handles POST /api/v1/admin/evaluate and runs one pass now.
func (s *Service) Evaluate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Evaluate(r.Context()))
}

// writeEngineError maps engine sentinels to HTTP statuses.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrExposureLimit),
		errors.Is(err, model.ErrUnsupportedAction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidStake),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrInvalidPosition),
		errors.Is(err, model.ErrUnknownInstrument),
		errors.Is(err, outcome.ErrInvalidMode):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
