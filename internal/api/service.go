// Package api provides the operator HTTP surface of the risk core: exposure
// and invariant views per market, the audit trail, market clear and unlock,
// trading mode control, and KPI snapshots.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/mm-riskcore/internal/breaker"
	"github.com/atmx/mm-riskcore/internal/gateway"
	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/model"
	"github.com/atmx/mm-riskcore/internal/store"
)

// Service serves operator requests. The store and hub are optional.
type Service struct {
	gw     *gateway.Gateway
	br     *breaker.Breaker
	store  store.Store
	hub    *WSHub
	logger *slog.Logger
}

// NewService creates the operator API service.
// Pass nil for st or hub if persistence or live streaming is not wired.
func NewService(gw *gateway.Gateway, br *breaker.Breaker, st store.Store, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gw: gw, br: br, store: st, hub: hub, logger: logger}
}

// Routes registers the /api/v1 routes on r.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/markets/{marketID}/{asset}", func(r chi.Router) {
		r.Get("/exposure", s.GetExposure)
		r.Get("/invariants", s.GetInvariants)
		r.Get("/attempts", s.GetAttempts)
		r.Get("/events", s.GetEvents)
		r.Post("/precheck", s.Precheck)
		r.Post("/clear", s.ClearMarket)
		r.Post("/unlock", s.Unlock)
	})

	r.Get("/mode", s.GetMode)
	r.Post("/mode/halt", s.Halt)
	r.Post("/mode/resume", s.Resume)
	r.Get("/kpi", s.GetKPI)
}

// --- Request/Response types ---

// ModeRequest is the optional JSON body for halt and resume.
type ModeRequest struct {
	Reason string `json:"reason"`
}

// ModeResponse reports the trading mode.
type ModeResponse struct {
	Mode           string `json:"mode"`
	EntriesAllowed bool   `json:"entries_allowed"`
	HedgesAllowed  bool   `json:"hedges_allowed"`
	Reason         string `json:"reason,omitempty"`
}

// UnlockResponse reports whether a held lock was released.
type UnlockResponse struct {
	Released bool `json:"released"`
}

// --- HTTP Handlers ---

func keyFrom(r *http.Request) market.Key {
	return market.NewKey(chi.URLParam(r, "marketID"), chi.URLParam(r, "asset"))
}

// GetExposure handles GET /api/v1/markets/{marketID}/{asset}/exposure
func (s *Service) GetExposure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Exposure(keyFrom(r)))
}

// GetInvariants handles GET /api/v1/markets/{marketID}/{asset}/invariants
func (s *Service) GetInvariants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Invariants(keyFrom(r)))
}

// GetAttempts handles GET /api/v1/markets/{marketID}/{asset}/attempts
// Returns the in-memory trail, or the persisted one with ?source=store.
func (s *Service) GetAttempts(w http.ResponseWriter, r *http.Request) {
	k := keyFrom(r)
	if r.URL.Query().Get("source") != "store" {
		attempts := s.gw.Attempts(k)
		if attempts == nil {
			attempts = []model.OrderAttempt{}
		}
		writeJSON(w, http.StatusOK, attempts)
		return
	}
	if s.store == nil {
		writeError(w, "no store configured", http.StatusNotImplemented)
		return
	}

	attempts, err := s.store.ListAttempts(r.Context(), k.MarketID, k.Asset, limitParam(r))
	if err != nil {
		s.logger.Error("list attempts failed", "market_id", k.MarketID, "asset", k.Asset, "err", err)
		writeError(w, "failed to list attempts", http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []model.OrderAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// GetEvents handles GET /api/v1/markets/{marketID}/{asset}/events
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, "no store configured", http.StatusNotImplemented)
		return
	}
	k := keyFrom(r)
	evs, err := s.store.ListEvents(r.Context(), k.MarketID, k.Asset, limitParam(r))
	if err != nil {
		s.logger.Error("list events failed", "market_id", k.MarketID, "asset", k.Asset, "err", err)
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// Precheck handles POST /api/v1/markets/{marketID}/{asset}/precheck
// Dry-runs admission for the order in the body. Nothing is reserved.
func (s *Service) Precheck(w http.ResponseWriter, r *http.Request) {
	var o model.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	k := keyFrom(r)
	o.MarketID, o.Asset = k.MarketID, k.Asset
	writeJSON(w, http.StatusOK, s.gw.CheckAllInvariants(o))
}

// ClearMarket handles POST /api/v1/markets/{marketID}/{asset}/clear
func (s *Service) ClearMarket(w http.ResponseWriter, r *http.Request) {
	k := keyFrom(r)
	s.gw.ClearMarket(r.Context(), k)
	writeJSON(w, http.StatusOK, s.gw.Exposure(k))
}

// Unlock handles POST /api/v1/markets/{marketID}/{asset}/unlock
func (s *Service) Unlock(w http.ResponseWriter, r *http.Request) {
	k := keyFrom(r)
	released := s.gw.Locks().ForceRelease(k, "operator unlock")
	writeJSON(w, http.StatusOK, UnlockResponse{Released: released})
}

// GetMode handles GET /api/v1/mode
func (s *Service) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mode())
}

// Halt handles POST /api/v1/mode/halt
func (s *Service) Halt(w http.ResponseWriter, r *http.Request) {
	req, err := modeRequest(r, "OPERATOR_HALT")
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.br.Halt(req.Reason)
	s.logger.Warn("trading halted by operator", "reason", req.Reason)
	writeJSON(w, http.StatusOK, s.mode())
}

// Resume handles POST /api/v1/mode/resume
func (s *Service) Resume(w http.ResponseWriter, r *http.Request) {
	req, err := modeRequest(r, "OPERATOR_RESUME")
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.br.Resume(req.Reason)
	s.logger.Info("trading resumed by operator", "reason", req.Reason)
	writeJSON(w, http.StatusOK, s.mode())
}

// GetKPI handles GET /api/v1/kpi
func (s *Service) GetKPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.br.Snapshot())
}

func (s *Service) mode() ModeResponse {
	snap := s.br.Snapshot()
	return ModeResponse{
		Mode:           snap.Mode,
		EntriesAllowed: s.br.AreEntriesAllowed(),
		HedgesAllowed:  s.br.AreHedgesAllowed(),
		Reason:         snap.ModeReason,
	}
}

// modeRequest decodes an optional body. An empty body uses def as reason.
func modeRequest(r *http.Request, def string) (ModeRequest, error) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	if req.Reason == "" {
		req.Reason = def
	}
	return req, nil
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
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
