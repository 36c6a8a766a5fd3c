package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/traindesk/traindesk/internal/metering"
	"github.com/traindesk/traindesk/internal/metrics"
	"github.com/traindesk/traindesk/internal/provider"
)

// Server exposes the token ledger over HTTP to the rest of the coaching
// backend: executing-and-charging AI features, charging already-obtained
// results, and reading account state.
type Server struct {
	store        metering.Store
	charger      *metering.Charger
	adapter      provider.Adapter
	defaultGrant int64
	collector    *metrics.Collector
	logger       *log.Logger
	router       chi.Router
}

// New assembles the HTTP surface. adapter may be nil when the deployment
// only charges externally-executed results.
func New(store metering.Store, charger *metering.Charger, adapter provider.Adapter, defaultGrant int64) *Server {
	s := &Server{
		store:        store,
		charger:      charger,
		adapter:      adapter,
		defaultGrant: defaultGrant,
		collector:    metrics.NewCollector(),
		logger:       log.New(log.Writer(), "[meterd/http] ", log.LstdFlags|log.Lmicroseconds),
	}
	s.router = s.routes()
	return s
}

// SetLogger overrides the default prefixed logger.
func (s *Server) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/usage/charges", s.handleChargeResult)
		r.Post("/features/{feature}/execute", s.handleExecuteFeature)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.handleEnsureAccount)
			r.Get("/{userID}", s.handleGetAccount)
			r.Post("/{userID}/credits", s.handleCredit)
			r.Get("/{userID}/entries", s.handleListEntries)
			r.Get("/{userID}/summary", s.handleSummary)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}

type chargeResultRequest struct {
	UserID  int64                    `json:"user_id"`
	Feature string                   `json:"feature"`
	Mode    metering.Mode            `json:"mode,omitempty"`
	Result  metering.ExecutionResult `json:"result"`
}

// handleChargeResult bills an AI call that already happened elsewhere.
func (s *Server) handleChargeResult(w http.ResponseWriter, r *http.Request) {
	var req chargeResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == 0 || req.Feature == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id and feature are required"))
		return
	}
	charge, err := s.charger.ChargeForResult(r.Context(), req.UserID, req.Feature, req.Mode, &req.Result)
	if err != nil {
		s.respondChargeError(w, req.UserID, req.Feature, err)
		return
	}
	s.recordCharge(req.Feature, charge)
	s.respondJSON(w, http.StatusOK, charge)
}

type executeFeatureRequest struct {
	UserID    int64  `json:"user_id"`
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt"`
	RequestID string `json:"request_id,omitempty"`
}

type executeFeatureResponse struct {
	Payload json.RawMessage        `json:"payload"`
	Model   string                 `json:"model"`
	Charge  *metering.ChargeResult `json:"charge"`
}

// handleExecuteFeature runs the AI call through the configured adapter and
// bills its usage in one round trip.
func (s *Server) handleExecuteFeature(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("no AI adapter configured"))
		return
	}
	feature := chi.URLParam(r, "feature")
	var req executeFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}

	result, charge, err := s.charger.ChargeForExecution(r.Context(), req.UserID, feature, metering.ModeAI,
		func(ctx context.Context) (*metering.ExecutionResult, error) {
			return s.adapter.Execute(ctx, provider.Request{
				Model:     req.Model,
				RequestID: req.RequestID,
				Prompt:    req.Prompt,
			})
		})
	if err != nil {
		s.respondChargeError(w, req.UserID, feature, err)
		return
	}
	s.recordCharge(feature, charge)
	s.respondJSON(w, http.StatusOK, executeFeatureResponse{
		Payload: result.Payload,
		Model:   result.Model,
		Charge:  charge,
	})
}

type ensureAccountRequest struct {
	UserID int64  `json:"user_id"`
	Grant  *int64 `json:"grant,omitempty"`
}

func (s *Server) handleEnsureAccount(w http.ResponseWriter, r *http.Request) {
	var req ensureAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	grant := s.defaultGrant
	if req.Grant != nil {
		grant = *req.Grant
	}
	acct, err := s.store.EnsureAccount(r.Context(), req.UserID, grant)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}
	acct, err := s.store.Account(r.Context(), userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if acct == nil {
		s.respondError(w, http.StatusNotFound, metering.ErrAccountNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, acct)
}

type creditRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Amount <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("amount must be positive"))
		return
	}
	acct, err := s.store.Credit(r.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, metering.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acct)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	var features []string
	if v := strings.TrimSpace(r.URL.Query().Get("feature")); v != "" {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				features = append(features, f)
			}
		}
	}
	entries, err := s.store.ListRecent(r.Context(), userID, limit, features...)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []metering.LogEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}
	summary, err := s.store.Summary(r.Context(), userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "userID")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return 0, false
	}
	return userID, true
}

func (s *Server) recordCharge(feature string, charge *metering.ChargeResult) {
	if charge != nil && charge.IdempotentReplay {
		s.collector.RecordReplay(feature)
		return
	}
	var tokens int64
	if charge != nil {
		tokens = charge.TokensSpent
	}
	s.collector.RecordCharge(feature, tokens)
}

// respondChargeError maps charger failures to transport responses:
// insufficiency is 402, upstream failures 502, everything else 500.
func (s *Server) respondChargeError(w http.ResponseWriter, userID int64, feature string, err error) {
	status := http.StatusInternalServerError
	var me *metering.Error
	if errors.As(err, &me) {
		status = me.Status()
	}
	switch metering.KindOf(err) {
	case metering.KindInsufficientTokens:
		s.collector.RecordRefusal(feature)
	case metering.KindUpstreamFailure:
		s.collector.RecordUpstreamFailure(feature)
	}
	if status == http.StatusInternalServerError {
		s.logger.Printf("[ERROR] charge failed user=%d feature=%s: %v", userID, feature, err)
	}
	s.respondJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(metering.KindOf(err)),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
