package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	auditsvc "github.com/clinsafe/clinical-safety-backend/internal/service/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/service/evaluation"
	"github.com/clinsafe/clinical-safety-backend/internal/service/override"
)

// Services bundles the application services the API exposes
type Services struct {
	Evaluation *evaluation.Engine
	Overrides  *override.Service
	Audit      *auditsvc.Service
	Integrity  *auditsvc.IntegrityService
	Catalog    *evaluation.Admin

	// Alerts is optional; when set, GET /api/v1/alerts/stream upgrades to an
	// org-scoped security alert subscription.
	Alerts AlertStream
}

// AlertStream upgrades a request into a live security alert subscription
type AlertStream interface {
	Subscribe(w http.ResponseWriter, r *http.Request, orgID string) error
}

// ReadinessCheck reports whether a downstream dependency is reachable
type ReadinessCheck func(r *http.Request) error

// Handler is the HTTP surface over the safety services
type Handler struct {
	services *Services
	logger   *zap.Logger
	ready    []ReadinessCheck
}

// NewHandler creates the API handler
func NewHandler(services *Services, logger *zap.Logger, ready ...ReadinessCheck) *Handler {
	return &Handler{
		services: services,
		logger:   logger,
		ready:    ready,
	}
}

// Routes builds the router with the middleware stack applied. Everything
// under /api/v1 requires a valid token; catalog toggles additionally require
// the admin role.
func (h *Handler) Routes(jwtSecret string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/evaluations", h.handleEvaluate)
	api.HandleFunc("POST /api/v1/overrides", h.handleOverride)
	api.HandleFunc("GET /api/v1/overrides/{id}", h.handleGetOverride)
	api.HandleFunc("GET /api/v1/audit/trail", h.handleAuditTrail)
	api.HandleFunc("POST /api/v1/audit/verify", h.handleVerifyChain)
	api.HandleFunc("GET /api/v1/catalog/rules", h.handleListRules)
	api.Handle("PATCH /api/v1/catalog/rules/{id}",
		requireRole("admin")(http.HandlerFunc(h.handleToggleRule)))
	if h.services.Alerts != nil {
		api.HandleFunc("GET /api/v1/alerts/stream", h.handleAlertStream)
	}

	mux.Handle("/api/v1/", authMiddleware(jwtSecret, h.logger)(api))

	return chain(mux,
		requestIDMiddleware,
		tracingMiddleware,
		loggingMiddleware(h.logger),
		recoveryMiddleware(h.logger),
	)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "INVALID_BODY", Message: "Request body is not valid JSON",
		}})
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "VALIDATION_FAILED", Message: err.Error(),
		}})
		return
	}

	result, err := h.services.Evaluation.Evaluate(r.Context(), req.ToInputContext(claims.OrgID), claims.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := EvaluateResponse{Verdict: result}
	if result.NeedsChatAssistance {
		resp.ChatSeed = result.ChatSeed()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "INVALID_BODY", Message: "Request body is not valid JSON",
		}})
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "VALIDATION_FAILED", Message: err.Error(),
		}})
		return
	}

	confirmation, err := h.services.Overrides.Submit(r.Context(), override.Request{
		OrgID:            claims.OrgID,
		ActorID:          claims.UserID,
		AssuranceEventID: req.AssuranceEventID,
		Decision:         req.Decision,
		Override:         req.Override,
		Reason:           req.Reason,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, confirmation)
}

func (h *Handler) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "INVALID_ID", Message: "Override ID must be a UUID",
		}})
		return
	}

	record, err := h.services.Overrides.Get(r.Context(), claims.OrgID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	filter, err := trailFilterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "INVALID_QUERY", Message: err.Error(),
		}})
		return
	}

	events, err := h.services.Audit.GetTrail(r.Context(), claims.OrgID, claims.UserID, filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	result, err := h.services.Integrity.VerifyChain(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := VerifyChainResponse{
		OrgID:          result.OrgID,
		IsValid:        result.IsValid,
		EventsVerified: result.EventsVerified,
		BreakCount:     len(result.Breaks),
	}
	if result.FirstBreak != nil {
		seq := result.FirstBreak.SequenceNum
		resp.FirstBreakSeq = &seq
		resp.FirstBreakType = string(result.FirstBreak.BreakType)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"catalog_version": h.services.Catalog.Version(),
		"rules":           h.services.Catalog.List(),
	})
}

func (h *Handler) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	ruleID := r.PathValue("id")

	var req ToggleRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "INVALID_BODY", Message: "Request body is not valid JSON",
		}})
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "VALIDATION_FAILED", Message: err.Error(),
		}})
		return
	}

	if err := h.services.Catalog.SetEnabled(r.Context(), ruleID, *req.Enabled, claims.UserID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id":         ruleID,
		"enabled":         *req.Enabled,
		"catalog_version": h.services.Catalog.Version(),
	})
}

func (h *Handler) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if err := h.services.Alerts.Subscribe(w, r, claims.OrgID); err != nil {
		// Upgrade already wrote the failure response
		h.logger.Warn("alert stream upgrade failed", zap.Error(err))
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.ready {
		if err := check(r); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// trailFilterFromQuery parses the trail query parameters. Unknown event
// types are rejected rather than silently matching nothing.
func trailFilterFromQuery(r *http.Request) (auditsvc.TrailFilter, error) {
	var filter auditsvc.TrailFilter
	q := r.URL.Query()

	for _, raw := range q["type"] {
		eventType := audit.EventType(raw)
		if !eventType.IsValid() {
			return filter, &queryError{param: "type", value: raw}
		}
		filter.Types = append(filter.Types, eventType)
	}

	if userID := q.Get("user_id"); userID != "" {
		filter.UserID = &userID
	}

	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return filter, &queryError{param: "from", value: from}
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return filter, &queryError{param: "to", value: to}
		}
		filter.To = t
	}

	filter.Limit = 100
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 1000 {
			return filter, &queryError{param: "limit", value: limit}
		}
		filter.Limit = n
	}

	return filter, nil
}

type queryError struct {
	param string
	value string
}

func (e *queryError) Error() string {
	return "invalid value " + strconv.Quote(e.value) + " for query parameter " + strconv.Quote(e.param)
}
