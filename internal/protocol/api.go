package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Handler provides HTTP handlers for protocol administration
type Handler struct {
	repo *Repository
}

// NewHandler creates a new protocol handler
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// Routes registers the protocol admin routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/configs", func(r chi.Router) {
		r.Get("/", h.ListConfigs)
		r.Post("/", h.UpsertConfig)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/", h.CreateRule)
		r.Delete("/{ruleID}", h.DeactivateRule)
	})

	return r
}

// ListConfigs lists all protocol configs
func (h *Handler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repo.ListConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": configs})
}

// UpsertConfigRequest is the payload for activating a new config version
type UpsertConfigRequest struct {
	ConditionCode episode.ConditionCode `json:"condition_code"`
	RiskLevel     episode.RiskLevel     `json:"risk_level"`
	SchemaVersion int                   `json:"schema_version"`
	Thresholds    map[string]float64    `json:"thresholds"`
	Routing       map[string]bool       `json:"routing"`
}

// UpsertConfig activates a new config for a (condition, risk) pair
func (h *Handler) UpsertConfig(w http.ResponseWriter, r *http.Request) {
	var req UpsertConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if !req.ConditionCode.Valid() || !req.RiskLevel.Valid() {
		writeError(w, errors.Validation("validation failed", map[string]string{
			"condition_code": "must be a known condition code",
			"risk_level":     "must be LOW, MEDIUM or HIGH",
		}))
		return
	}

	version := req.SchemaVersion
	if version == 0 {
		version = 1
	}

	cfg := &Config{
		ID:            types.NewID(),
		ConditionCode: req.ConditionCode,
		RiskLevel:     req.RiskLevel,
		SchemaVersion: version,
		Active:        true,
		Thresholds:    req.Thresholds,
		Routing:       req.Routing,
	}

	if err := h.repo.UpsertConfig(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cfg)
}

// ListRules lists the active rules visible for a condition and risk level
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	condition := episode.ConditionCode(r.URL.Query().Get("condition_code"))
	if !condition.Valid() {
		writeError(w, errors.BadRequest("condition_code query parameter is required"))
		return
	}

	risk := episode.RiskLevel(r.URL.Query().Get("risk_level"))
	if risk == "" {
		risk = episode.RiskHigh
	}
	if !risk.Valid() {
		writeError(w, errors.BadRequest("invalid risk_level"))
		return
	}

	rules, err := h.repo.ListRulesBySeverity(r.Context(), condition, SeverityFilter(risk))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": rules})
}

// CreateRuleRequest is the payload for adding a rule
type CreateRuleRequest struct {
	ConditionCode episode.ConditionCode `json:"condition_code"`
	Severity      Severity              `json:"severity"`
	SchemaVersion int                   `json:"schema_version"`
	TextPatterns  []string              `json:"text_patterns"`
	ActionType    ActionType            `json:"action_type"`
	Message       string                `json:"message"`
}

// CreateRule adds a new active rule
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if !req.ConditionCode.Valid() || !req.Severity.Valid() || len(req.TextPatterns) == 0 {
		writeError(w, errors.Validation("validation failed", map[string]string{
			"condition_code": "must be a known condition code",
			"severity":       "must be LOW, MODERATE, HIGH or CRITICAL",
			"text_patterns":  "at least one pattern is required",
		}))
		return
	}

	version := req.SchemaVersion
	if version == 0 {
		version = 1
	}

	rule := &Rule{
		ID:            types.NewID(),
		ConditionCode: req.ConditionCode,
		Severity:      req.Severity,
		SchemaVersion: version,
		TextPatterns:  req.TextPatterns,
		ActionType:    req.ActionType,
		Message:       req.Message,
		Active:        true,
	}

	if err := h.repo.CreateRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

// DeactivateRule retires a rule
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "ruleID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid rule ID"))
		return
	}

	if err := h.repo.DeactivateRule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
