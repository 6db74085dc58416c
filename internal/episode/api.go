package episode

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/types"
)

// Assigner binds an episode to its governing (condition, risk) pair
type Assigner func(ctx context.Context, episodeID types.ID, condition ConditionCode, risk RiskLevel) error

// Handler provides HTTP handlers for episode intake
type Handler struct {
	repo     *Repository
	assigner Assigner
	bus      events.EventBus
}

// NewHandler creates a new episode handler. assigner may be nil.
func NewHandler(repo *Repository, assigner Assigner, bus events.EventBus) *Handler {
	return &Handler{repo: repo, assigner: assigner, bus: bus}
}

// CreateEpisodeRequest is the payload for registering a discharge episode
type CreateEpisodeRequest struct {
	PatientID      types.ID      `json:"patient_id"`
	ConditionCode  ConditionCode `json:"condition_code"`
	RiskLevel      RiskLevel     `json:"risk_level"`
	DischargeAt    time.Time     `json:"discharge_at"`
	LanguageCode   string        `json:"language_code"`
	Timezone       string        `json:"timezone"`
	PreferredPhone string        `json:"preferred_phone"`
	Email          string        `json:"email"`
}

// CreateEpisode registers a discharge episode, binds its protocol and
// publishes the discharge event that drives enrollment
func (h *Handler) CreateEpisode(w http.ResponseWriter, r *http.Request) {
	var req CreateEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	details := map[string]string{}
	if req.PatientID.IsZero() {
		details["patient_id"] = "patient_id is required"
	}
	if !req.ConditionCode.Valid() {
		details["condition_code"] = "condition_code must be HF, COPD, AMI, PNA or OTHER"
	}
	if !req.RiskLevel.Valid() {
		details["risk_level"] = "risk_level must be LOW, MEDIUM or HIGH"
	}
	if req.DischargeAt.IsZero() {
		details["discharge_at"] = "discharge_at is required"
	}
	if len(details) > 0 {
		writeError(w, errors.Validation("validation failed", details))
		return
	}

	if req.LanguageCode == "" {
		req.LanguageCode = "en"
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	ep := &Episode{
		ID:             types.NewID(),
		PatientID:      req.PatientID,
		ConditionCode:  req.ConditionCode,
		RiskLevel:      req.RiskLevel,
		DischargeAt:    req.DischargeAt,
		LanguageCode:   req.LanguageCode,
		Timezone:       req.Timezone,
		PreferredPhone: req.PreferredPhone,
		Email:          req.Email,
	}

	if err := h.repo.Create(r.Context(), ep); err != nil {
		writeError(w, err)
		return
	}

	if h.assigner != nil {
		if err := h.assigner(r.Context(), ep.ID, ep.ConditionCode, ep.RiskLevel); err != nil {
			writeError(w, err)
			return
		}
	}

	if h.bus != nil {
		h.bus.Publish(r.Context(), events.NewEvent(events.TypePatientDischarged, "episode", ep.ID, map[string]any{
			"episode_id":     ep.ID,
			"patient_id":     ep.PatientID,
			"condition_code": ep.ConditionCode,
			"risk_level":     ep.RiskLevel,
			"discharge_at":   ep.DischargeAt,
		}))
	}

	writeJSON(w, http.StatusCreated, ep)
}

// GetEpisode gets an episode by ID
func (h *Handler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	ep, err := h.repo.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ep)
}

// ListRiskUpgrades returns the append-only upgrade trail
func (h *Handler) ListRiskUpgrades(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	upgrades, err := h.repo.ListRiskUpgrades(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": upgrades})
}

// AssignProtocolRequest rebinds the governing (condition, risk) pair
type AssignProtocolRequest struct {
	ConditionCode ConditionCode `json:"condition_code"`
	RiskLevel     RiskLevel     `json:"risk_level"`
}

// AssignProtocol creates a new active protocol assignment for the episode,
// deactivating the previous one
func (h *Handler) AssignProtocol(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	var req AssignProtocolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if !req.ConditionCode.Valid() || !req.RiskLevel.Valid() {
		writeError(w, errors.Validation("validation failed", map[string]string{
			"condition_code": "condition_code must be HF, COPD, AMI, PNA or OTHER",
			"risk_level":     "risk_level must be LOW, MEDIUM or HIGH",
		}))
		return
	}

	if _, err := h.repo.FindByID(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	if h.assigner == nil {
		writeError(w, errors.Configuration("protocol assignment is not configured", nil))
		return
	}
	if err := h.assigner(r.Context(), id, req.ConditionCode, req.RiskLevel); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

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
