package outreach

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Handler provides HTTP handlers for outreach plans
type Handler struct {
	service *Service
	repo    *Repository
}

// NewHandler creates a new outreach handler
func NewHandler(service *Service, repo *Repository) *Handler {
	return &Handler{service: service, repo: repo}
}

// Enroll creates (or returns) the episode's outreach plan
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	episodeID, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	plan, err := h.service.CreatePlan(r.Context(), episodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, plan)
}

// TriggerNow schedules the next attempt immediately
func (h *Handler) TriggerNow(w http.ResponseWriter, r *http.Request) {
	episodeID, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	attempt, err := h.service.TriggerNow(r.Context(), episodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, attempt)
}

// GetPlan returns the episode's active plan with its attempts
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	episodeID, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	plan, err := h.repo.GetActivePlanByEpisode(r.Context(), episodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	attempts, err := h.repo.ListAttempts(r.Context(), plan.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan":     plan,
		"attempts": attempts,
	})
}

// RecordOutcomeRequest is the payload for reporting an attempt outcome
type RecordOutcomeRequest struct {
	Outcome AttemptStatus `json:"outcome"`
}

// RecordOutcome reports an attempt's terminal status
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	attemptID, err := types.ParseID(chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid attempt ID"))
		return
	}

	var req RecordOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	plan, err := h.service.RecordAttemptOutcome(r.Context(), attemptID, req.Outcome)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, plan)
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
