package riskadapter

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Handler provides HTTP handlers for the risk decision adapter
type Handler struct {
	adapter *Adapter
}

// NewHandler creates a new risk adapter handler
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// GetSchema returns the fixed tool schema
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": ToolSchema()})
}

// GetContext builds the decision context for an episode
func (h *Handler) GetContext(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	decision, err := h.adapter.BuildDecisionContext(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// InterpretRequest carries one conversational turn's tool calls
type InterpretRequest struct {
	AttemptID             *types.ID     `json:"attempt_id,omitempty"`
	WellnessConfirmations int           `json:"wellness_confirmations"`
	ToolCalls             []RawToolCall `json:"tool_calls"`
}

// InterpretResponse returns one decision per tool call plus the updated
// interaction state
type InterpretResponse struct {
	Decisions   []Decision  `json:"decisions"`
	Interaction Interaction `json:"interaction"`
}

// InterpretToolCalls applies a turn's tool calls in order
func (h *Handler) InterpretToolCalls(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid episode ID"))
		return
	}

	var req InterpretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if len(req.ToolCalls) == 0 {
		writeError(w, errors.Validation("tool_calls is required", nil))
		return
	}

	inter := &Interaction{
		EpisodeID:             id,
		AttemptID:             req.AttemptID,
		WellnessConfirmations: req.WellnessConfirmations,
	}

	decisions := make([]Decision, 0, len(req.ToolCalls))
	for _, raw := range req.ToolCalls {
		call, err := DecodeToolCall(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		decision, err := h.adapter.InterpretToolCall(r.Context(), inter, call)
		if err != nil {
			writeError(w, err)
			return
		}
		decisions = append(decisions, *decision)
	}

	writeJSON(w, http.StatusOK, InterpretResponse{Decisions: decisions, Interaction: *inter})
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
