package operator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Handler provides HTTP handlers for the operator queue
type Handler struct {
	repo *Repository
}

// NewHandler creates a new operator handler
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// Routes registers the operator queue routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListOpen)
	r.Post("/{alertID}/ack", h.Acknowledge)
	return r
}

// ListOpen lists unacknowledged alerts
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.repo.ListOpen(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": alerts})
}

// Acknowledge clears an alert
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid alert ID"))
		return
	}

	if err := h.repo.Acknowledge(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
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
