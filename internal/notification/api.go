package notification

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/shared/errors"
)

// Handler provides HTTP handlers for delivery webhooks
type Handler struct {
	service *Service
}

// NewHandler creates a new notification handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the webhook routes. These are mounted outside the
// authenticated API tree; the caller wraps them in IP rate limiting.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/delivery", h.DeliveryWebhook)
	return r
}

// DeliveryWebhook applies a provider delivery callback
func (h *Handler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var receipt DeliveryReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if receipt.Timestamp.IsZero() {
		receipt.Timestamp = time.Now().UTC()
	}

	l, err := h.service.HandleReceipt(r.Context(), &receipt)
	if err != nil {
		writeError(w, err)
		return
	}

	if l == nil {
		// replayed receipt against a terminal row
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, l)
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
