package careteam

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/types"
)

// Handler provides HTTP handlers for care team administration
type Handler struct {
	repo *Repository
	bus  events.EventBus
}

// NewHandler creates a new care team handler
func NewHandler(repo *Repository, bus events.EventBus) *Handler {
	return &Handler{repo: repo, bus: bus}
}

// Routes registers the care team routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListUsers)
	r.Post("/", h.CreateUser)

	r.Route("/{userID}", func(r chi.Router) {
		r.Get("/", h.GetUser)
		r.Post("/activate", h.Activate)
		r.Post("/deactivate", h.Deactivate)
	})

	return r
}

// ListUsers lists care team members
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	filter := ListUsersFilter{}

	if role := r.URL.Query().Get("role"); role != "" {
		parsed := Role(role)
		filter.Role = &parsed
	}
	if active := r.URL.Query().Get("active"); active != "" {
		val := active == "true"
		filter.Active = &val
	}

	users, err := h.repo.ListUsers(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": users})
}

// GetUser gets a care team member by ID
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid user ID"))
		return
	}

	user, err := h.repo.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// CreateUserRequest is the payload for adding a care team member
type CreateUserRequest struct {
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// CreateUser adds a care team member
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if req.Name == "" || !req.Role.Valid() {
		writeError(w, errors.Validation("validation failed", map[string]string{
			"name": "name is required",
			"role": "role must be NURSE, COORDINATOR or OPERATOR",
		}))
		return
	}

	user := &User{
		ID:     types.NewID(),
		Name:   req.Name,
		Role:   req.Role,
		Active: true,
		Phone:  req.Phone,
		Email:  req.Email,
	}

	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}

	if h.bus != nil && user.Role == RoleNurse {
		h.bus.Publish(r.Context(), events.NewEvent(events.TypeNurseActivated, "careteam", user.ID, map[string]any{
			"user_id": user.ID,
			"name":    user.Name,
		}))
	}

	writeJSON(w, http.StatusCreated, user)
}

// Activate re-activates a care team member
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate removes a care team member from rotation
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, err := types.ParseID(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid user ID"))
		return
	}

	if err := h.repo.SetActive(r.Context(), id, active); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.repo.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.bus != nil && active && user.Role == RoleNurse {
		h.bus.Publish(r.Context(), events.NewEvent(events.TypeNurseActivated, "careteam", user.ID, map[string]any{
			"user_id": user.ID,
			"name":    user.Name,
		}))
	}

	writeJSON(w, http.StatusOK, user)
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
