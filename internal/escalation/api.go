package escalation

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Handler provides HTTP handlers for escalation task workflows
type Handler struct {
	repo   *Repository
	engine *Engine
}

// NewHandler creates a new escalation handler
func NewHandler(repo *Repository, engine *Engine) *Handler {
	return &Handler{repo: repo, engine: engine}
}

// Routes registers the escalation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListTasks)
	r.Post("/", h.CreateTask)

	r.Route("/{taskID}", func(r chi.Router) {
		r.Get("/", h.GetTask)
		r.Post("/assign", h.AssignTask)
		r.Post("/start", h.StartTask)
		r.Post("/resolve", h.ResolveTask)
		r.Post("/cancel", h.CancelTask)
	})

	return r
}

// ListTasks lists tasks most urgent first
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := ListTasksFilter{}

	if ep := r.URL.Query().Get("episode_id"); ep != "" {
		id, err := types.ParseID(ep)
		if err != nil {
			writeError(w, errors.BadRequest("invalid episode ID"))
			return
		}
		filter.EpisodeID = &id
	}
	if status := r.URL.Query().Get("status"); status != "" {
		parsed := TaskStatus(status)
		filter.Status = &parsed
	}
	if assignee := r.URL.Query().Get("assignee"); assignee != "" {
		id, err := types.ParseID(assignee)
		if err != nil {
			writeError(w, errors.BadRequest("invalid assignee ID"))
			return
		}
		filter.Assignee = &id
	}

	tasks, err := h.repo.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": tasks})
}

// GetTask gets a task by ID
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid task ID"))
		return
	}

	task, err := h.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// CreateTaskRequest is the payload for manually opening a task
type CreateTaskRequest struct {
	EpisodeID   types.ID `json:"episode_id"`
	Severity    Severity `json:"severity"`
	ReasonCodes []string `json:"reason_codes"`
	DedupeKey   *string  `json:"dedupe_key,omitempty"`
}

// CreateTask opens a task manually, outside the automatic risk flows
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	task, err := h.engine.CreateTask(r.Context(), CreateTaskParams{
		EpisodeID:   req.EpisodeID,
		Severity:    req.Severity,
		ReasonCodes: req.ReasonCodes,
		DedupeKey:   req.DedupeKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

// AssignTaskRequest optionally names an assignee; empty means round-robin
type AssignTaskRequest struct {
	UserID *types.ID `json:"user_id,omitempty"`
}

// AssignTask assigns a task to a nurse
func (h *Handler) AssignTask(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid task ID"))
		return
	}

	var req AssignTaskRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
	}

	if req.UserID != nil {
		if err := h.repo.AssignTask(r.Context(), id, *req.UserID); err != nil {
			writeError(w, err)
			return
		}
		task, err := h.repo.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	task, err := h.engine.AssignRoundRobin(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// StartTask marks an open task picked up
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid task ID"))
		return
	}

	task, err := h.engine.Start(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// ResolveTaskRequest is the payload for closing a task with an outcome
type ResolveTaskRequest struct {
	OutcomeCode string   `json:"outcome_code"`
	Notes       string   `json:"notes"`
	ResolvedBy  types.ID `json:"resolved_by"`
}

// ResolveTask closes a task with an outcome
func (h *Handler) ResolveTask(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid task ID"))
		return
	}

	var req ResolveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	task, err := h.engine.Resolve(r.Context(), id, req.OutcomeCode, req.Notes, req.ResolvedBy)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// CancelTask closes a task without resolution
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid task ID"))
		return
	}

	task, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
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
