// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/habitloop/habitsync/habit"
	"github.com/habitloop/habitsync/internal/auth"
)

// Backend is the user-scoped storage surface the HTTP layer serves.
// *Service is the production implementation.
type Backend interface {
	CreateHabit(ctx context.Context, userID string, h *habit.Habit) (*habit.Habit, error)
	GetHabit(ctx context.Context, userID, localID string) (*habit.Habit, error)
	ListHabits(ctx context.Context, userID string, includeDeleted bool) ([]*habit.Habit, error)
	UpdateHabit(ctx context.Context, userID string, h *habit.Habit) (*habit.Habit, error)
	DeleteHabit(ctx context.Context, userID, localID string) error

	CreateCompletion(ctx context.Context, userID string, c *habit.Completion) (*habit.Completion, error)
	GetCompletion(ctx context.Context, userID, localID string) (*habit.Completion, error)
	ListCompletions(ctx context.Context, userID string, f habit.CompletionFilter) ([]*habit.Completion, error)
	UpdateCompletion(ctx context.Context, userID string, c *habit.Completion) (*habit.Completion, error)
	DeleteCompletion(ctx context.Context, userID, localID string) error
}

// Handlers exposes the sync REST API over a Backend.
type Handlers struct {
	service Backend
	jwtAuth *JWTAuth
	logger  *slog.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(service Backend, jwtAuth *JWTAuth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, jwtAuth: jwtAuth, logger: logger}
}

// Handler returns the routed HTTP handler with auth middleware applied to
// everything under /sync/. The health route stays unauthenticated so
// reachability probes work without a session.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	sync := http.NewServeMux()
	sync.HandleFunc("GET /sync/me", h.handleMe)

	sync.HandleFunc("POST /sync/habits", h.handleCreateHabit)
	sync.HandleFunc("GET /sync/habits", h.handleListHabits)
	sync.HandleFunc("GET /sync/habits/{localID}", h.handleGetHabit)
	sync.HandleFunc("PUT /sync/habits/{localID}", h.handleUpdateHabit)
	sync.HandleFunc("DELETE /sync/habits/{localID}", h.handleDeleteHabit)

	sync.HandleFunc("POST /sync/completions", h.handleCreateCompletion)
	sync.HandleFunc("GET /sync/completions", h.handleListCompletions)
	sync.HandleFunc("GET /sync/completions/{localID}", h.handleGetCompletion)
	sync.HandleFunc("PUT /sync/completions/{localID}", h.handleUpdateCompletion)
	sync.HandleFunc("DELETE /sync/completions/{localID}", h.handleDeleteCompletion)

	mux.Handle("/sync/", h.jwtAuth.Middleware(sync))
	return mux
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps service errors onto the wire taxonomy the client
// adapter decodes: 404 missing, 409 version conflict with the server row,
// 422 validation, 500 otherwise.
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	var conflict *habit.ConflictError
	var validation *habit.ValidationError
	switch {
	case errors.Is(err, habit.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.As(err, &conflict):
		var row any
		if conflict.Habit != nil {
			row = conflict.Habit
		} else {
			row = conflict.Completion
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "version_conflict",
			"server_row": row,
		})
	case errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", validation.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserID(r.Context())
	if !ok || userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "no user in request context")
		return "", false
	}
	return userID, true
}

func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": userID})
}

func (h *Handlers) handleCreateHabit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var in habit.Habit
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse habit")
		return
	}
	created, err := h.service.CreateHabit(r.Context(), userID, &in)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) handleListHabits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	habits, err := h.service.ListHabits(r.Context(), userID, includeDeleted)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if habits == nil {
		habits = []*habit.Habit{}
	}
	writeJSON(w, http.StatusOK, habits)
}

func (h *Handlers) handleGetHabit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	found, err := h.service.GetHabit(r.Context(), userID, r.PathValue("localID"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handlers) handleUpdateHabit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var in habit.Habit
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse habit")
		return
	}
	in.LocalID = r.PathValue("localID")
	updated, err := h.service.UpdateHabit(r.Context(), userID, &in)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleDeleteHabit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteHabit(r.Context(), userID, r.PathValue("localID")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleCreateCompletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var in habit.Completion
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse completion")
		return
	}
	created, err := h.service.CreateCompletion(r.Context(), userID, &in)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) handleListCompletions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := habit.CompletionFilter{
		HabitLocalID:   q.Get("habit_local_id"),
		From:           q.Get("from"),
		To:             q.Get("to"),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}
	completions, err := h.service.ListCompletions(r.Context(), userID, filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if completions == nil {
		completions = []*habit.Completion{}
	}
	writeJSON(w, http.StatusOK, completions)
}

func (h *Handlers) handleGetCompletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	found, err := h.service.GetCompletion(r.Context(), userID, r.PathValue("localID"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handlers) handleUpdateCompletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var in habit.Completion
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse completion")
		return
	}
	in.LocalID = r.PathValue("localID")
	updated, err := h.service.UpdateCompletion(r.Context(), userID, &in)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleDeleteCompletion(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteCompletion(r.Context(), userID, r.PathValue("localID")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
