// Package api provides HTTP handlers for TriggerPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TriggerPipe/internal/models"
	"github.com/BTreeMap/TriggerPipe/internal/trigger"
)

// createTriggerRequest is the POST /triggers payload.
type createTriggerRequest struct {
	ChatID          string               `json:"chat_id"`
	CreatorID       string               `json:"creator_id"`
	Name            string               `json:"name"`
	Kind            models.ConditionKind `json:"kind"`
	Pattern         string               `json:"pattern"`
	Responses       []models.Response    `json:"responses"`
	CooldownSeconds int                  `json:"cooldown_seconds,omitempty"`
	MaxUsesPerDay   int                  `json:"max_uses_per_day,omitempty"`
	Probability     float64              `json:"probability,omitempty"`
	RequireMention  bool                 `json:"require_mention,omitempty"`
	AdminOnly       bool                 `json:"admin_only,omitempty"`
	CaseSensitive   bool                 `json:"case_sensitive,omitempty"`
	WholeWordOnly   bool                 `json:"whole_word_only,omitempty"`
}

// triggersHandler routes the /triggers endpoint by method.
func (s *Server) triggersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		s.createTriggerHandler(w, r)
	case http.MethodGet:
		s.listTriggersHandler(w, r)
	case http.MethodDelete:
		s.deleteTriggerHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		slog.Warn("Server.triggersHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createTriggerHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createTriggerHandler: processing create request", "path", r.URL.Path)

	var req createTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createTriggerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ChatID == "" || req.CreatorID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: chat_id, creator_id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	t, err := s.service.Create(ctx, req.ChatID, req.CreatorID, req.Name, req.Kind, req.Pattern, req.Responses, trigger.CreateOptions{
		CooldownSeconds: req.CooldownSeconds,
		MaxUsesPerDay:   req.MaxUsesPerDay,
		Probability:     req.Probability,
		RequireMention:  req.RequireMention,
		AdminOnly:       req.AdminOnly,
		CaseSensitive:   req.CaseSensitive,
		WholeWordOnly:   req.WholeWordOnly,
	})
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}

	slog.Info("Server.createTriggerHandler: trigger created", "trigger_id", t.ID, "chat_id", t.ChatID, "name", t.Name)
	writeJSONResponse(w, http.StatusCreated, models.Created(t))
}

func (s *Server) listTriggersHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: chat_id"))
		return
	}

	triggers, err := s.service.List(r.Context(), chatID)
	if err != nil {
		slog.Error("Server.listTriggersHandler: list failed", "error", err, "chat_id", chatID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list triggers"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(triggers))
}

func (s *Server) deleteTriggerHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chatID := q.Get("chat_id")
	name := q.Get("name")
	callerID := q.Get("caller_id")
	if chatID == "" || name == "" || callerID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameters: chat_id, name, caller_id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	if err := s.service.Remove(ctx, chatID, callerID, name); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}

	slog.Info("Server.deleteTriggerHandler: trigger removed", "chat_id", chatID, "name", name)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Trigger removed", nil))
}

// dispatchHandler runs one message through the engine and returns the
// rendered responses without performing transport I/O. Useful for testing
// trigger definitions and for transports that integrate over HTTP.
func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.dispatchHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.dispatchHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.ChatID == "" || msg.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: chat_id, user_id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	responses, err := s.engine.Dispatch(ctx, msg)
	if err != nil {
		slog.Error("Server.dispatchHandler: dispatch failed", "error", err, "chat_id", msg.ChatID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Dispatch failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.statsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: chat_id"))
		return
	}

	stats, err := s.service.Stats(r.Context(), chatID)
	if err != nil {
		slog.Error("Server.statsHandler: stats failed", "error", err, "chat_id", chatID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to aggregate stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// statusForError maps service errors to HTTP status codes. Validation
// failures are client errors; anything unrecognized is a server error.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrTriggerNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrDuplicateTriggerName):
		return http.StatusConflict
	case errors.Is(err, models.ErrTriggerQuotaExceeded):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmptyTriggerName),
		errors.Is(err, models.ErrTriggerNameTooLong),
		errors.Is(err, models.ErrEmptyChatID),
		errors.Is(err, models.ErrEmptyPattern),
		errors.Is(err, models.ErrPatternTooLong),
		errors.Is(err, models.ErrInvalidConditionKind),
		errors.Is(err, models.ErrInvalidRegexPattern),
		errors.Is(err, models.ErrEmptyResponseText),
		errors.Is(err, models.ErrResponseTextTooLong),
		errors.Is(err, models.ErrNoConditions),
		errors.Is(err, models.ErrNoResponses),
		errors.Is(err, models.ErrNegativeCooldown),
		errors.Is(err, models.ErrNegativeDailyCap),
		errors.Is(err, models.ErrInvalidProbability):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
