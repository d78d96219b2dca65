package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
	"github.com/BTreeMap/TriggerPipe/internal/store"
	"github.com/BTreeMap/TriggerPipe/internal/util"
)

// Service is the trigger CRUD surface shared by the HTTP API and the chat
// command handlers. It owns validation, quota selection, authorization for
// removals, and registry invalidation after writes.
type Service struct {
	store    store.Store
	registry *Registry
	admin    AdminChecker
	now      func() time.Time
}

// NewService creates a Service. The admin checker may be nil, in which case
// every caller gets the regular-user quota and only creators can remove.
func NewService(st store.Store, registry *Registry, admin AdminChecker) *Service {
	return &Service{
		store:    st,
		registry: registry,
		admin:    admin,
		now:      time.Now,
	}
}

// SetClock overrides the service's clock (for tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateOptions carries the optional limit settings for a new trigger.
// Zero values select the defaults: fire always, no cooldown, no daily cap.
type CreateOptions struct {
	CooldownSeconds int
	MaxUsesPerDay   int
	Probability     float64 // 0 means always fire
	RequireMention  bool
	AdminOnly       bool
	CaseSensitive   bool
	WholeWordOnly   bool
}

// Create validates and stores a new trigger owned by creatorID. The quota is
// 5 active triggers for regular users and 100 for chat admins, counted per
// chat; deactivated triggers do not count against it.
func (s *Service) Create(ctx context.Context, chatID, creatorID, name string, kind models.ConditionKind, pattern string, responses []models.Response, opts CreateOptions) (*models.Trigger, error) {
	probability := opts.Probability
	if probability == 0 {
		probability = 1.0
	}

	t := models.Trigger{
		ID:        util.GenerateTriggerID(),
		Name:      name,
		ChatID:    chatID,
		CreatorID: creatorID,
		Conditions: []models.Condition{{
			Kind:          kind,
			Pattern:       pattern,
			CaseSensitive: opts.CaseSensitive,
			WholeWordOnly: opts.WholeWordOnly,
		}},
		Responses:       responses,
		IsActive:        true,
		CooldownSeconds: opts.CooldownSeconds,
		MaxUsesPerDay:   opts.MaxUsesPerDay,
		Probability:     probability,
		RequireMention:  opts.RequireMention,
		AdminOnly:       opts.AdminOnly,
		CreatedAt:       s.now(),
	}
	if err := t.Validate(); err != nil {
		slog.Debug("Service.Create validation failed", "error", err, "chat_id", chatID, "name", name)
		return nil, err
	}

	quota := models.MaxTriggersPerUser
	if s.isAdmin(ctx, chatID, creatorID) {
		quota = models.MaxTriggersPerAdmin
	}

	if err := s.store.CreateTrigger(t, quota); err != nil {
		slog.Error("Service.Create store write failed", "error", err, "chat_id", chatID, "name", name)
		return nil, err
	}
	s.registry.Invalidate(chatID)

	slog.Info("Service.Create trigger created", "trigger_id", t.ID, "chat_id", chatID, "name", name, "creator_id", creatorID)
	return &t, nil
}

// Remove deactivates the named trigger. Only the creator or a chat admin may
// remove a trigger; usage history stays queryable afterwards.
func (s *Service) Remove(ctx context.Context, chatID, callerID, name string) error {
	t, err := s.store.GetTrigger(chatID, name)
	if err != nil {
		return err
	}
	if t.CreatorID != callerID && !s.isAdmin(ctx, chatID, callerID) {
		slog.Debug("Service.Remove denied", "chat_id", chatID, "name", name, "caller_id", callerID)
		return models.ErrNotAuthorized
	}
	if err := s.store.DeactivateTrigger(chatID, name); err != nil {
		slog.Error("Service.Remove store write failed", "error", err, "chat_id", chatID, "name", name)
		return err
	}
	s.registry.Invalidate(chatID)

	slog.Info("Service.Remove trigger deactivated", "trigger_id", t.ID, "chat_id", chatID, "name", name, "caller_id", callerID)
	return nil
}

// List returns the chat's active triggers in creation order.
func (s *Service) List(ctx context.Context, chatID string) ([]models.Trigger, error) {
	triggers, err := s.store.ListActiveTriggers(chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers for chat %s: %w", chatID, err)
	}
	return triggers, nil
}

// Get returns the named trigger, active or not.
func (s *Service) Get(ctx context.Context, chatID, name string) (*models.Trigger, error) {
	return s.store.GetTrigger(chatID, name)
}

// Stats aggregates the chat's trigger counters for the current day.
func (s *Service) Stats(ctx context.Context, chatID string) (models.ChatStats, error) {
	stats, err := s.store.ChatStats(chatID, models.DayKey(s.now()))
	if err != nil {
		return models.ChatStats{}, fmt.Errorf("failed to aggregate stats for chat %s: %w", chatID, err)
	}
	return stats, nil
}

// isAdmin consults the admin capability, treating lookup failure as non-admin.
func (s *Service) isAdmin(ctx context.Context, chatID, userID string) bool {
	if s.admin == nil {
		return false
	}
	ok, err := s.admin.IsAdmin(ctx, chatID, userID)
	if err != nil {
		slog.Warn("Service admin check failed, treating as regular user", "error", err, "chat_id", chatID, "user_id", userID)
		return false
	}
	return ok
}
