package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// DefaultRegistryTTL is the staleness window for cached trigger lists.
const DefaultRegistryTTL = 5 * time.Minute

// TriggerLoader is the persistence read consumed by the registry on a cache
// miss. *store.SQLiteStore, *store.PostgresStore, and *store.InMemoryStore
// all satisfy it.
type TriggerLoader interface {
	ListActiveTriggers(chatID string) ([]models.Trigger, error)
}

// Registry is the per-chat cache of active trigger definitions consulted on
// every dispatch. It hands out immutable snapshots so a dispatch in progress
// is never affected by a concurrent create/update/delete; mutations call
// Invalidate after the underlying write succeeds.
type Registry struct {
	loader TriggerLoader
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	triggers  []models.Trigger
	fetchedAt time.Time
}

// NewRegistry creates a Registry over the given loader with the default TTL.
func NewRegistry(loader TriggerLoader) *Registry {
	return &Registry{
		loader:  loader,
		ttl:     DefaultRegistryTTL,
		now:     time.Now,
		entries: make(map[string]registryEntry),
	}
}

// SetTTL overrides the cache staleness window.
func (r *Registry) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		r.ttl = ttl
	}
}

// SetClock overrides the registry's clock (for tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// ActiveTriggers returns the chat's active triggers in evaluation order.
// A fresh cache entry is served directly; otherwise the loader is consulted,
// bounded by the context deadline. Returned triggers are deep copies.
func (r *Registry) ActiveTriggers(ctx context.Context, chatID string) ([]models.Trigger, error) {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.entries[chatID]
	r.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < r.ttl {
		return cloneTriggers(entry.triggers), nil
	}

	triggers, err := r.load(ctx, chatID)
	if err != nil {
		// Serve the stale snapshot if we have one; a transient storage
		// failure should not silence every trigger in the chat
		if ok {
			slog.Warn("Registry.ActiveTriggers: load failed, serving stale cache", "error", err, "chat_id", chatID)
			return cloneTriggers(entry.triggers), nil
		}
		slog.Error("Registry.ActiveTriggers: load failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to load triggers for chat %s: %w", chatID, err)
	}

	r.mu.Lock()
	r.entries[chatID] = registryEntry{triggers: triggers, fetchedAt: now}
	r.mu.Unlock()

	slog.Debug("Registry.ActiveTriggers: cache refreshed", "chat_id", chatID, "count", len(triggers))
	return cloneTriggers(triggers), nil
}

// Invalidate drops the cached entry for a chat; the next ActiveTriggers call
// re-reads from persistence.
func (r *Registry) Invalidate(chatID string) {
	r.mu.Lock()
	delete(r.entries, chatID)
	r.mu.Unlock()
	slog.Debug("Registry.Invalidate: cache entry dropped", "chat_id", chatID)
}

// InvalidateAll drops every cached entry.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	r.entries = make(map[string]registryEntry)
	r.mu.Unlock()
	slog.Debug("Registry.InvalidateAll: cache cleared")
}

// load performs the persistence read bounded by the context deadline. The
// read runs in its own goroutine so a slow storage backend cannot stall
// dispatch past the caller's timeout.
func (r *Registry) load(ctx context.Context, chatID string) ([]models.Trigger, error) {
	type result struct {
		triggers []models.Trigger
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		triggers, err := r.loader.ListActiveTriggers(chatID)
		ch <- result{triggers, err}
	}()

	select {
	case res := <-ch:
		return res.triggers, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cloneTriggers(triggers []models.Trigger) []models.Trigger {
	out := make([]models.Trigger, len(triggers))
	for i := range triggers {
		out[i] = triggers[i].Clone()
	}
	return out
}
