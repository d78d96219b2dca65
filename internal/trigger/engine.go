package trigger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// DefaultAdminCheckTimeout bounds a single admin status lookup during dispatch.
const DefaultAdminCheckTimeout = 5 * time.Second

// AdminChecker is the external capability the engine consults for admin-only
// triggers. Transports implement it against their platform's membership API.
type AdminChecker interface {
	IsAdmin(ctx context.Context, chatID, userID string) (bool, error)
}

// UsageWriter is the persistence surface the engine writes fire side effects
// to. All writes are best-effort; the in-memory limiter remains authoritative
// for the current process.
type UsageWriter interface {
	SetCooldown(e models.CooldownEntry) error
	IncrementUsage(triggerID, chatID, day string, at time.Time) error
	AddUsageRecord(r models.UsageRecord) error
}

// Engine is the dispatch pipeline tying the registry, limiter, and evaluator
// together. Dispatch serializes per chat, so at most one message per chat is
// in flight at a time and limiter updates from message N are visible to
// message N+1.
type Engine struct {
	registry  *Registry
	limiter   *Limiter
	evaluator *Evaluator
	usage     UsageWriter
	admin     AdminChecker
	rand      RandSource
	now       func() time.Time

	adminTimeout time.Duration

	// one mutex per chat, created on first use
	chatLocks sync.Map // chat id -> *sync.Mutex
}

// NewEngine assembles a dispatch engine. The usage writer and admin checker
// may be nil: without a writer, fire side effects stay in memory only;
// without a checker, admin-only triggers never fire.
func NewEngine(registry *Registry, limiter *Limiter, evaluator *Evaluator, usage UsageWriter, admin AdminChecker) *Engine {
	return &Engine{
		registry:     registry,
		limiter:      limiter,
		evaluator:    evaluator,
		usage:        usage,
		admin:        admin,
		rand:         DefaultRandSource(),
		now:          time.Now,
		adminTimeout: DefaultAdminCheckTimeout,
	}
}

// SetRandSource overrides the randomness used for the {random} placeholder.
func (e *Engine) SetRandSource(rand RandSource) {
	if rand != nil {
		e.rand = rand
	}
}

// SetClock overrides the clock shared by the engine and its limiter (for
// tests). A single fire stamps usage records and computes the limiter's day
// key, so the two must never read different clocks.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.limiter.SetClock(now)
}

// Dispatch evaluates one incoming message against the chat's active triggers
// and returns the rendered responses of every trigger that both passes
// admission and matches a condition. The engine does not stop at the first
// fired trigger; a fired trigger contributes every one of its responses.
//
// Dispatch performs no transport I/O. The caller owns sending, reacting,
// deleting, and forwarding.
func (e *Engine) Dispatch(ctx context.Context, msg models.Message) ([]models.RenderedResponse, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, nil
	}

	lock := e.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	triggers, err := e.registry.ActiveTriggers(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}

	isAdmin := e.memoizedAdminCheck(ctx, msg.ChatID, msg.UserID)

	var rendered []models.RenderedResponse
	for i := range triggers {
		t := &triggers[i]
		if !e.limiter.Admit(t, msg.ChatID, msg.UserID, isAdmin, msg.MentionsBot) {
			continue
		}
		if !e.matchAny(ctx, t, msg.Text) {
			continue
		}
		rendered = append(rendered, e.fire(t, msg)...)
	}
	return rendered, nil
}

// matchAny reports whether any of the trigger's conditions matches the text.
func (e *Engine) matchAny(ctx context.Context, t *models.Trigger, text string) bool {
	for i := range t.Conditions {
		if e.evaluator.Evaluate(ctx, t.Conditions[i], text) {
			return true
		}
	}
	return false
}

// fire records the admission side effects and renders all of the trigger's
// responses. Persistence failures are logged and never block the response.
func (e *Engine) fire(t *models.Trigger, msg models.Message) []models.RenderedResponse {
	now := e.now()
	cooldown, day := e.limiter.Record(t, msg.ChatID, msg.UserID)

	rc := RenderContext{
		UserID:      msg.UserID,
		ChatID:      msg.ChatID,
		TriggerText: msg.Text,
		Now:         now,
	}

	rendered := make([]models.RenderedResponse, 0, len(t.Responses))
	for i := range t.Responses {
		r := &t.Responses[i]
		rc.RandomInt = e.rand.IntN(100) + 1
		rendered = append(rendered, models.RenderedResponse{
			TriggerID:               t.ID,
			TriggerName:             t.Name,
			Text:                    RenderText(r.Text, rc),
			Reactions:               r.Reactions,
			DeleteTriggeringMessage: r.DeleteTriggeringMessage,
			ForwardToChat:           r.ForwardToChat,
		})
	}

	if e.usage != nil {
		if cooldown != nil {
			if err := e.usage.SetCooldown(*cooldown); err != nil {
				slog.Error("Engine.fire: failed to persist cooldown", "error", err, "trigger_id", t.ID)
			}
		}
		if err := e.usage.IncrementUsage(t.ID, msg.ChatID, day, now); err != nil {
			slog.Error("Engine.fire: failed to persist usage counter", "error", err, "trigger_id", t.ID)
		}
		record := models.UsageRecord{
			TriggerID: t.ID,
			ChatID:    msg.ChatID,
			UserID:    msg.UserID,
			At:        now,
		}
		if len(rendered) > 0 {
			record.Response = rendered[0].Text
		}
		if err := e.usage.AddUsageRecord(record); err != nil {
			slog.Error("Engine.fire: failed to append usage record", "error", err, "trigger_id", t.ID)
		}
	}

	slog.Info("Engine.fire: trigger fired", "trigger_id", t.ID, "name", t.Name, "chat_id", msg.ChatID, "user_id", msg.UserID)
	return rendered
}

// memoizedAdminCheck wraps the admin capability so the lookup runs at most
// once per message and only when some trigger actually gates on it. Lookup
// failures and timeouts deny admin status rather than granting it.
func (e *Engine) memoizedAdminCheck(ctx context.Context, chatID, userID string) func() bool {
	checked := false
	result := false
	return func() bool {
		if checked {
			return result
		}
		checked = true
		if e.admin == nil {
			return false
		}
		actx, cancel := context.WithTimeout(ctx, e.adminTimeout)
		defer cancel()
		ok, err := e.admin.IsAdmin(actx, chatID, userID)
		if err != nil {
			slog.Warn("Engine: admin check failed, denying", "error", err, "chat_id", chatID, "user_id", userID)
			return false
		}
		result = ok
		return result
	}
}

func (e *Engine) chatLock(chatID string) *sync.Mutex {
	if v, ok := e.chatLocks.Load(chatID); ok {
		return v.(*sync.Mutex)
	}
	v, _ := e.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
