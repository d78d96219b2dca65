package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// Dispatcher is the engine surface the router consumes.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg models.Message) ([]models.RenderedResponse, error)
}

// Router connects a messaging service to the dispatch engine. It drains the
// service's incoming message channel, runs each message through the engine,
// and applies the rendered responses back through the service.
type Router struct {
	service Service
	engine  Dispatcher
}

// NewRouter creates a Router over the given service and engine.
func NewRouter(service Service, engine Dispatcher) *Router {
	return &Router{service: service, engine: engine}
}

// Run consumes incoming messages until the context is cancelled or the
// message channel closes. It blocks; callers usually run it in a goroutine.
func (r *Router) Run(ctx context.Context) {
	slog.Info("Router started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Router stopping due to context cancellation")
			return
		case msg, ok := <-r.service.Messages():
			if !ok {
				slog.Info("Router stopping, message channel closed")
				return
			}
			r.handle(ctx, msg)
		}
	}
}

// handle dispatches one message and applies its responses. Transport failures
// are logged per response so one failed send does not suppress the rest.
func (r *Router) handle(ctx context.Context, msg models.Message) {
	responses, err := r.engine.Dispatch(ctx, msg)
	if err != nil {
		slog.Error("Router dispatch failed", "error", err, "chat_id", msg.ChatID)
		return
	}
	if len(responses) == 0 {
		return
	}

	for _, resp := range responses {
		r.apply(ctx, msg, resp)
	}
}

// apply performs the transport side effects of one rendered response.
func (r *Router) apply(ctx context.Context, msg models.Message, resp models.RenderedResponse) {
	for _, emoji := range resp.Reactions {
		if err := r.service.React(ctx, msg.ChatID, msg.ID, msg.UserID, emoji); err != nil {
			slog.Error("Router reaction failed", "error", err, "chat_id", msg.ChatID, "trigger", resp.TriggerName)
		}
	}

	if resp.Text != "" {
		if err := r.service.SendMessage(ctx, msg.ChatID, resp.Text); err != nil {
			slog.Error("Router send failed", "error", err, "chat_id", msg.ChatID, "trigger", resp.TriggerName)
		}
	}

	if resp.ForwardToChat != "" && resp.ForwardToChat != msg.ChatID {
		if err := r.service.SendMessage(ctx, resp.ForwardToChat, resp.Text); err != nil {
			slog.Error("Router forward failed", "error", err, "to_chat", resp.ForwardToChat, "trigger", resp.TriggerName)
		}
	}

	if resp.DeleteTriggeringMessage && msg.ID != "" {
		if err := r.service.DeleteMessage(ctx, msg.ChatID, msg.ID, msg.UserID); err != nil {
			slog.Error("Router delete failed", "error", err, "chat_id", msg.ChatID, "trigger", resp.TriggerName)
		}
	}
}
