package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
	"github.com/BTreeMap/TriggerPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the incoming message channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	sender   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	messages chan models.Message
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		sender:   sender,
		messages: make(chan models.Message, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}

	// Only a full client exposes the event stream; a mock does not
	if waClient, ok := sender.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}
	return nil
}

// Stop stops background processing and closes the message channel. The
// channel close is deferred briefly so an event handler send already past the
// stopped check drains into the done case instead of a closed channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
	}()

	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message to a chat.
func (s *WhatsAppService) SendMessage(ctx context.Context, chatID string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	slog.Debug("WhatsAppService SendMessage invoked", "chat_id", chatID, "body_length", len(body))
	if err := s.sender.SendMessage(ctx, chatID, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "chat_id", chatID)
		return err
	}
	return nil
}

// React attaches an emoji reaction to a message.
func (s *WhatsAppService) React(ctx context.Context, chatID, messageID, userID, emoji string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.sender.React(ctx, chatID, userID, messageID, emoji)
}

// DeleteMessage revokes a message from the chat for everyone.
func (s *WhatsAppService) DeleteMessage(ctx context.Context, chatID, messageID, userID string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.sender.RevokeMessage(ctx, chatID, userID, messageID)
}

// IsAdmin reports whether the user is an admin of the group chat.
func (s *WhatsAppService) IsAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	return s.sender.IsGroupAdmin(ctx, chatID, userID)
}

// Messages returns the channel of incoming chat messages.
func (s *WhatsAppService) Messages() <-chan models.Message {
	return s.messages
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// handleEvents registers the Whatsmeow event handler and feeds incoming text
// messages into the message channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	slog.Debug("WhatsAppService handleEvents starting")

	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Other event types (receipts, presence) are irrelevant to dispatch
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	// Keep handler running until context is cancelled
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts a Whatsmeow message event into the engine's
// message shape. Messages sent by the bot itself and non-text payloads are
// skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	var mentioned []string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		text = *evt.Message.ExtendedTextMessage.Text
		if ci := evt.Message.ExtendedTextMessage.ContextInfo; ci != nil {
			mentioned = ci.MentionedJID
		}
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.Message{
		ID:          string(evt.Info.ID),
		ChatID:      evt.Info.Chat.String(),
		UserID:      evt.Info.Sender.ToNonAD().String(),
		Text:        text,
		MentionsBot: s.mentionsBot(mentioned),
		Time:        evt.Info.Timestamp.Unix(),
	}

	slog.Debug("WhatsAppService processing incoming message", "chat_id", msg.ChatID, "user_id", msg.UserID, "body_length", len(msg.Text))
	s.emitMessage(msg)
}

// emitMessage safely pushes a message into the channel. The whatsmeow event
// handler stays registered after Stop, so sends must be guarded against the
// closed channel.
func (s *WhatsAppService) emitMessage(msg models.Message) {
	if s.isStopped() {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "chat_id", msg.ChatID)
		return
	}

	select {
	case s.messages <- msg:
	case <-s.done:
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "chat_id", msg.ChatID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService message channel blocked, dropping message", "chat_id", msg.ChatID, "timeout", DefaultChannelTimeout)
	}
}

// mentionsBot reports whether the bot's own JID appears in the mention list.
func (s *WhatsAppService) mentionsBot(mentioned []string) bool {
	if len(mentioned) == 0 || s.waClient == nil {
		return false
	}
	own := s.waClient.OwnJID()
	if own.IsEmpty() {
		return false
	}
	for _, jid := range mentioned {
		if jid == own.String() {
			return true
		}
	}
	return false
}
