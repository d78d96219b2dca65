// Package messaging provides pluggable chat transports for TriggerPipe.
//
// A Service delivers trigger responses to a chat platform and surfaces
// incoming messages for dispatch. The router connects a Service to the
// trigger engine.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// ErrServiceStopped is returned by send operations after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable chat transport abstraction. Chat, user, and
// message identifiers are transport-native strings (JIDs for WhatsApp, phone
// numbers for SMS).
type Service interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, chatID string, body string) error

	// React attaches an emoji reaction to a message. Transports without
	// reactions return nil and log.
	React(ctx context.Context, chatID, messageID, userID, emoji string) error

	// DeleteMessage removes a message from the chat. Transports without
	// deletion return nil and log.
	DeleteMessage(ctx context.Context, chatID, messageID, userID string) error

	// IsAdmin reports whether the user holds admin privileges in the chat.
	IsAdmin(ctx context.Context, chatID, userID string) (bool, error)

	// Start begins background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of incoming chat messages.
	Messages() <-chan models.Message
}
