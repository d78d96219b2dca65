package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// phoneNumberRegex strips everything but digits during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// smsSender is the minimal Twilio surface the service needs; tests substitute
// a scripted implementation.
type smsSender interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio SMS transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// Operators are phone numbers treated as chat admins. SMS has no group
	// membership, so admin status is configuration.
	Operators []string
}

// TwilioOption defines a configuration option for the Twilio SMS transport.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithOperators sets the phone numbers granted admin privileges.
func WithOperators(numbers []string) TwilioOption {
	return func(o *TwilioOpts) { o.Operators = numbers }
}

// TwilioService implements Service over SMS using the Twilio REST API. Each
// chat is a 1:1 conversation keyed by the peer's phone number. Reactions and
// deletions are not supported by the transport and are logged no-ops.
type TwilioService struct {
	sms       smsSender
	from      string
	operators map[string]bool
	messages  chan models.Message
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER environment
// variables for credentials not set via options.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio service config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"operators", len(cfg.Operators))

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	s := &TwilioService{
		sms:       client.Api,
		from:      cfg.FromNumber,
		operators: make(map[string]bool),
		messages:  make(chan models.Message, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
	for _, n := range cfg.Operators {
		canonical, err := canonicalizePhone(n)
		if err != nil {
			return nil, fmt.Errorf("invalid operator number %q: %w", n, err)
		}
		s.operators[canonical] = true
	}
	return s, nil
}

// canonicalizePhone validates a phone number and reduces it to digits.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound messages arrive via the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
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

	return nil
}

// SendMessage sends an SMS to the chat's phone number.
func (s *TwilioService) SendMessage(ctx context.Context, chatID string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}

	to, err := canonicalizePhone(chatID)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "chat_id", chatID)
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + to)
	params.SetFrom(s.from)
	params.SetBody(body)

	if _, err := s.sms.CreateMessage(params); err != nil {
		slog.Error("TwilioService SendMessage failed", "error", err, "chat_id", chatID)
		return fmt.Errorf("failed to send message to %s: %w", chatID, err)
	}
	slog.Debug("TwilioService message sent", "chat_id", chatID)
	return nil
}

// React is unsupported over SMS and intentionally succeeds without effect.
func (s *TwilioService) React(ctx context.Context, chatID, messageID, userID, emoji string) error {
	slog.Debug("TwilioService React ignored (unsupported over SMS)", "chat_id", chatID)
	return nil
}

// DeleteMessage is unsupported over SMS and intentionally succeeds without effect.
func (s *TwilioService) DeleteMessage(ctx context.Context, chatID, messageID, userID string) error {
	slog.Debug("TwilioService DeleteMessage ignored (unsupported over SMS)", "chat_id", chatID)
	return nil
}

// IsAdmin reports whether the user's number is in the operator allowlist.
func (s *TwilioService) IsAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	canonical, err := canonicalizePhone(userID)
	if err != nil {
		return false, err
	}
	return s.operators[canonical], nil
}

// Messages returns the channel of incoming SMS messages.
func (s *TwilioService) Messages() <-chan models.Message {
	return s.messages
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// WebhookHandler handles inbound Twilio webhook requests. It parses incoming
// SMS and emits them as messages for dispatch. The sender's number doubles as
// the chat identifier since SMS has no group construct.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	sid := r.FormValue("MessageSid")

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonical, err := canonicalizePhone(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "error", err, "from", from)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound SMS from Twilio", "from", canonical, "body_length", len(body))

	s.emitMessage(models.Message{
		ID:     sid,
		ChatID: canonical,
		UserID: canonical,
		Text:   body,
		Time:   time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// emitMessage safely pushes a message into the channel.
func (s *TwilioService) emitMessage(msg models.Message) {
	if s.isStopped() {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "chat_id", msg.ChatID)
		return
	}

	select {
	case s.messages <- msg:
		slog.Debug("TwilioService emitted inbound message", "chat_id", msg.ChatID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService message channel blocked, dropping message", "chat_id", msg.ChatID)
	}
}
