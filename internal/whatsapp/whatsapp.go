// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in TriggerPipe.
//
// It provides methods for sending messages, reacting, revoking, and querying
// group membership, plus the login/QR flow.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/TriggerPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/triggerpipe/whatsmeow.db"
)

// Sender is the outbound surface the messaging layer depends on. Chat and
// user identifiers are JID strings; group chats end in "@g.us".
type Sender interface {
	SendMessage(ctx context.Context, chatJID string, body string) error
	React(ctx context.Context, chatJID, senderJID, messageID, emoji string) error
	RevokeMessage(ctx context.Context, chatJID, senderJID, messageID string) error
	IsGroupAdmin(ctx context.Context, chatJID, userJID string) (bool, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// This handles WhatsApp/whatsmeow database configuration with proper validation and warnings.
func NewClient(opts ...Option) (*Client, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	// Determine database DSN
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	// Auto-detect database driver based on DSN
	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
		slog.Debug("WhatsApp client auto-detected PostgreSQL driver", "dsn_type", "postgresql")
	} else {
		dbDriver = "sqlite3"
		slog.Debug("WhatsApp client auto-detected SQLite driver", "dsn_type", "sqlite")

		// Check if SQLite DSN has foreign keys enabled (whatsmeow recommends this)
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		err = waClient.Connect()
		if err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		// Determine output writer for QR or code
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received", "code", evt.Code)
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
				fmt.Println("Login event:", evt.Event)
			}
		}
	} else {
		// Already logged in, just connect
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a text message to a chat identified by its JID string.
func (c *Client) SendMessage(ctx context.Context, chatJID string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := parseJID(chatJID)
	if err != nil {
		return err
	}

	slog.Debug("Sending WhatsApp message", "chat", chatJID, "body_length", len(body))
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "chat", chatJID)
		return fmt.Errorf("failed to send message to %s: %w", chatJID, err)
	}
	return nil
}

// React attaches an emoji reaction to the identified message.
func (c *Client) React(ctx context.Context, chatJID, senderJID, messageID, emoji string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	chat, err := parseJID(chatJID)
	if err != nil {
		return err
	}
	sender, err := parseJID(senderJID)
	if err != nil {
		return err
	}

	slog.Debug("Sending WhatsApp reaction", "chat", chatJID, "message_id", messageID, "emoji", emoji)
	msg := c.waClient.BuildReaction(chat, sender, types.MessageID(messageID), emoji)
	if _, err := c.waClient.SendMessage(ctx, chat, msg); err != nil {
		slog.Error("Failed to send WhatsApp reaction", "error", err, "chat", chatJID, "message_id", messageID)
		return fmt.Errorf("failed to react to message %s: %w", messageID, err)
	}
	return nil
}

// RevokeMessage deletes the identified message for everyone in the chat.
// The bot must be a group admin to revoke messages from other senders.
func (c *Client) RevokeMessage(ctx context.Context, chatJID, senderJID, messageID string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	chat, err := parseJID(chatJID)
	if err != nil {
		return err
	}
	sender, err := parseJID(senderJID)
	if err != nil {
		return err
	}

	slog.Debug("Revoking WhatsApp message", "chat", chatJID, "message_id", messageID)
	msg := c.waClient.BuildRevoke(chat, sender, types.MessageID(messageID))
	if _, err := c.waClient.SendMessage(ctx, chat, msg); err != nil {
		slog.Error("Failed to revoke WhatsApp message", "error", err, "chat", chatJID, "message_id", messageID)
		return fmt.Errorf("failed to revoke message %s: %w", messageID, err)
	}
	return nil
}

// IsGroupAdmin reports whether the user is an admin or superadmin of the
// group. Non-group chats have no admins.
func (c *Client) IsGroupAdmin(ctx context.Context, chatJID, userJID string) (bool, error) {
	if c.waClient == nil {
		return false, fmt.Errorf("whatsapp client not initialized")
	}
	chat, err := parseJID(chatJID)
	if err != nil {
		return false, err
	}
	if chat.Server != types.GroupServer {
		return false, nil
	}
	user, err := parseJID(userJID)
	if err != nil {
		return false, err
	}

	info, err := c.waClient.GetGroupInfo(chat)
	if err != nil {
		slog.Error("Failed to fetch WhatsApp group info", "error", err, "chat", chatJID)
		return false, fmt.Errorf("failed to fetch group info for %s: %w", chatJID, err)
	}
	for _, p := range info.Participants {
		if p.JID.ToNonAD().User == user.User {
			return p.IsAdmin || p.IsSuperAdmin, nil
		}
	}
	return false, nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// OwnJID returns the bot's own JID, or the zero JID before login completes.
func (c *Client) OwnJID() types.JID {
	if c.waClient == nil || c.waClient.Store == nil || c.waClient.Store.ID == nil {
		return types.EmptyJID
	}
	return c.waClient.Store.ID.ToNonAD()
}

func parseJID(s string) (types.JID, error) {
	if s == "" {
		return types.EmptyJID, fmt.Errorf("jid cannot be empty")
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid jid %q: %w", s, err)
	}
	return jid, nil
}

// MockClient implements Sender but performs no I/O (for tests).
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, chatJID string, body string) error {
	return nil
}

func (m *MockClient) React(ctx context.Context, chatJID, senderJID, messageID, emoji string) error {
	return nil
}

func (m *MockClient) RevokeMessage(ctx context.Context, chatJID, senderJID, messageID string) error {
	return nil
}

func (m *MockClient) IsGroupAdmin(ctx context.Context, chatJID, userJID string) (bool, error) {
	return false, nil
}
