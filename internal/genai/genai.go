// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// It implements the intent classifier behind smart trigger conditions: given
// a natural-language description and a message, it returns a binary verdict.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/TriggerPipe/internal/trigger"
)

// classifierSystemPrompt instructs the model to act as a strict binary
// classifier. Any output other than YES is treated as a non-match.
const classifierSystemPrompt = "You are a binary intent classifier for a chat bot. " +
	"You are given a trigger description and a user message. " +
	"Answer YES if the message matches the intent of the description, otherwise answer NO. " +
	"Answer with exactly one word, YES or NO, and nothing else."

// chatCompleter is the minimal OpenAI surface the client needs; tests
// substitute a scripted implementation.
type chatCompleter interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configurable options for the GenAI client.
type Opts struct {
	// APIKey is the OpenAI API key used for authentication.
	APIKey string
	// Model overrides the default chat model.
	Model openai.ChatModel
}

// Option defines a functional option for configuring the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for classification.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service for intent classification.
// It satisfies trigger.Classifier.
type Client struct {
	chat  chatCompleter
	model openai.ChatModel
}

// compile-time interface check
var _ trigger.Classifier = (*Client)(nil)

// NewClient initializes a GenAI client with functional options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Classify reports whether the message matches the trigger description.
// The model is asked for a one-word YES/NO verdict; anything else is NO.
func (c *Client) Classify(ctx context.Context, description, text string) (bool, error) {
	userPrompt := fmt.Sprintf("Trigger description: %s\n\nUser message: %s", description, text)

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifierSystemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		slog.Error("GenAI Classify API call failed", "error", err)
		return false, fmt.Errorf("failed to classify message: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI Classify returned no choices")
		return false, fmt.Errorf("no choices returned")
	}

	verdict := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	matched := verdict == "YES"
	slog.Debug("GenAI Classify verdict", "verdict", verdict, "matched", matched)
	return matched, nil
}
