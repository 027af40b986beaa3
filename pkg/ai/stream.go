package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamchat/pkg/domain"
)

// TokenStream is a lazy, finite sequence of completion fragments. Next blocks
// until a fragment is available and returns false once the upstream signals
// completion or fails; Err distinguishes the two.
type TokenStream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// StreamSource opens completion streams for a transcript.
type StreamSource interface {
	StreamCompletion(ctx context.Context, messages []domain.ChatMessage) (TokenStream, error)
}

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// Config selects and configures a provider.
type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	SystemPrompt string
	// Timeout bounds a whole stream, including the time spent reading fragments.
	Timeout time.Duration
}

var ErrEmptyTranscript = errors.New("completion requires at least one message")

// NewStreamSource builds the provider named by cfg.Provider.
func NewStreamSource(cfg Config) (StreamSource, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI, "openai-compat":
		return NewOpenAIStreamer(cfg)
	case ProviderOllama:
		return NewOllamaStreamer(cfg)
	case ProviderGemini:
		return NewGeminiStreamer(cfg)
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", cfg.Provider)
	}
}

// withSystemPrompt prepends a system message when one is configured and the
// transcript does not already start with one.
func withSystemPrompt(prompt string, messages []domain.ChatMessage) []domain.ChatMessage {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" || (len(messages) > 0 && messages[0].Role == "system") {
		return messages
	}
	out := make([]domain.ChatMessage, 0, len(messages)+1)
	out = append(out, domain.ChatMessage{Role: "system", Content: prompt})
	return append(out, messages...)
}
