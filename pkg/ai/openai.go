package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"streamchat/pkg/domain"
)

// OpenAIStreamer streams from OpenAI or any compatible /v1/chat/completions
// endpoint (vLLM, LiteLLM, OpenRouter, ...).
type OpenAIStreamer struct {
	client       openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIStreamer(cfg Config) (*OpenAIStreamer, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("openai model required")
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAIStreamer{
		client:       openai.NewClient(opts...),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

func (s *OpenAIStreamer) StreamCompletion(ctx context.Context, messages []domain.ChatMessage) (TokenStream, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyTranscript
	}
	params := openai.ChatCompletionNewParams{
		Model:    s.model,
		Messages: convertOpenAIMessages(withSystemPrompt(s.systemPrompt, messages)),
	}
	stream := s.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openAITokenStream{stream: stream}, nil
}

func convertOpenAIMessages(msgs []domain.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case string(domain.MessageRoleAssistant):
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

type openAITokenStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	cur    string
}

// Next skips role-only and finish chunks that carry no text.
func (t *openAITokenStream) Next() bool {
	for t.stream.Next() {
		chunk := t.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			t.cur = text
			return true
		}
	}
	return false
}

func (t *openAITokenStream) Current() string { return t.cur }

func (t *openAITokenStream) Err() error {
	if err := t.stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

func (t *openAITokenStream) Close() error { return t.stream.Close() }
