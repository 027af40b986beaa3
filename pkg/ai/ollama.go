package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamchat/pkg/domain"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaStreamer streams from Ollama /api/chat, which answers with one JSON
// object per line.
type OllamaStreamer struct {
	baseURL      string
	model        string
	systemPrompt string
	httpClient   *http.Client
}

func NewOllamaStreamer(cfg Config) (*OllamaStreamer, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("ollama model required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaStreamer{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatChunk struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func (s *OllamaStreamer) StreamCompletion(ctx context.Context, messages []domain.ChatMessage) (TokenStream, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyTranscript
	}
	msgs := withSystemPrompt(s.systemPrompt, messages)
	reqBody := ollamaChatRequest{Model: s.model, Stream: true, Messages: make([]ollamaChatMessage, 0, len(msgs))}
	for _, m := range msgs {
		reqBody.Messages = append(reqBody.Messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("ollama api error: %s", resp.Status)
	}
	return &ollamaTokenStream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

type ollamaTokenStream struct {
	body io.ReadCloser
	dec  *json.Decoder
	cur  string
	err  error
	done bool
}

func (t *ollamaTokenStream) Next() bool {
	for !t.done && t.err == nil {
		var chunk ollamaChatChunk
		if err := t.dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				t.err = errors.New("ollama stream ended before done")
			} else {
				t.err = fmt.Errorf("ollama decode: %w", err)
			}
			return false
		}
		if chunk.Error != "" {
			t.err = fmt.Errorf("ollama stream error: %s", chunk.Error)
			return false
		}
		if chunk.Done {
			t.done = true
		}
		if chunk.Message.Content != "" {
			t.cur = chunk.Message.Content
			return true
		}
	}
	return false
}

func (t *ollamaTokenStream) Current() string { return t.cur }
func (t *ollamaTokenStream) Err() error      { return t.err }
func (t *ollamaTokenStream) Close() error    { return t.body.Close() }
