package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/packages/ssestream"

	"streamchat/pkg/domain"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiStreamer streams from the Gemini streamGenerateContent endpoint in SSE mode.
type GeminiStreamer struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	httpClient   *http.Client
}

func NewGeminiStreamer(cfg Config) (*GeminiStreamer, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	model := strings.TrimPrefix(strings.TrimSpace(cfg.Model), "models/")
	if model == "" {
		return nil, fmt.Errorf("gemini model required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiStreamer{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// geminiRequestBody maps the transcript onto Gemini roles: assistant turns
// become "model" and system text moves to systemInstruction.
func geminiRequestBody(systemPrompt string, messages []domain.ChatMessage) geminiRequest {
	var req geminiRequest
	var system []string
	if p := strings.TrimSpace(systemPrompt); p != "" {
		system = append(system, p)
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case string(domain.MessageRoleAssistant):
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	return req
}

func (s *GeminiStreamer) StreamCompletion(ctx context.Context, messages []domain.ChatMessage) (TokenStream, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyTranscript
	}
	body, err := json.Marshal(geminiRequestBody(s.systemPrompt, messages))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", s.baseURL, s.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", s.apiKey)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("gemini api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("gemini api error: %s", resp.Status)
	}
	return &geminiTokenStream{stream: ssestream.NewStream[geminiChunk](ssestream.NewDecoder(resp), nil)}, nil
}

type geminiTokenStream struct {
	stream *ssestream.Stream[geminiChunk]
	cur    string
}

func (t *geminiTokenStream) Next() bool {
	for t.stream.Next() {
		chunk := t.stream.Current()
		if len(chunk.Candidates) == 0 {
			continue
		}
		var b strings.Builder
		for _, p := range chunk.Candidates[0].Content.Parts {
			b.WriteString(p.Text)
		}
		if b.Len() > 0 {
			t.cur = b.String()
			return true
		}
	}
	return false
}

func (t *geminiTokenStream) Current() string { return t.cur }

func (t *geminiTokenStream) Err() error {
	if err := t.stream.Err(); err != nil {
		return fmt.Errorf("gemini stream: %w", err)
	}
	return nil
}

func (t *geminiTokenStream) Close() error { return t.stream.Close() }
