package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/novaos/core/internal/nova"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions API. Any OpenAI-compatible
// endpoint works through BaseURL.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(apiKey, model, baseURL string, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string      { return "openai" }
func (p *OpenAIProvider) Model() string     { return p.model }
func (p *OpenAIProvider) IsAvailable() bool { return p.apiKey != "" && p.model != "" }

type openAIRequest struct {
	Model               string           `json:"model"`
	Messages            []Message        `json:"messages"`
	MaxTokens           int              `json:"max_tokens,omitempty"`
	MaxCompletionTokens int              `json:"max_completion_tokens,omitempty"`
	Temperature         *float64         `json:"temperature,omitempty"`
	ResponseFormat      *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)

	temp := clampTemperature(p.model, req.Temperature)
	body := openAIRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: &temp,
	}
	// Newer model families renamed the token cap field; sending the legacy
	// one gets the request rejected outright.
	if usesCompletionTokens(p.model) {
		body.MaxCompletionTokens = req.MaxTokens
	} else {
		body.MaxTokens = req.MaxTokens
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("openai: %w", nova.ErrProviderTimeout)
		}
		return nil, fmt.Errorf("openai: %v: %w", err, nova.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai read: %v: %w", err, nova.ErrProviderUnavailable)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("openai decode: %v: %w", err, nova.ErrProviderUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := "status " + resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("openai: %s: %w", msg, nova.ErrProviderUnavailable)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("openai: empty completion: %w", nova.ErrProviderUnavailable)
	}

	return &Response{
		Content:  parsed.Choices[0].Message.Content,
		Provider: p.Name(),
		Model:    p.model,
	}, nil
}

// usesCompletionTokens reports whether the model takes the renamed cap field.
func usesCompletionTokens(model string) bool {
	return strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "gpt-5")
}

// clampTemperature raises the requested temperature to the model's minimum.
// Reasoning models only accept their fixed default.
func clampTemperature(model string, requested float64) float64 {
	if usesCompletionTokens(model) {
		return 1
	}
	if requested < 0 {
		return 0
	}
	return requested
}
