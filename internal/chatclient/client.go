// Package chatclient implements the ChatClient external interface (§6.4:
// "ChatClient.complete(system, user, timeout) -> string") Strategist and
// ReflectionEngine depend on. The provider adapters are generalized from
// the teacher's internal/ai/llm/client.go, which dispatched to
// Claude/OpenAI/DeepSeek behind one Provider enum; here Complete takes a
// context so the hard per-call deadlines the spec requires (20s
// Strategist, 60s Reflection) are the caller's to set via
// context.WithTimeout, not baked into the client.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ChatClient is the external LLM collaborator. Implementations must
// respect ctx's deadline and return a typed timeout error (ErrTimeout)
// when it expires so call sites can distinguish "LLM said nothing
// useful" from "LLM never answered."
type ChatClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ErrTimeout is returned when ctx's deadline expires before the
// provider responds.
var ErrTimeout = fmt.Errorf("chatclient: call exceeded deadline")

// Provider identifies which backend a Client talks to.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

// Config holds provider credentials and generation parameters.
type Config struct {
	Provider    Provider
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Endpoint    string // overrides the provider's default URL when non-empty
}

// DefaultConfig returns sane defaults for the Claude provider.
func DefaultConfig() *Config {
	return &Config{
		Provider:    ProviderClaude,
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   1536,
		Temperature: 0.3,
	}
}

// Client is the concrete ChatClient implementation backed by an HTTP call
// to one of the supported providers.
type Client struct {
	config     *Config
	httpClient *http.Client
}

var _ ChatClient = (*Client)(nil)

// New creates a provider-backed Client. Per-call deadlines come from ctx;
// a Timeout set on httpClient applies as well, as an outer bound per call.
func New(config *Config, httpClient *http.Client) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{config: config, httpClient: httpClient}
}

// IsConfigured reports whether an API key has been set.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete satisfies ChatClient: it dispatches to the configured
// provider and returns its raw text completion. Markdown fences around a
// JSON payload (```json ... ```) are stripped here once, up front, since
// every caller (Strategist, ReflectionEngine) needs that done before
// parsing per §4.3/§6.2.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var (
		text string
		err  error
	)
	url := c.config.Endpoint
	switch c.config.Provider {
	case ProviderClaude:
		if url == "" {
			url = "https://api.anthropic.com/v1/messages"
		}
		text, err = c.completeClaude(ctx, url, systemPrompt, userPrompt)
	case ProviderOpenAI:
		if url == "" {
			url = "https://api.openai.com/v1/chat/completions"
		}
		text, err = c.completeOpenAI(ctx, url, systemPrompt, userPrompt)
	case ProviderDeepSeek:
		if url == "" {
			url = "https://api.deepseek.com/v1/chat/completions"
		}
		text, err = c.completeOpenAI(ctx, url, systemPrompt, userPrompt)
	default:
		return "", fmt.Errorf("chatclient: unsupported provider %q", c.config.Provider)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrTimeout
		}
		return "", err
	}
	return StripJSONFences(text), nil
}

func (c *Client) completeClaude(ctx context.Context, url, systemPrompt, userPrompt string) (string, error) {
	req := claudeRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		System:      systemPrompt,
		Messages:    []message{{Role: "user", Content: userPrompt}},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out claudeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("claude error: %s - %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Content) == 0 {
		return "", fmt.Errorf("empty response from claude")
	}
	return out.Content[0].Text, nil
}

func (c *Client) completeOpenAI(ctx context.Context, url, systemPrompt, userPrompt string) (string, error) {
	req := openAIRequest{
		Model: c.config.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out openAIResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("provider error: %s - %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty response from provider")
	}
	return out.Choices[0].Message.Content, nil
}

// StripJSONFences removes a leading/trailing ```json or ``` fence and
// any surrounding prose outside the outermost {...} or [...] block, per
// §6.2: "Responses are JSON-only; surrounding text or code fences are
// stripped before parsing."
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}
	end := strings.LastIndexByte(s, close)
	if end < start {
		return s
	}
	return s[start : end+1]
}
