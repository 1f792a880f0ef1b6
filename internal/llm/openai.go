package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ember-chat/ember/internal/config"
	"github.com/ember-chat/ember/internal/httpkit"
)

// ErrBackendUnavailable is returned while the circuit breaker is open.
var ErrBackendUnavailable = errors.New("model backend unavailable")

// OpenAIClient talks to any OpenAI-compatible chat-completions backend.
//
// The underlying *http.Client is constructed once and shared across all
// calls; connection pooling lives in httpkit's shared transport. A
// circuit breaker fronts the backend so a dead endpoint fails fast
// instead of stacking up timeouts.
type OpenAIClient struct {
	baseURL      string
	extraHeaders map[string]string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
	logger       *slog.Logger

	mu       sync.Mutex
	keys     []string
	keyIndex int
}

// NewOpenAIClient creates a backend client. baseURL should include the
// API prefix (e.g. "https://api.example.com/v1").
func NewOpenAIClient(logger *slog.Logger, baseURL string, apiKeys []string, extraHeaders map[string]string) *OpenAIClient {
	return &OpenAIClient{
		baseURL:      baseURL,
		extraHeaders: extraHeaders,
		keys:         apiKeys,
		httpClient:   httpkit.NewClient(5 * time.Minute), // tool-capable models need time
		logger:       logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "model-backend",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// chatRequest is the OpenAI chat-completions request body.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

// chatResponse is the OpenAI chat-completions response body.
type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// currentKey returns the key the next request should use. Keyless
// backends (local endpoints) get an empty string and no auth header.
func (c *OpenAIClient) currentKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) == 0 {
		return ""
	}
	return c.keys[c.keyIndex%len(c.keys)]
}

// rotateKey advances to the next key after an auth or quota failure.
func (c *OpenAIClient) rotateKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) > 1 {
		c.keyIndex = (c.keyIndex + 1) % len(c.keys)
	}
}

// Chat sends a chat completion request. On 401/403/429 the key is
// rotated and the request retried once with the next key.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	key := c.currentKey()

	resp, err := c.send(ctx, req, key)
	if err == nil {
		return resp, nil
	}

	var httpErr *httpStatusError
	if errors.As(err, &httpErr) && httpErr.rotatable() {
		c.rotateKey()
		if nextKey := c.currentKey(); nextKey != key && nextKey != "" {
			c.logger.Warn("rotating API key after backend error",
				"status", httpErr.status)
			return c.send(ctx, req, nextKey)
		}
	}
	return nil, err
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.status, e.body)
}

// rotatable reports whether another API key could plausibly succeed.
func (e *httpStatusError) rotatable() bool {
	switch e.status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

func (c *OpenAIClient) send(ctx context.Context, req Request, apiKey string) (*Response, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      false,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "backend request",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"payload", string(payload),
	)

	result, err := c.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		}
		for k, v := range c.extraHeaders {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, &httpStatusError{
				status: resp.StatusCode,
				body:   httpkit.ReadErrorBody(resp.Body, 512),
			}
		}

		var parsed chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &parsed, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrBackendUnavailable
		}
		return nil, err
	}

	parsed := result.(*chatResponse)
	if parsed.Error != nil {
		return nil, fmt.Errorf("backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("backend returned no choices")
	}

	choice := parsed.Choices[0]
	c.logger.Log(ctx, config.LevelTrace, "backend response",
		"content_len", len(choice.Message.Content),
		"tool_calls", len(choice.Message.ToolCalls),
		"finish_reason", choice.FinishReason,
	)

	return &Response{
		Message:      choice.Message,
		ToolCalls:    choice.Message.ToolCalls,
		APIKeyUsed:   apiKey,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// Ping checks if the backend is reachable by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if key := c.currentKey(); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
