// Package dispatch turns an assembled context bundle into a model reply by
// calling the completion endpoint bound to an agent session. Each agent is a
// capability reference — endpoint, model, optional key — so the dispatcher is
// polymorphic over providers, not over agent identity.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 500
)

// ErrUpstream classifies a single completion attempt as transiently failed:
// unreachable endpoint, timeout, rate limit, or server error. Retried by the
// dispatcher; never surfaced raw.
var ErrUpstream = errors.New("dispatch: upstream unavailable")

// ClientConfig configures one OpenAI-compatible chat-completions client.
type ClientConfig struct {
	// BaseURL is the API endpoint base, e.g. "http://localhost:1234/v1".
	BaseURL string

	// APIKey is the bearer token. May be empty for local endpoints.
	APIKey string

	// Model is the chat model identifier.
	Model string

	// Timeout is the per-call HTTP timeout. Defaults to 30 s.
	Timeout time.Duration

	// MaxTokens caps the reply length. Defaults to 500.
	MaxTokens int

	// Temperature is passed through to the endpoint. Zero means the
	// endpoint's default.
	Temperature float64
}

// Client calls a single chat-completions endpoint. Safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

// NewClient creates a completion client for the given endpoint.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// ChatMessage is one turn of the serialized prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage carries the token counts reported by the completion endpoint.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- minimal chat-completions wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   TokenUsage   `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type chatChoice struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Complete issues a single chat-completions call and returns the reply text
// plus usage metadata. Transport failures, timeouts, 429 and 5xx responses
// wrap ErrUpstream.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (string, TokenUsage, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("dispatch: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("dispatch: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return "", TokenUsage{}, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return "", TokenUsage{}, fmt.Errorf("%w: http request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("%w: read response body: %v", ErrUpstream, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", TokenUsage{}, fmt.Errorf("%w: HTTP %d", ErrUpstream, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", TokenUsage{}, fmt.Errorf("dispatch: decode API response: %w", err)
	}

	if chatResp.Error != nil {
		return "", TokenUsage{}, fmt.Errorf("dispatch: API error (%s): %s", chatResp.Error.Type, chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", TokenUsage{}, fmt.Errorf("dispatch: no choices returned (HTTP %d)", resp.StatusCode)
	}

	reply := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if reply == "" {
		return "", TokenUsage{}, fmt.Errorf("dispatch: empty reply content")
	}

	return reply, chatResp.Usage, nil
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
