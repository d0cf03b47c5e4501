package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avedran/chronicle/common/retry"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// ErrUpstreamExhausted is returned once the bounded retry budget for a
// completion call is spent. The gateway maps it to a 502.
var ErrUpstreamExhausted = errors.New("dispatch: upstream retries exhausted")

// Result is the outcome of a successful dispatch. The reply has not been
// appended to the store yet — that is the caller's responsibility, which
// keeps a failed dispatch free of partial writes.
type Result struct {
	Reply string
	Usage TokenUsage
}

// Config tunes the dispatcher.
type Config struct {
	// Retry bounds the completion attempts per dispatch.
	Retry retry.Config

	// CallTimeout is the per-call HTTP timeout handed to each client.
	CallTimeout time.Duration

	// MaxTokens caps reply length on every call.
	MaxTokens int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		CallTimeout: 30 * time.Second,
		MaxTokens:   defaultMaxTokens,
	}
}

// Dispatcher issues completion calls against per-session endpoints. It holds
// no conversation state and never writes to the message store; cancelling a
// dispatch aborts the outbound call without side effects.
type Dispatcher struct {
	cfg Config

	// APIKey is an optional shared bearer token applied to every session
	// endpoint. Per-deployment; sessions carry no credentials of their own.
	APIKey string
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Dispatcher{cfg: cfg}
}

// Dispatch serializes the bundle into the session's completion prompt and
// calls the bound endpoint, retrying transient failures with bounded backoff.
// On exhaustion the error wraps ErrUpstreamExhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *store.AgentSession, in PromptInput) (*Result, error) {
	client := NewClient(ClientConfig{
		BaseURL:   sess.CompletionEndpoint,
		APIKey:    d.APIKey,
		Model:     sess.CompletionModel,
		Timeout:   d.cfg.CallTimeout,
		MaxTokens: d.cfg.MaxTokens,
	})

	messages := BuildMessages(in)

	cfg := d.cfg.Retry
	cfg.ShouldRetry = func(err error) bool {
		return errors.Is(err, ErrUpstream)
	}

	var result Result
	err := retry.Do(ctx, cfg, func() error {
		reply, usage, callErr := client.Complete(ctx, messages)
		if callErr != nil {
			return callErr
		}
		result = Result{Reply: reply, Usage: usage}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// The caller cancelled or timed out mid-retry; the budget was not
			// exhausted, so don't misreport this as an upstream failure.
			return nil, err
		}
		if errors.Is(err, ErrUpstream) {
			slog.Warn("dispatch: upstream retries exhausted",
				"agent", sess.AgentID, "endpoint", sess.CompletionEndpoint, "err", err)
			return nil, fmt.Errorf("%w: agent %s: %v", ErrUpstreamExhausted, sess.AgentID, err)
		}
		return nil, err
	}

	slog.Debug("dispatch: completion succeeded",
		"agent", sess.AgentID,
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens)

	return &result, nil
}
