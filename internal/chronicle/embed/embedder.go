// Package embed produces vector embeddings for message text by calling an
// external embedding endpoint. Implementations range from a no-op stub
// (embedding disabled, recency-only operation) to any OpenAI-compatible
// embeddings API.
package embed

import (
	"context"
	"errors"
)

// ErrUnavailable classifies an embedding failure as transient: the endpoint
// was unreachable, timed out, rate-limited the caller, or answered with a
// server error. Callers retry these with bounded backoff; anything else is a
// permanent failure for the given input.
var ErrUnavailable = errors.New("embed: upstream unavailable")

// Embedder produces vector embeddings for text.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	// Returns nil with no error when embedding is not available (noop).
	Embed(ctx context.Context, text string) ([]float32, error)
}
