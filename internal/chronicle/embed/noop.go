package embed

import "context"

// Noop is a stub Embedder that returns nil vectors. When wired as the active
// embedder, similarity retrieval is effectively disabled — no embeddings
// means no semantic matching, and conversations run on recency alone.
type Noop struct{}

// Embed returns nil with no error, signalling that embedding is unavailable.
func (Noop) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

// Compile-time interface satisfaction check.
var _ Embedder = Noop{}
