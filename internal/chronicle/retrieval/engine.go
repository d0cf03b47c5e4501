// Package retrieval ranks a conversation's indexed messages by semantic
// similarity to a query. Ranking is brute-force cosine similarity computed in
// Go over the stored vectors — at per-conversation scale (hundreds to low
// thousands of messages) this is fast and avoids a separate vector database.
package retrieval

import (
	"context"
	"fmt"
	"math"

	"github.com/avedran/chronicle/internal/chronicle/embed"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// DefaultTopK is the number of messages returned when the caller passes k <= 0.
const DefaultTopK = 10

// Engine retrieves the most semantically relevant prior messages of a
// conversation. Only messages the indexer has embedded participate; pending
// and failed messages are invisible here (they remain reachable through the
// recency window).
type Engine struct {
	store    *store.Store
	embedder embed.Embedder
}

// Scored pairs a message with its similarity to the query.
type Scored struct {
	Message store.Message
	Score   float64
}

// New creates a retrieval Engine using the given embedder for query vectors.
func New(st *store.Store, embedder embed.Embedder) *Engine {
	return &Engine{store: st, embedder: embedder}
}

// Retrieve returns the top-k indexed messages of the conversation ranked by
// descending cosine similarity to the query text. Ties are broken by the more
// recent message first. An empty slice (not an error) is returned when the
// conversation has no indexed messages yet, or when the embedder is a noop.
func (e *Engine) Retrieve(ctx context.Context, conversationID, query string, k int) ([]Scored, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(queryVec) == 0 {
		return nil, nil
	}

	msgs, err := e.store.IndexedMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: load indexed messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	candidates := make([]Scored, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, Scored{
			Message: m,
			Score:   cosineSimilarity(queryVec, m.Embedding),
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sortByScore(candidates)

	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the vectors differ in length or either has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortByScore sorts candidates by descending score, breaking score ties by
// higher seq (more recent first). Insertion sort — fine for the small N of a
// single conversation.
func sortByScore(items []Scored) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && less(items[j], key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

// less reports whether a ranks strictly below b.
func less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Message.Seq < b.Message.Seq
}
