// Package assemble builds the prompt context for a completion request. It
// merges two notions of "what matters" — the recency window (sharp recall of
// the latest exchange) and the relevance set (fuzzy recall via embedding
// similarity) — into one deduplicated, ordered bundle.
package assemble

import (
	"context"
	"log/slog"

	"github.com/avedran/chronicle/internal/chronicle/retrieval"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// Provenance tags why an entry is part of the bundle.
type Provenance string

const (
	// ProvenanceRecent marks entries from the recency window.
	ProvenanceRecent Provenance = "recent"
	// ProvenanceRelevant marks entries selected by similarity retrieval.
	ProvenanceRelevant Provenance = "relevant"
)

// Entry is one message of the bundle with its provenance. Score is the cosine
// similarity for relevant entries and zero for recent ones.
type Entry struct {
	Message    store.Message
	Provenance Provenance
	Score      float64
}

// Bundle is the ephemeral, per-request prompt context. It is never persisted.
// A message id appears at most once: when a message qualifies for both
// recency and relevance it is tagged recent and suppressed from the relevance
// section.
type Bundle struct {
	ConversationID string
	Entries        []Entry
}

// recentReader is the slice of the message store the assembler needs.
type recentReader interface {
	ReadRecent(ctx context.Context, conversationID string, n int) ([]store.Message, error)
}

// retriever is the slice of the retrieval engine the assembler needs.
type retriever interface {
	Retrieve(ctx context.Context, conversationID, query string, k int) ([]retrieval.Scored, error)
}

// Defaults for the two windows.
const (
	DefaultWindowSize = 10
	DefaultTopK       = 10
)

// Assembler merges the recency window with retrieval results.
type Assembler struct {
	store     recentReader
	retriever retriever

	// WindowSize is the recency window length. Default: 10.
	WindowSize int
	// TopK is the relevance set size. Default: 10.
	TopK int
}

// New creates an Assembler over the given store and retrieval engine.
func New(st recentReader, r retriever) *Assembler {
	return &Assembler{
		store:      st,
		retriever:  r,
		WindowSize: DefaultWindowSize,
		TopK:       DefaultTopK,
	}
}

// Build assembles the context bundle for a completion request:
//
//  1. the recency window (last WindowSize messages) in chronological order;
//  2. the relevance set (top TopK by similarity to query) appended after it,
//     in descending-similarity order, skipping ids already present.
//
// Retrieval failure degrades gracefully: the bundle is built from recency
// alone and a warning is logged — the conversation keeps working when the
// embedding endpoint is down. The result is deterministic given store and
// index state at call time.
func (a *Assembler) Build(ctx context.Context, conversationID, query string) (*Bundle, error) {
	window := a.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	topK := a.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	recent, err := a.store.ReadRecent(ctx, conversationID, window)
	if err != nil {
		return nil, err
	}

	relevant, err := a.retriever.Retrieve(ctx, conversationID, query, topK)
	if err != nil {
		slog.Warn("assemble: retrieval unavailable, recency-only context",
			"conversation", conversationID, "err", err)
		relevant = nil
	}

	bundle := &Bundle{ConversationID: conversationID}
	seen := make(map[int64]struct{}, len(recent)+len(relevant))

	for _, m := range recent {
		seen[m.Seq] = struct{}{}
		bundle.Entries = append(bundle.Entries, Entry{
			Message:    m,
			Provenance: ProvenanceRecent,
		})
	}

	for _, s := range relevant {
		if _, dup := seen[s.Message.Seq]; dup {
			continue
		}
		seen[s.Message.Seq] = struct{}{}
		bundle.Entries = append(bundle.Entries, Entry{
			Message:    s.Message,
			Provenance: ProvenanceRelevant,
			Score:      s.Score,
		})
	}

	return bundle, nil
}

// Recent returns the bundle entries tagged recent, in chronological order.
func (b *Bundle) Recent() []Entry {
	return b.byProvenance(ProvenanceRecent)
}

// Relevant returns the bundle entries tagged relevant, in descending
// similarity order.
func (b *Bundle) Relevant() []Entry {
	return b.byProvenance(ProvenanceRelevant)
}

func (b *Bundle) byProvenance(p Provenance) []Entry {
	var out []Entry
	for _, e := range b.Entries {
		if e.Provenance == p {
			out = append(out, e)
		}
	}
	return out
}
