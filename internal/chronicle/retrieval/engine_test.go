package retrieval_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/avedran/chronicle/internal/chronicle/retrieval"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "retrieval-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name(), store.Options{})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

// vectorEmbedder maps exact texts to fixed vectors.
type vectorEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e *vectorEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vectors[text], nil
}

// seed appends a message and, when vec is non-nil, stores its embedding.
func seed(t *testing.T, s *store.Store, conversationID, content string, vec []float32) int64 {
	t.Helper()
	seq, err := s.Append(context.Background(), &store.Message{
		ConversationID: conversationID,
		AuthorID:       "alice",
		Role:           store.RoleHuman,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if vec != nil {
		if err := s.SetEmbedding(context.Background(), conversationID, seq, vec); err != nil {
			t.Fatalf("SetEmbedding: %v", err)
		}
	}
	return seq
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	e := retrieval.New(s, &vectorEmbedder{vectors: map[string][]float32{
		"query": {1, 0},
	}})

	seed(t, s, "room-1", "aligned", []float32{1, 0})
	seed(t, s, "room-1", "orthogonal", []float32{0, 1})
	seed(t, s, "room-1", "close", []float32{1, 0.5})

	got, err := e.Retrieve(context.Background(), "room-1", "query", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len: got %d, want 3", len(got))
	}
	wantOrder := []string{"aligned", "close", "orthogonal"}
	for i, w := range wantOrder {
		if got[i].Message.Content != w {
			t.Errorf("rank %d: got %q, want %q", i, got[i].Message.Content, w)
		}
	}
	if math.Abs(got[0].Score-1.0) > 1e-9 {
		t.Errorf("top score: got %f, want 1.0", got[0].Score)
	}
}

func TestRetrieveTopKLimit(t *testing.T) {
	s := newTestStore(t)
	e := retrieval.New(s, &vectorEmbedder{vectors: map[string][]float32{
		"query": {1, 0},
	}})

	for i := 0; i < 5; i++ {
		seed(t, s, "room-1", fmt.Sprintf("msg %d", i), []float32{1, float32(i) * 0.1})
	}

	got, err := e.Retrieve(context.Background(), "room-1", "query", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len: got %d, want 2", len(got))
	}
}

func TestRetrieveTieBreaksByRecency(t *testing.T) {
	s := newTestStore(t)
	e := retrieval.New(s, &vectorEmbedder{vectors: map[string][]float32{
		"query": {1, 0},
	}})

	// Identical vectors, identical scores; the later message must rank first.
	seed(t, s, "room-1", "older", []float32{1, 0})
	seed(t, s, "room-1", "newer", []float32{1, 0})

	got, err := e.Retrieve(context.Background(), "room-1", "query", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len: got %d, want 2", len(got))
	}
	if got[0].Message.Content != "newer" {
		t.Errorf("tie break: got %q first, want %q", got[0].Message.Content, "newer")
	}
}

func TestRetrieveSkipsUnindexedMessages(t *testing.T) {
	s := newTestStore(t)
	e := retrieval.New(s, &vectorEmbedder{vectors: map[string][]float32{
		"query": {1, 0},
	}})

	seed(t, s, "room-1", "indexed", []float32{1, 0})
	seed(t, s, "room-1", "pending", nil)
	seq := seed(t, s, "room-1", "failed", nil)
	if err := s.MarkIndexFailed(context.Background(), "room-1", seq, 3); err != nil {
		t.Fatalf("MarkIndexFailed: %v", err)
	}

	got, err := e.Retrieve(context.Background(), "room-1", "query", 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len: got %d, want 1", len(got))
	}
	if got[0].Message.Content != "indexed" {
		t.Errorf("got %q, want %q", got[0].Message.Content, "indexed")
	}
}

func TestRetrieveEmptyWhenNothingIndexed(t *testing.T) {
	s := newTestStore(t)
	e := retrieval.New(s, &vectorEmbedder{vectors: map[string][]float32{
		"query": {1, 0},
	}})

	seed(t, s, "room-1", "pending only", nil)

	got, err := e.Retrieve(context.Background(), "room-1", "query", 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len: got %d, want 0", len(got))
	}
}

func TestRetrieveNoopEmbedder(t *testing.T) {
	s := newTestStore(t)
	e := retrieval.New(s, &vectorEmbedder{}) // no vectors: query embeds to nil

	seed(t, s, "room-1", "indexed", []float32{1, 0})

	got, err := e.Retrieve(context.Background(), "room-1", "query", 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil result with noop embedder, got %v", got)
	}
}

func TestRetrieveEmbedderError(t *testing.T) {
	s := newTestStore(t)
	sentinel := errors.New("embedder down")
	e := retrieval.New(s, &vectorEmbedder{err: sentinel})

	_, err := e.Retrieve(context.Background(), "room-1", "query", 10)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped embedder error, got %v", err)
	}
}
