package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/avedran/chronicle/internal/chronicle/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	// Use a temp file that is cleaned up after the test
	f, err := os.CreateTemp(t.TempDir(), "chronicle-test-*.db")
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

func appendN(t *testing.T, s *store.Store, conversationID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		_, err := s.Append(ctx, &store.Message{
			ConversationID: conversationID,
			AuthorID:       "alice",
			Role:           store.RoleHuman,
			Content:        fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

// --- Append ---

func TestAppendAssignsSequentialIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := s.Append(ctx, &store.Message{
			ConversationID: "room-1",
			AuthorID:       "alice",
			Role:           store.RoleHuman,
			Content:        fmt.Sprintf("hello %d", i),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != int64(i) {
			t.Errorf("seq: got %d, want %d", seq, i)
		}
	}

	last, err := s.LastSeq(ctx, "room-1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 5 {
		t.Errorf("LastSeq: got %d, want 5", last)
	}
}

func TestAppendIndependentConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-a", 3)
	appendN(t, s, "room-b", 2)

	for _, tc := range []struct {
		conversation string
		want         int64
	}{
		{"room-a", 3},
		{"room-b", 2},
	} {
		last, err := s.LastSeq(ctx, tc.conversation)
		if err != nil {
			t.Fatalf("LastSeq(%s): %v", tc.conversation, err)
		}
		if last != tc.want {
			t.Errorf("LastSeq(%s): got %d, want %d", tc.conversation, last, tc.want)
		}
	}
}

func TestAppendConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq, err := s.Append(ctx, &store.Message{
					ConversationID: "busy-room",
					AuthorID:       fmt.Sprintf("writer-%d", w),
					Role:           store.RoleHuman,
					Content:        fmt.Sprintf("w%d/%d", w, i),
				})
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
				mu.Lock()
				if seen[seq] {
					t.Errorf("duplicate seq %d", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	last, err := s.LastSeq(ctx, "busy-room")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != writers*perWriter {
		t.Errorf("LastSeq: got %d, want %d", last, writers*perWriter)
	}
	if len(seen) != writers*perWriter {
		t.Errorf("distinct seqs: got %d, want %d", len(seen), writers*perWriter)
	}
}

func TestAppendThenCallbacksFollowSeqOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		observed []int64
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.AppendThen(ctx, &store.Message{
					ConversationID: "busy-room",
					AuthorID:       fmt.Sprintf("writer-%d", w),
					Role:           store.RoleHuman,
					Content:        fmt.Sprintf("w%d/%d", w, i),
				}, func(seq int64) {
					mu.Lock()
					observed = append(observed, seq)
					mu.Unlock()
				})
				if err != nil {
					t.Errorf("AppendThen: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if len(observed) != writers*perWriter {
		t.Fatalf("callbacks: got %d, want %d", len(observed), writers*perWriter)
	}
	// The callback runs under the conversation's append lock, so the observed
	// order must match the assigned seq order exactly.
	for i, seq := range observed {
		if seq != int64(i+1) {
			t.Fatalf("observed[%d] = %d, want %d", i, seq, i+1)
		}
	}
}

func TestAppendMalformed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		msg  store.Message
	}{
		{"empty content", store.Message{ConversationID: "r", AuthorID: "a", Role: store.RoleHuman}},
		{"whitespace content", store.Message{ConversationID: "r", AuthorID: "a", Role: store.RoleHuman, Content: "   "}},
		{"missing author", store.Message{ConversationID: "r", Role: store.RoleHuman, Content: "hi"}},
		{"unknown role", store.Message{ConversationID: "r", AuthorID: "a", Role: "robot", Content: "hi"}},
		{"missing conversation", store.Message{AuthorID: "a", Role: store.RoleHuman, Content: "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.msg
			_, err := s.Append(ctx, &msg)
			if !errors.Is(err, store.ErrMalformedMessage) {
				t.Errorf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}

	// Nothing should have been persisted.
	n, err := s.MessageCount(ctx)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 0 {
		t.Errorf("MessageCount: got %d, want 0", n)
	}
}

// --- Reads ---

func TestReadRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 15)

	msgs, err := s.ReadRecent(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("len: got %d, want 10", len(msgs))
	}
	for i, m := range msgs {
		want := int64(6 + i)
		if m.Seq != want {
			t.Errorf("msgs[%d].Seq: got %d, want %d", i, m.Seq, want)
		}
	}
}

func TestReadRecentShortConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 3)

	msgs, err := s.ReadRecent(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("len: got %d, want 3", len(msgs))
	}

	msgs, err = s.ReadRecent(ctx, "no-such-room", 10)
	if err != nil {
		t.Fatalf("ReadRecent (missing): %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len for missing conversation: got %d, want 0", len(msgs))
	}
}

func TestReadRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 10)

	msgs, err := s.ReadRange(ctx, "room-1", 4, 3)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len: got %d, want 3", len(msgs))
	}
	for i, want := range []int64{4, 5, 6} {
		if msgs[i].Seq != want {
			t.Errorf("msgs[%d].Seq: got %d, want %d", i, msgs[i].Seq, want)
		}
	}

	msgs, err = s.ReadRange(ctx, "room-1", 8, 0)
	if err != nil {
		t.Fatalf("ReadRange (no limit): %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("len without limit: got %d, want 3", len(msgs))
	}
}

func TestGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 2)

	m, err := s.GetMessage(ctx, "room-1", 2)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Content != "message 2" {
		t.Errorf("Content: got %q, want %q", m.Content, "message 2")
	}
	if m.IndexStatus != store.IndexPending {
		t.Errorf("IndexStatus: got %q, want %q", m.IndexStatus, store.IndexPending)
	}

	_, err = s.GetMessage(ctx, "room-1", 99)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Retention ---

func TestRetentionPrunesOldest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 1)
	if err := s.SetRetention(ctx, "room-1", 5); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}
	appendN(t, s, "room-1", 9) // total appended: 10

	msgs, err := s.ReadRange(ctx, "room-1", 0, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("retained: got %d, want 5", len(msgs))
	}
	if msgs[0].Seq != 6 || msgs[4].Seq != 10 {
		t.Errorf("retained range: got %d..%d, want 6..10", msgs[0].Seq, msgs[4].Seq)
	}

	// Sequence numbering is unaffected by pruning.
	last, err := s.LastSeq(ctx, "room-1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 10 {
		t.Errorf("LastSeq: got %d, want 10", last)
	}
}

func TestSetRetentionUnknownConversation(t *testing.T) {
	s := newTestStore(t)

	err := s.SetRetention(context.Background(), "no-such-room", 5)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Indexing ---

func TestNextPendingAndSetEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 3)

	pending, err := s.NextPending(ctx, 10)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending: got %d, want 3", len(pending))
	}

	if err := s.SetEmbedding(ctx, "room-1", 1, []float32{0.1, 0.2}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	pending, err = s.NextPending(ctx, 10)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending after indexing one: got %d, want 2", len(pending))
	}

	indexed, err := s.IndexedMessages(ctx, "room-1")
	if err != nil {
		t.Fatalf("IndexedMessages: %v", err)
	}
	if len(indexed) != 1 {
		t.Fatalf("indexed: got %d, want 1", len(indexed))
	}
	if len(indexed[0].Embedding) != 2 {
		t.Errorf("embedding length: got %d, want 2", len(indexed[0].Embedding))
	}
}

func TestSetEmbeddingIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 1)

	if err := s.SetEmbedding(ctx, "room-1", 1, []float32{1, 0}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	// Second attempt targets a message that is no longer pending; it must not
	// overwrite the stored vector.
	if err := s.SetEmbedding(ctx, "room-1", 1, []float32{0, 1}); err != nil {
		t.Fatalf("SetEmbedding (repeat): %v", err)
	}

	indexed, err := s.IndexedMessages(ctx, "room-1")
	if err != nil {
		t.Fatalf("IndexedMessages: %v", err)
	}
	if len(indexed) != 1 {
		t.Fatalf("indexed: got %d, want 1", len(indexed))
	}
	if indexed[0].Embedding[0] != 1 || indexed[0].Embedding[1] != 0 {
		t.Errorf("embedding overwritten: got %v", indexed[0].Embedding)
	}
}

func TestMarkIndexFailedKeepsMessageReadable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "room-1", 1)

	if err := s.MarkIndexFailed(ctx, "room-1", 1, 3); err != nil {
		t.Fatalf("MarkIndexFailed: %v", err)
	}

	m, err := s.GetMessage(ctx, "room-1", 1)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.IndexStatus != store.IndexFailed {
		t.Errorf("IndexStatus: got %q, want %q", m.IndexStatus, store.IndexFailed)
	}

	recent, err := s.ReadRecent(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("failed message missing from recency window")
	}

	indexed, err := s.IndexedMessages(ctx, "room-1")
	if err != nil {
		t.Fatalf("IndexedMessages: %v", err)
	}
	if len(indexed) != 0 {
		t.Errorf("failed message leaked into indexed set")
	}
}

// --- Agent sessions ---

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.AgentSession{
		AgentID:            "helper",
		CompletionEndpoint: "http://localhost:1234/v1",
		CompletionModel:    "local-model",
		Persona:            "socrates",
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "helper")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CompletionEndpoint != sess.CompletionEndpoint {
		t.Errorf("CompletionEndpoint: got %q, want %q", got.CompletionEndpoint, sess.CompletionEndpoint)
	}
	if got.Persona != "socrates" {
		t.Errorf("Persona: got %q, want %q", got.Persona, "socrates")
	}

	if err := s.CreateSession(ctx, sess); !errors.Is(err, store.ErrDuplicateAgent) {
		t.Errorf("expected ErrDuplicateAgent, got %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("sessions: got %d, want 1", len(sessions))
	}

	if err := s.DeleteSession(ctx, "helper"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "helper"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteSession(ctx, "helper"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on repeated delete, got %v", err)
	}
}

// --- Watermarks ---

func TestWatermarkMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, &store.AgentSession{AgentID: "helper"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	wm, err := s.Watermark(ctx, "helper", "room-1")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm != 0 {
		t.Errorf("initial watermark: got %d, want 0", wm)
	}

	if err := s.AdvanceWatermark(ctx, "helper", "room-1", 7); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	// Moving backwards is silently ignored.
	if err := s.AdvanceWatermark(ctx, "helper", "room-1", 3); err != nil {
		t.Fatalf("AdvanceWatermark (backwards): %v", err)
	}

	wm, err = s.Watermark(ctx, "helper", "room-1")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm != 7 {
		t.Errorf("watermark: got %d, want 7", wm)
	}

	// Watermarks are scoped per conversation.
	wm, err = s.Watermark(ctx, "helper", "room-2")
	if err != nil {
		t.Fatalf("Watermark (other room): %v", err)
	}
	if wm != 0 {
		t.Errorf("watermark for untouched room: got %d, want 0", wm)
	}
}
