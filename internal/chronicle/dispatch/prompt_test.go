package dispatch_test

import (
	"strings"
	"testing"
	"time"

	"github.com/avedran/chronicle/internal/chronicle/assemble"
	"github.com/avedran/chronicle/internal/chronicle/dispatch"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

func testBundle() *assemble.Bundle {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &assemble.Bundle{
		ConversationID: "room-1",
		Entries: []assemble.Entry{
			{
				Message:    store.Message{Seq: 9, AuthorID: "alice", Role: store.RoleHuman, Content: "recent question", CreatedAt: at},
				Provenance: assemble.ProvenanceRecent,
			},
			{
				Message:    store.Message{Seq: 10, AuthorID: "helper", Role: store.RoleAgent, Content: "recent answer", CreatedAt: at},
				Provenance: assemble.ProvenanceRecent,
			},
			{
				Message:    store.Message{Seq: 2, AuthorID: "bob", Role: store.RoleHuman, Content: "old but relevant", CreatedAt: at},
				Provenance: assemble.ProvenanceRelevant,
				Score:      0.9,
			},
		},
	}
}

func TestBuildMessagesStructure(t *testing.T) {
	msgs := dispatch.BuildMessages(dispatch.PromptInput{
		AgentID:      "helper",
		SystemPrompt: "You are a test persona.",
		Bundle:       testBundle(),
		NewMessage:   store.Message{Seq: 11, AuthorID: "alice", Role: store.RoleHuman, Content: "what now?"},
	})

	if msgs[0].Content != "You are a test persona." {
		t.Errorf("first message: got %q, want persona prompt", msgs[0].Content)
	}
	for i, m := range msgs {
		if m.Role != "system" {
			t.Errorf("msgs[%d].Role: got %q, want system", i, m.Role)
		}
	}

	joined := joinContents(msgs)
	markers := []string{
		"--- Retrieved Context Start ---",
		"old but relevant",
		"--- Retrieved Context End ---",
		"--- Recent Messages Start ---",
		"recent question",
		"recent answer",
		"--- Recent Messages End ---",
		"--- Task ---",
		"Respond to: [Message 11] Speaker: alice (Type: Human) said: what now?",
	}
	pos := -1
	for _, marker := range markers {
		idx := strings.Index(joined, marker)
		if idx < 0 {
			t.Fatalf("marker %q missing from prompt", marker)
		}
		if idx < pos {
			t.Errorf("marker %q out of order", marker)
		}
		pos = idx
	}
}

func TestBuildMessagesEntryFormat(t *testing.T) {
	msgs := dispatch.BuildMessages(dispatch.PromptInput{
		AgentID:    "helper",
		Bundle:     testBundle(),
		NewMessage: store.Message{Seq: 11, AuthorID: "alice", Role: store.RoleHuman, Content: "hi"},
	})

	joined := joinContents(msgs)
	wantLines := []string{
		"[Message 2]",
		"Speaker: bob (Type: Human)",
		"Time: 2025-06-01T12:00:00Z",
		"Message: old but relevant",
	}
	for _, line := range wantLines {
		if !strings.Contains(joined, line) {
			t.Errorf("prompt missing line %q", line)
		}
	}
	if !strings.Contains(joined, "Speaker: helper (Type: AI Assistant)") {
		t.Error("agent speaker not labelled AI Assistant")
	}
}

func TestBuildMessagesGenericPersona(t *testing.T) {
	msgs := dispatch.BuildMessages(dispatch.PromptInput{
		AgentID:    "helper",
		Bundle:     &assemble.Bundle{ConversationID: "room-1"},
		NewMessage: store.Message{Seq: 1, AuthorID: "alice", Role: store.RoleHuman, Content: "hi"},
	})

	if !strings.Contains(msgs[0].Content, "You are helper") {
		t.Errorf("generic persona should name the agent, got %q", msgs[0].Content)
	}
}

func joinContents(msgs []dispatch.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
