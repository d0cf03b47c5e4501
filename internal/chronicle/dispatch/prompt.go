package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/avedran/chronicle/internal/chronicle/assemble"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// PromptInput carries everything needed to serialize a completion prompt.
type PromptInput struct {
	// AgentID is the identity of the agent that will author the reply.
	AgentID string

	// SystemPrompt is the resolved persona system prompt. When empty a
	// generic multi-party prompt is used.
	SystemPrompt string

	// Bundle is the assembled context for the conversation.
	Bundle *assemble.Bundle

	// NewMessage is the message being responded to.
	NewMessage store.Message
}

// BuildMessages serializes the context bundle into the chat-message shape the
// completion endpoint expects. The prompt frames the retrieved context and
// the recent exchange as separate labelled blocks, then names the exact
// message the model must respond to:
//
//	system: <persona>
//	system: --- Retrieved Context Start --- ... --- Retrieved Context End ---
//	system: --- Recent Messages Start --- ... --- Recent Messages End ---
//	system: --- Task --- respond to message N
func BuildMessages(in PromptInput) []ChatMessage {
	system := in.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are %s, an AI assistant in a conversation with multiple humans and other AI assistants. Respond naturally to messages.", in.AgentID)
	}

	msgs := []ChatMessage{
		{Role: "system", Content: system},
		{Role: "system", Content: "--- Retrieved Context Start ---"},
	}

	for _, e := range in.Bundle.Relevant() {
		msgs = append(msgs, ChatMessage{Role: "system", Content: formatEntry(e.Message)})
	}

	msgs = append(msgs,
		ChatMessage{Role: "system", Content: "--- Retrieved Context End ---"},
		ChatMessage{Role: "system", Content: "--- Recent Messages Start ---"},
	)

	for _, e := range in.Bundle.Recent() {
		msgs = append(msgs, ChatMessage{Role: "system", Content: formatEntry(e.Message)})
	}

	msgs = append(msgs,
		ChatMessage{Role: "system", Content: "--- Recent Messages End ---"},
		ChatMessage{Role: "system", Content: "--- Task ---"},
		ChatMessage{Role: "system", Content: fmt.Sprintf(
			"Respond to: [Message %d] Speaker: %s (Type: %s) said: %s",
			in.NewMessage.Seq, in.NewMessage.AuthorID,
			speakerType(in.NewMessage.Role), in.NewMessage.Content)},
	)

	return msgs
}

// formatEntry renders one context message as a labelled block.
func formatEntry(m store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Message %d]\n", m.Seq)
	fmt.Fprintf(&b, "Speaker: %s (Type: %s)\n", m.AuthorID, speakerType(m.Role))
	fmt.Fprintf(&b, "Time: %s\n", m.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Message: %s", m.Content)
	return b.String()
}

// speakerType maps a stored role onto the label the prompt uses.
func speakerType(role string) string {
	if role == store.RoleHuman {
		return "Human"
	}
	return "AI Assistant"
}
