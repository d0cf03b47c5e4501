// Package coordinator owns the set of registered agent sessions and the
// routing between them: it serializes the write path for new messages,
// notifies the other participants of a conversation, and drives the
// build-context → dispatch → append-reply cycle for completion requests.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avedran/chronicle/internal/chronicle/assemble"
	"github.com/avedran/chronicle/internal/chronicle/dispatch"
	"github.com/avedran/chronicle/internal/chronicle/embed"
	"github.com/avedran/chronicle/internal/chronicle/persona"
	"github.com/avedran/chronicle/internal/chronicle/retrieval"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// ErrUnknownPersona is returned by Register when the referenced persona does
// not exist in the registry.
var ErrUnknownPersona = errors.New("coordinator: unknown persona")

// ErrEmptyConversation is returned by Complete when the conversation has no
// messages to respond to.
var ErrEmptyConversation = errors.New("coordinator: conversation has no messages")

// indexNotifier is the slice of the indexer the coordinator needs: a wakeup
// after each append.
type indexNotifier interface {
	Notify()
}

// Config tunes the coordinator's context building.
type Config struct {
	// WindowSize is the recency window length for assembled contexts.
	WindowSize int
	// TopK is the relevance set size for assembled contexts.
	TopK int
	// EmbedAPIKey is an optional shared bearer token for per-agent embedding
	// endpoints.
	EmbedAPIKey string
}

// Coordinator routes messages between agents, humans, and the store.
type Coordinator struct {
	store      *store.Store
	assembler  *assemble.Assembler
	dispatcher *dispatch.Dispatcher
	personas   *persona.Registry
	indexer    indexNotifier
	hub        *Hub
	cfg        Config
}

// New creates a Coordinator. assembler is the default context assembler,
// built on the service-wide embedder; sessions with their own embedding
// endpoint get a per-call assembler instead (the endpoint must serve the
// same vector space the indexer writes, or similarity scores are noise).
func New(st *store.Store, asm *assemble.Assembler, d *dispatch.Dispatcher, personas *persona.Registry, ix indexNotifier, cfg Config) *Coordinator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = assemble.DefaultWindowSize
	}
	if cfg.TopK <= 0 {
		cfg.TopK = assemble.DefaultTopK
	}
	return &Coordinator{
		store:      st,
		assembler:  asm,
		dispatcher: d,
		personas:   personas,
		indexer:    ix,
		hub:        NewHub(),
		cfg:        cfg,
	}
}

// Hub exposes the notification hub for the gateway's feed handler.
func (c *Coordinator) Hub() *Hub {
	return c.hub
}

// Post appends a message to its conversation, wakes the indexer, and fans a
// message-available notification out to every subscribed agent except the
// author. The fanout runs inside the conversation's append critical section,
// so every subscriber observes notifications in the same order the store
// assigned the seqs. The append is the only store mutation; notification
// delivery is best-effort and never blocks the write path.
func (c *Coordinator) Post(ctx context.Context, msg *store.Message) (int64, error) {
	return c.store.AppendThen(ctx, msg, func(seq int64) {
		if c.indexer != nil {
			c.indexer.Notify()
		}

		c.hub.Publish(Notification{
			ConversationID: msg.ConversationID,
			MessageID:      seq,
			AuthorID:       msg.AuthorID,
			Role:           msg.Role,
			CreatedAt:      msg.CreatedAt,
		}, msg.AuthorID)
	})
}

// Register validates and persists a new agent session. The persona reference
// must resolve in the registry when one is given.
func (c *Coordinator) Register(ctx context.Context, sess *store.AgentSession) error {
	if sess.Persona != "" && c.personas != nil {
		if _, err := c.personas.Load(sess.Persona); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrUnknownPersona, sess.Persona, err)
		}
	}
	return c.store.CreateSession(ctx, sess)
}

// Deregister removes an agent session and cancels its notification streams.
func (c *Coordinator) Deregister(ctx context.Context, agentID string) error {
	if err := c.store.DeleteSession(ctx, agentID); err != nil {
		return err
	}
	c.hub.DropAgent(agentID)
	return nil
}

// Sessions lists the registered agent sessions.
func (c *Coordinator) Sessions(ctx context.Context) ([]*store.AgentSession, error) {
	return c.store.ListSessions(ctx)
}

// Skip records that the agent has chosen not to respond to messages up to seq
// in the conversation. The watermark only ever advances.
func (c *Coordinator) Skip(ctx context.Context, agentID, conversationID string, seq int64) error {
	if _, err := c.store.GetSession(ctx, agentID); err != nil {
		return err
	}
	return c.store.AdvanceWatermark(ctx, agentID, conversationID, seq)
}

// Reply is the outcome of a successful completion cycle.
type Reply struct {
	MessageID int64
	Text      string
	Usage     dispatch.TokenUsage
}

// Complete runs the full cycle for one agent and conversation: assemble the
// context for the newest message, dispatch to the agent's bound completion
// endpoint, append the reply as a new agent message (re-entering the
// pipeline), and advance the agent's watermark to the message it reacted to.
//
// A failed dispatch leaves the store untouched: the triggering message
// already exists and no reply is written, so the agent can retry the whole
// operation.
func (c *Coordinator) Complete(ctx context.Context, conversationID, agentID string) (*Reply, error) {
	sess, err := c.store.GetSession(ctx, agentID)
	if err != nil {
		return nil, err
	}

	last, err := c.store.LastSeq(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyConversation, conversationID)
	}

	newest, err := c.store.GetMessage(ctx, conversationID, last)
	if err != nil {
		return nil, err
	}

	bundle, err := c.assemblerFor(sess).Build(ctx, conversationID, newest.Content)
	if err != nil {
		return nil, err
	}

	systemPrompt := ""
	if sess.Persona != "" && c.personas != nil {
		if p, perr := c.personas.Load(sess.Persona); perr == nil {
			systemPrompt = p.FullSystemPrompt()
		} else {
			slog.Warn("coordinator: persona unavailable, using generic prompt",
				"agent", agentID, "persona", sess.Persona, "err", perr)
		}
	}

	result, err := c.dispatcher.Dispatch(ctx, sess, dispatch.PromptInput{
		AgentID:      agentID,
		SystemPrompt: systemPrompt,
		Bundle:       bundle,
		NewMessage:   *newest,
	})
	if err != nil {
		return nil, err
	}

	reply := &store.Message{
		ConversationID: conversationID,
		AuthorID:       agentID,
		Role:           store.RoleAgent,
		Content:        result.Reply,
	}
	replySeq, err := c.Post(ctx, reply)
	if err != nil {
		return nil, err
	}

	if err := c.store.AdvanceWatermark(ctx, agentID, conversationID, newest.Seq); err != nil {
		// The reply is already committed; a watermark failure only risks a
		// duplicate reaction after restart, so log and return the reply.
		slog.Error("coordinator: advance watermark", "agent", agentID,
			"conversation", conversationID, "seq", newest.Seq, "err", err)
	}

	return &Reply{
		MessageID: replySeq,
		Text:      result.Reply,
		Usage:     result.Usage,
	}, nil
}

// assemblerFor returns the context assembler for the session: the default
// one, or a per-session assembler when the agent binds its own embedding
// endpoint.
func (c *Coordinator) assemblerFor(sess *store.AgentSession) *assemble.Assembler {
	if sess.EmbeddingEndpoint == "" {
		return c.assembler
	}

	embedder := embed.NewClient(embed.Config{
		BaseURL: sess.EmbeddingEndpoint,
		Model:   sess.EmbeddingModel,
		APIKey:  c.cfg.EmbedAPIKey,
	})
	asm := assemble.New(c.store, retrieval.New(c.store, embedder))
	asm.WindowSize = c.cfg.WindowSize
	asm.TopK = c.cfg.TopK
	return asm
}
