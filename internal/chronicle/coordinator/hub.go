package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Notification tells an agent that a new message is available. It carries
// metadata only; agents fetch content and context through the API, never
// through shared state.
type Notification struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	AuthorID       string    `json:"author_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// subscriberBuffer is the per-subscription channel depth. A subscriber that
// falls this far behind is dropped rather than blocking the post path; the
// agent can resynchronise from its watermark via ReadRange.
const subscriberBuffer = 64

// Subscription is one agent's live notification stream.
type Subscription struct {
	AgentID string

	// C delivers notifications in store order. Closed when the subscription
	// is cancelled or dropped.
	C <-chan Notification

	ch            chan Notification
	conversations map[string]struct{} // nil means all conversations
	once          sync.Once
	hub           *Hub
}

// wants reports whether the subscription receives notifications for the
// conversation. An unfiltered subscription receives all of them.
func (s *Subscription) wants(conversationID string) bool {
	if len(s.conversations) == 0 {
		return true
	}
	_, ok := s.conversations[conversationID]
	return ok
}

// Cancel detaches the subscription and closes its channel. Safe to call
// multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Hub fans out message-available notifications to subscribed agents. Each
// append is published exactly once, so no subscription receives the same
// message twice; delivery order matches the store order because Publish is
// called from the post path after the append commits.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{} // agent id → live subscriptions
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches a notification stream for the given agent. When
// conversation ids are given, the stream only carries those conversations;
// with none it carries every conversation.
func (h *Hub) Subscribe(agentID string, conversations ...string) *Subscription {
	sub := &Subscription{
		AgentID: agentID,
		ch:      make(chan Notification, subscriberBuffer),
		hub:     h,
	}
	sub.C = sub.ch
	if len(conversations) > 0 {
		sub.conversations = make(map[string]struct{}, len(conversations))
		for _, id := range conversations {
			sub.conversations[id] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[agentID] == nil {
		h.subs[agentID] = make(map[*Subscription]struct{})
	}
	h.subs[agentID][sub] = struct{}{}
	return sub
}

// Publish delivers the notification to every subscribed agent except the
// author. A subscription whose buffer is full is cancelled: dropping the
// subscriber keeps the post path non-blocking and the stream gap-free (the
// agent re-reads from its watermark on reconnect).
func (h *Hub) Publish(n Notification, authorID string) {
	h.mu.Lock()
	var stale []*Subscription
	for agentID, subs := range h.subs {
		if agentID == authorID {
			continue
		}
		for sub := range subs {
			if !sub.wants(n.ConversationID) {
				continue
			}
			select {
			case sub.ch <- n:
			default:
				stale = append(stale, sub)
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range stale {
		slog.Warn("coordinator: dropping slow notification subscriber",
			"agent", sub.AgentID, "conversation", n.ConversationID, "seq", n.MessageID)
		sub.Cancel()
	}
}

// remove detaches a subscription from the hub.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[sub.AgentID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.AgentID)
		}
	}
}

// DropAgent cancels every live subscription of the agent. Called on
// deregistration.
func (h *Hub) DropAgent(agentID string) {
	h.mu.Lock()
	subs := h.subs[agentID]
	list := make([]*Subscription, 0, len(subs))
	for sub := range subs {
		list = append(list, sub)
	}
	h.mu.Unlock()

	for _, sub := range list {
		sub.Cancel()
	}
}
