package store

import (
	"context"
	"sync"
	"time"
)

// convLocks serializes appends per conversation. Each conversation gets a
// one-slot channel semaphore; acquisition is bounded so a stuck writer cannot
// wedge every later append to the same conversation. Appends to different
// conversations never contend with each other.
type convLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newConvLocks() *convLocks {
	return &convLocks{locks: make(map[string]chan struct{})}
}

// sem returns the semaphore channel for the given conversation, creating it
// on first use. Entries are never removed; the per-conversation footprint is
// one empty channel.
func (l *convLocks) sem(conversationID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[conversationID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[conversationID] = ch
	}
	return ch
}

// acquire takes the conversation's append lock, waiting at most timeout.
// Returns ErrLockTimeout when the lock could not be acquired in time, or the
// context error when ctx is cancelled first.
func (l *convLocks) acquire(ctx context.Context, conversationID string, timeout time.Duration) (release func(), err error) {
	ch := l.sem(conversationID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
