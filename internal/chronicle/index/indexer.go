// Package index runs the background embedding pipeline: it drains the store's
// pending-message queue, obtains a vector for each message from the external
// embedding endpoint, and flips the message's indexing status. The pipeline is
// eventually consistent with append order — retrieval lags behind storage,
// never ahead of it.
package index

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avedran/chronicle/common/retry"
	"github.com/avedran/chronicle/internal/chronicle/embed"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// Config tunes the indexer. The zero value gets the documented defaults.
type Config struct {
	// Workers is the size of the fixed worker pool. Default: 2.
	Workers int

	// PollInterval is how often the feeder checks for pending messages when
	// no append notification has arrived. Default: 2 s.
	PollInterval time.Duration

	// BatchSize is the maximum number of pending messages claimed per feeder
	// cycle. Default: 16.
	BatchSize int

	// Retry bounds the embedding attempts per message. After exhaustion the
	// message is marked failed and stays usable via the recency window only.
	Retry retry.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		PollInterval: 2 * time.Second,
		BatchSize:    16,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// Indexer drains the pending-embedding queue with a fixed worker pool.
type Indexer struct {
	store    *store.Store
	embedder embed.Embedder
	cfg      Config
	wake     chan struct{}
}

// New creates an Indexer. Run must be called to start processing.
func New(st *store.Store, embedder embed.Embedder, cfg Config) *Indexer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	return &Indexer{
		store:    st,
		embedder: embedder,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// Notify wakes the feeder after an append so new messages are picked up
// without waiting for the next poll tick. Never blocks.
func (ix *Indexer) Notify() {
	select {
	case ix.wake <- struct{}{}:
	default:
	}
}

// Run processes pending messages until ctx is cancelled. Each feeder cycle
// claims one batch and fans it out to the worker pool; the next batch is not
// claimed until the current one has fully settled, so a message is never
// in flight twice.
func (ix *Indexer) Run(ctx context.Context) {
	jobs := make(chan store.Message)
	var wg sync.WaitGroup

	var workers sync.WaitGroup
	for i := 0; i < ix.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range jobs {
				ix.process(ctx, msg)
				wg.Done()
			}
		}()
	}

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()

	for {
		batch, err := ix.store.NextPending(ctx, ix.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("indexer: fetch pending batch", "err", err)
			}
		} else if len(batch) > 0 {
			wg.Add(len(batch))
			for _, msg := range batch {
				select {
				case jobs <- msg:
				case <-ctx.Done():
					// Undo the Add for messages never handed out.
					wg.Done()
				}
			}
			wg.Wait()
			if ctx.Err() == nil {
				continue // drain without waiting when work remains
			}
		}

		select {
		case <-ctx.Done():
			close(jobs)
			workers.Wait()
			return
		case <-ix.wake:
		case <-ticker.C:
		}
	}
}

// process embeds one message with bounded retries and records the outcome.
func (ix *Indexer) process(ctx context.Context, msg store.Message) {
	var vec []float32

	cfg := ix.cfg.Retry
	cfg.ShouldRetry = func(err error) bool {
		return errors.Is(err, embed.ErrUnavailable)
	}

	err := retry.Do(ctx, cfg, func() error {
		v, embedErr := ix.embedder.Embed(ctx, msg.Content)
		if embedErr != nil {
			return embedErr
		}
		vec = v
		return nil
	})

	if ctx.Err() != nil {
		// Shutdown mid-attempt: leave the message pending so it is retried
		// after restart instead of being marked failed.
		return
	}

	if err != nil || len(vec) == 0 {
		// Index lag: the message stays fully usable via the recency window,
		// it is only absent from similarity retrieval.
		if markErr := ix.store.MarkIndexFailed(ctx, msg.ConversationID, msg.Seq, cfg.MaxAttempts); markErr != nil {
			if ctx.Err() == nil {
				slog.Error("indexer: mark failed", "conversation", msg.ConversationID, "seq", msg.Seq, "err", markErr)
			}
			return
		}
		slog.Warn("indexer: index lag, message usable via recency only",
			"conversation", msg.ConversationID, "seq", msg.Seq, "err", err)
		return
	}

	// SetEmbedding only touches messages still pending, so reprocessing an
	// already-indexed message is a no-op.
	if err := ix.store.SetEmbedding(ctx, msg.ConversationID, msg.Seq, vec); err != nil {
		if ctx.Err() == nil {
			slog.Error("indexer: store embedding", "conversation", msg.ConversationID, "seq", msg.Seq, "err", err)
		}
		return
	}

	slog.Debug("indexer: message indexed",
		"conversation", msg.ConversationID, "seq", msg.Seq, "dims", len(vec))
}
