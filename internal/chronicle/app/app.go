// Package app provides the main Chronicle application: it wires the store,
// embedding pipeline, retrieval, dispatch, coordinator, and gateway together
// and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avedran/chronicle/common/retry"
	"github.com/avedran/chronicle/internal/chronicle/assemble"
	"github.com/avedran/chronicle/internal/chronicle/coordinator"
	"github.com/avedran/chronicle/internal/chronicle/dispatch"
	"github.com/avedran/chronicle/internal/chronicle/embed"
	"github.com/avedran/chronicle/internal/chronicle/gateway"
	"github.com/avedran/chronicle/internal/chronicle/index"
	"github.com/avedran/chronicle/internal/chronicle/persona"
	"github.com/avedran/chronicle/internal/chronicle/retrieval"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// Config holds application configuration.
type Config struct {
	// HTTPAddr is the TCP address the gateway listens on, e.g. ":8600".
	HTTPAddr string

	// DatabasePath is the SQLite file backing the message store.
	DatabasePath string

	// PersonasFS is an optional filesystem rooted at the persona directory.
	// When nil, agents run with generic system prompts.
	PersonasFS fs.FS

	// EmbeddingEndpoint is the default embedder base URL used by the indexer
	// and for context queries of agents that bind no embedder of their own.
	// Empty disables embedding: the service runs on recency alone.
	EmbeddingEndpoint string
	// EmbeddingModel is the default embedding model identifier.
	EmbeddingModel string
	// EmbeddingAPIKey is the bearer token for the embedding endpoint.
	EmbeddingAPIKey string

	// CompletionAPIKey is an optional shared bearer token applied to agent
	// completion endpoints.
	CompletionAPIKey string

	// WindowSize is the recency window length (default 10).
	WindowSize int
	// TopK is the relevance set size (default 10).
	TopK int

	// RetryAttempts bounds retries for embedding and completion calls.
	RetryAttempts int
	// CallTimeout is the per-call timeout for upstream model calls.
	CallTimeout time.Duration

	// IndexWorkers is the size of the embedding worker pool.
	IndexWorkers int

	// DefaultRetention is the per-conversation retained message cap applied
	// to new conversations. Zero means unlimited.
	DefaultRetention int

	// LockTimeout bounds the wait for a conversation's append lock.
	LockTimeout time.Duration

	// LogLevel and LogFormat configure the global logger.
	LogLevel  string
	LogFormat string
}

// App is the assembled Chronicle service.
type App struct {
	cfg       Config
	store     *store.Store
	indexer   *index.Indexer
	gateway   *gateway.Server
	runCancel context.CancelFunc
}

// New wires up the application from configuration.
func New(cfg Config) (*App, error) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8600"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./chronicle.db"
	}

	st, err := store.New(cfg.DatabasePath, store.Options{
		LockTimeout:      cfg.LockTimeout,
		DefaultRetention: cfg.DefaultRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	var embedder embed.Embedder
	if cfg.EmbeddingEndpoint != "" {
		embedder = embed.NewClient(embed.Config{
			BaseURL: cfg.EmbeddingEndpoint,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
			Timeout: cfg.CallTimeout,
		})
	} else {
		slog.Info("no embedding endpoint configured, similarity retrieval disabled")
		embedder = embed.Noop{}
	}

	retryCfg := retry.Config{
		MaxAttempts:  cfg.RetryAttempts,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}

	var ix *index.Indexer
	if cfg.EmbeddingEndpoint != "" {
		ix = index.New(st, embedder, index.Config{
			Workers: cfg.IndexWorkers,
			Retry:   retryCfg,
		})
	}

	engine := retrieval.New(st, embedder)
	asm := assemble.New(st, engine)
	if cfg.WindowSize > 0 {
		asm.WindowSize = cfg.WindowSize
	}
	if cfg.TopK > 0 {
		asm.TopK = cfg.TopK
	}

	dispatcher := dispatch.New(dispatch.Config{
		Retry:       retryCfg,
		CallTimeout: cfg.CallTimeout,
	})
	dispatcher.APIKey = cfg.CompletionAPIKey

	var personas *persona.Registry
	if cfg.PersonasFS != nil {
		personas = persona.NewRegistry(cfg.PersonasFS)
		if names, err := personas.List(); err == nil {
			slog.Info("persona registry loaded", "personas", len(names))
		}
	}

	var notifier interface{ Notify() }
	if ix != nil {
		notifier = ix
	}
	coord := coordinator.New(st, asm, dispatcher, personas, notifier, coordinator.Config{
		WindowSize:  asm.WindowSize,
		TopK:        asm.TopK,
		EmbedAPIKey: cfg.EmbeddingAPIKey,
	})

	gw := gateway.New(st, coord, asm, personas)

	return &App{
		cfg:     cfg,
		store:   st,
		indexer: ix,
		gateway: gw,
	}, nil
}

// Run starts the indexer and gateway and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.runCancel = stop

	if a.indexer != nil {
		go a.indexer.Run(ctx)
	}

	if err := a.gateway.Start(ctx, a.cfg.HTTPAddr); err != nil {
		return err
	}

	slog.Info("chronicle running", "addr", a.cfg.HTTPAddr, "db", a.cfg.DatabasePath)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// Stop releases the application's resources.
func (a *App) Stop() {
	if a.runCancel != nil {
		a.runCancel()
	}
	a.gateway.Stop()
	if err := a.store.Close(); err != nil {
		slog.Warn("closing store", "err", err)
	}
}
