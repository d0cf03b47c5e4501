package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/avedran/chronicle/common/environment"
	"github.com/avedran/chronicle/common/version"
	"github.com/avedran/chronicle/internal/chronicle/app"
	"github.com/avedran/chronicle/internal/chronicle/observability"
)

func main() {
	fmt.Printf("Chronicle Chat History Service\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// Load .env file; absence is fine in containerised deployments.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	config := loadConfig()
	observability.Setup(config.LogLevel, config.LogFormat)

	chronicle, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Chronicle: %v\n", err)
		os.Exit(1)
	}
	defer chronicle.Stop()

	if err := chronicle.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Chronicle: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables.
func loadConfig() app.Config {
	cfg := app.Config{
		HTTPAddr:          environment.StringOr("CHRONICLE_HTTP_ADDR", ":8600"),
		DatabasePath:      environment.StringOr("CHRONICLE_DATABASE_PATH", "./chronicle.db"),
		EmbeddingEndpoint: environment.StringOr("CHRONICLE_EMBEDDING_ENDPOINT", ""),
		EmbeddingModel:    environment.StringOr("CHRONICLE_EMBEDDING_MODEL", "embed"),
		EmbeddingAPIKey:   environment.StringOr("CHRONICLE_EMBEDDING_API_KEY", ""),
		CompletionAPIKey:  environment.StringOr("CHRONICLE_COMPLETION_API_KEY", ""),
		WindowSize:        environment.IntOr("CHRONICLE_RECENCY_WINDOW", 10),
		TopK:              environment.IntOr("CHRONICLE_RELEVANCE_TOP_K", 10),
		RetryAttempts:     environment.IntOr("CHRONICLE_RETRY_ATTEMPTS", 3),
		CallTimeout:       environment.DurationOr("CHRONICLE_CALL_TIMEOUT", 30*time.Second),
		IndexWorkers:      environment.IntOr("CHRONICLE_INDEX_WORKERS", 2),
		DefaultRetention:  environment.IntOr("CHRONICLE_DEFAULT_RETENTION", 0),
		LockTimeout:       environment.DurationOr("CHRONICLE_LOCK_TIMEOUT", 5*time.Second),
		LogLevel:          environment.StringOr("CHRONICLE_LOG_LEVEL", "info"),
		LogFormat:         environment.StringOr("CHRONICLE_LOG_FORMAT", "text"),
	}

	if dir := environment.StringOr("CHRONICLE_PERSONAS_DIR", ""); dir != "" {
		cfg.PersonasFS = os.DirFS(dir)
	}

	return cfg
}
