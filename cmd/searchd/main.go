package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spxlab/picsearch/internal/config"
	"github.com/spxlab/picsearch/internal/embedder"
	"github.com/spxlab/picsearch/internal/ltr"
	"github.com/spxlab/picsearch/internal/repository"
	"github.com/spxlab/picsearch/internal/repository/postgres"
	"github.com/spxlab/picsearch/internal/repository/sqlite"
	"github.com/spxlab/picsearch/internal/rerank"
	"github.com/spxlab/picsearch/internal/search"
	"github.com/spxlab/picsearch/internal/server"
	"github.com/spxlab/picsearch/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting image search service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"reranking_enabled", cfg.RerankingEnabled,
		"rerank_backend", cfg.RerankBackend,
	)

	// Initialize feedback storage
	feedbackRepo, closeFeedback, err := newFeedbackRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFeedback()

	// Initialize Qdrant vector store
	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.VectorDimension); err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	// Initialize CLIP embedder
	embed := embedder.NewClipEmbedder(embedder.ClipConfig{
		BaseURL:   cfg.ClipURL,
		Model:     cfg.ClipModel,
		Dimension: cfg.VectorDimension,
	})
	slog.Info("initialized CLIP embedder", "model", cfg.ClipModel)

	// Initialize rerank service
	scheme, err := ltr.ParseScheme(cfg.RerankScheme)
	if err != nil {
		return err
	}
	rerankSvc, err := rerank.New(rerank.Config{
		Backend:    cfg.RerankBackend,
		Scheme:     scheme,
		ModelPath:  cfg.RerankModelPath,
		MaxHistory: cfg.MaxTrainingHistory,
	}, vectorStore, feedbackRepo, embed, cfg.VectorDimension, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create rerank service: %w", err)
	}
	if cfg.RerankingEnabled {
		rerankSvc.Enable()
	}

	// Initialize search coordinator
	coordinator := search.NewCoordinator(embed, vectorStore, rerankSvc, search.Options{
		CoarseMultiplier: cfg.CoarseMultiplier,
		MaxCandidates:    cfg.MaxCandidates,
		DefaultTopK:      cfg.DefaultTopK,
		DefaultThreshold: cfg.DefaultThreshold,
	}, slog.Default())

	// Create HTTP server
	handlers := server.NewHandlers(coordinator, rerankSvc, feedbackRepo, slog.Default())
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		AdminAPIKey:    cfg.AdminAPIKey,
	}, handlers)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// newFeedbackRepo builds the configured feedback store: PostgreSQL for
// shared deployments, embedded SQLite for single-node setups.
func newFeedbackRepo(ctx context.Context, cfg *config.Config) (repository.FeedbackRepository, func(), error) {
	switch cfg.FeedbackDriver {
	case "sqlite":
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("using embedded SQLite feedback store", "path", cfg.SQLitePath)
		return sqlite.NewFeedbackRepo(db), func() { db.Close() }, nil
	default:
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL feedback store")
		return postgres.NewFeedbackRepo(db), func() { db.Close() }, nil
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.FeedbackRepository = (*postgres.FeedbackRepo)(nil)
	_ repository.FeedbackRepository = (*sqlite.FeedbackRepo)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder             = (*embedder.ClipEmbedder)(nil)
	_ search.Reranker               = (*rerank.Service)(nil)
)
