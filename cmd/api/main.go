package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/analytics"
	"github.com/cluebase/backend/internal/api/handlers"
	"github.com/cluebase/backend/internal/cache/redis"
	"github.com/cluebase/backend/internal/feedback"
	"github.com/cluebase/backend/internal/generator"
	"github.com/cluebase/backend/internal/intent"
	"github.com/cluebase/backend/internal/llm"
	"github.com/cluebase/backend/internal/metrics"
	"github.com/cluebase/backend/internal/middleware/security"
	"github.com/cluebase/backend/internal/middleware/validation"
	"github.com/cluebase/backend/internal/orchestrator"
	"github.com/cluebase/backend/internal/platform"
	slackadapter "github.com/cluebase/backend/internal/platform/slack"
	"github.com/cluebase/backend/internal/platform/telegram"
	"github.com/cluebase/backend/internal/ratelimit"
	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/internal/retrieval/chromem"
	"github.com/cluebase/backend/internal/retrieval/graph"
	"github.com/cluebase/backend/internal/retrieval/zilliz"
	"github.com/cluebase/backend/internal/session"
	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/internal/storage/postgres"
	"github.com/cluebase/backend/internal/storage/sqlite"
	"github.com/cluebase/backend/pkg/config"
	appLogger "github.com/cluebase/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Cluebase bot server")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openStorage(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer backend.Close()

	checks := map[string]handlers.Check{
		"storage": func(ctx context.Context) error {
			_, err := backend.GetSession(ctx, "readiness-probe")
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		},
	}

	var seen platform.SeenStore = platform.NewMemorySeenStore()
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		seen = redisClient
		checks["redis"] = redisClient.Ping
	}

	// Analytics side channel.
	hub := analytics.NewHub()
	sinks := []analytics.Sink{analytics.NewStoreSink(backend), hub}
	if cfg.AMQP.Enabled {
		publisher, err := analytics.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			appLogger.Fatal("Failed to create AMQP publisher", zap.Error(err))
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	emitter := analytics.NewEmitter(cfg.Bot.AnalyticsQueueSize, sinks...)
	emitter.Start()

	sessions := session.NewStore(backend,
		session.WithContextWindow(cfg.Bot.ContextWindow),
		session.WithCreateHook(func(s *models.Session) {
			emitter.Emit(s.WorkspaceID, analytics.EventSessionCreated, s.UserID, s.ID, map[string]any{
				"channel_id": s.ChannelID,
				"thread_key": s.ThreadKey,
			})
		}),
	)

	llmClient := llm.NewClient(cfg.LLM)
	var embedder retrieval.Embedder = llmClient
	if redisClient != nil {
		embedder = retrieval.NewCachedEmbedder(llmClient, redisClient, time.Duration(cfg.Retrieval.CacheTTLHours)*time.Hour)
	}

	searcher, closeSearch, err := openRetrieval(ctx, cfg, embedder)
	if err != nil {
		appLogger.Fatal("Failed to initialize retrieval", zap.Error(err))
	}
	defer closeSearch()

	gen := generator.New(searcher, llmClient, cfg.Bot.GenerationTimeout(), cfg.Retrieval.TopK)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.Bot.RateLimit.MaxRequests,
		Window:      cfg.Bot.RateLimit.Window(),
		Logger:      appLogger.GetLogger(),
	})
	defer limiter.Stop()

	recorder := feedback.NewRecorder(backend, cfg.Bot.FeedbackQueueSize, feedback.WithEmitter(emitter))
	recorder.Start()

	deps := orchestrator.Deps{
		Sessions:   sessions,
		Classifier: intent.New(cfg.Bot.ClassifierThreshold),
		Limiter:    limiter,
		Generator:  gen,
		Feedback:   recorder,
		Tracker:    feedback.NewTracker(0),
		Analytics:  emitter,
		Deduper:    platform.NewDeduper(seen, platform.DedupeTTL),
	}
	botOptions := generator.BotOptions{
		WorkspaceID:  cfg.Bot.WorkspaceID,
		BotID:        cfg.Bot.BotID,
		Name:         cfg.Bot.Name,
		SystemPrompt: cfg.Bot.SystemPrompt,
		Temperature:  cfg.LLM.Temperature,
	}

	sweeper := session.NewSweeper(sessions, cfg.Bot.SweepInterval(), cfg.Bot.SessionTimeoutHours, func(n int64) {
		metrics.SessionsClosed.Add(float64(n))
	})
	go sweeper.Run(ctx)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	var slackHandler *handlers.SlackHandler
	if cfg.Slack.Enabled {
		adapter := slackadapter.New(cfg.Slack)
		if err := adapter.Connect(ctx); err != nil {
			appLogger.Fatal("Failed to connect to Slack", zap.Error(err))
		}
		orch := orchestrator.New(orchestrator.Runtime{
			BotID:       cfg.Bot.BotID,
			BotUserID:   adapter.BotUserID(),
			WorkspaceID: cfg.Bot.WorkspaceID,
			Sender:      adapter,
			Options:     botOptions,
		}, deps, orchestrator.WithLowConfidenceThreshold(cfg.Bot.LowConfidenceThreshold))

		slackHandler = handlers.NewSlackHandler(adapter, orch)
		app.Post("/slack/events", validation.ContentType(fiber.MIMEApplicationJSON), slackHandler.HandleEvents)
		app.Post("/slack/interactions", validation.ContentType(fiber.MIMEApplicationForm), slackHandler.HandleInteractions)
	}

	telegramDone := make(chan struct{})
	if cfg.Telegram.Enabled {
		adapter, err := telegram.New(cfg.Telegram.Token, cfg.Bot.WorkspaceID)
		if err != nil {
			appLogger.Fatal("Failed to create Telegram bot", zap.Error(err))
		}
		orch := orchestrator.New(orchestrator.Runtime{
			BotID:       cfg.Bot.BotID,
			BotUserID:   adapter.BotUserID(),
			WorkspaceID: cfg.Bot.WorkspaceID,
			Sender:      adapter,
			Options:     botOptions,
		}, deps, orchestrator.WithLowConfidenceThreshold(cfg.Bot.LowConfidenceThreshold))

		go func() {
			defer close(telegramDone)
			adapter.Run(ctx, orch)
		}()
	} else {
		close(telegramDone)
	}

	healthHandler := handlers.NewHealthHandler(checks)
	app.Get("/health", healthHandler.Health)
	app.Get("/ready", healthHandler.Ready)
	app.Get("/metrics", metrics.MetricsHandler())

	apiLimiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.Server.APIRateLimit,
		Window:      time.Minute,
		Logger:      appLogger.GetLogger(),
	})
	defer apiLimiter.Stop()

	conversationHandler := handlers.NewConversationHandler(sessions, backend)
	api := app.Group("/api/v1", apiLimiter.Middleware())
	limit := validation.QueryInt("limit", 1, 200)
	api.Get("/sessions/:id/messages", validation.Identifiers("id"), limit, conversationHandler.GetSessionMessages)
	api.Get("/workspaces/:workspaceId/feedback", validation.Identifiers("workspaceId"), limit, conversationHandler.ListFeedback)

	wsHandler := handlers.NewWebSocketHandler(hub)
	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/events", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.Shutdown(); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if slackHandler != nil {
		if err := slackHandler.Wait(drainCtx); err != nil {
			appLogger.Warn("Slack events still in flight", zap.Error(err))
		}
	}

	cancel()
	<-telegramDone

	recorder.Stop()
	emitter.Close()
	appLogger.Info("Server stopped")
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return store, nil
	default:
		client, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return client, nil
	}
}

// openRetrieval builds the primary vector searcher and, when enabled, fuses
// the knowledge graph into it.
func openRetrieval(ctx context.Context, cfg *config.Config, embedder retrieval.Embedder) (retrieval.Searcher, func(), error) {
	var (
		primary retrieval.Searcher
		closers []func()
	)

	switch cfg.Retrieval.Backend {
	case "zilliz":
		client, err := zilliz.NewClient(ctx, cfg.Zilliz, embedder, cfg.Retrieval.TopK)
		if err != nil {
			return nil, nil, err
		}
		if err := client.EnsureCollection(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to ensure collection: %w", err)
		}
		primary = client
		closers = append(closers, func() { client.Close() })
	default:
		store, err := chromem.Open(cfg.Chromem.Path, cfg.Chromem.Collection, embedder, cfg.Retrieval.TopK)
		if err != nil {
			return nil, nil, err
		}
		primary = store
	}

	var secondary []retrieval.Searcher
	if cfg.Retrieval.GraphEnabled {
		kg, err := graph.NewClient(ctx, cfg.Neo4j)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		secondary = append(secondary, kg)
		closers = append(closers, func() { kg.Close(context.Background()) })
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return retrieval.NewFusedSearcher(primary, cfg.Retrieval.TopK, cfg.Retrieval.MinScore, secondary...), closeAll, nil
}
