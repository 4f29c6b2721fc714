package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"kgchat/internal/api"
	"kgchat/internal/audit"
	"kgchat/internal/auth"
	"kgchat/internal/config"
	"kgchat/internal/observability"
	"kgchat/internal/ratelimit"
	"kgchat/internal/redis"
	"kgchat/internal/service/compose"
	"kgchat/internal/service/feedback"
	"kgchat/internal/service/guardrail"
	"kgchat/internal/service/knowledge"
	"kgchat/internal/service/quality"
	"kgchat/internal/service/translator"
	"kgchat/internal/service/turn"
	"kgchat/internal/storage"
	"kgchat/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(os.Getenv("KGCHAT_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	dbType := cfg.BasicConfig.DatabaseDriver
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	feedbackService := feedback.NewService(db, dbType)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	var (
		limiter ratelimit.Limiter
		rdb     *redis.Client
	)
	switch cfg.RateLimit.Backend {
	case "memory":
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Requests, cfg.RateLimitWindow(), metrics)
	default:
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.Requests, cfg.RateLimitWindow(), metrics)
	}

	translatorClient := translator.NewClient(translator.Options{
		Endpoint:        cfg.Translator.Endpoint,
		Key:             cfg.Translator.Key,
		Region:          cfg.Translator.Location,
		Category:        cfg.Translator.CategoryID,
		WorkingLanguage: cfg.Translator.WorkingLanguage,
		Timeout:         time.Duration(cfg.Translator.Timeout) * time.Second,
	})

	var classifier guardrail.Classifier
	if cfg.Guardrail.IsEnabled() {
		classifier, err = guardrail.NewClient(guardrail.Options{
			APIKey:     cfg.Guardrail.OpenAIKey,
			Endpoint:   cfg.Guardrail.AzureEndpoint,
			APIVersion: cfg.Guardrail.APIVersion,
			Model:      cfg.Guardrail.Model,
			Timeout:    time.Duration(cfg.Guardrail.Timeout) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init guardrail: %w", err)
		}
	}

	kgClient := knowledge.NewClient(cfg.KnowledgeGraph.BaseURL, cfg.SearchTimeout(), cfg.QuestionsTimeout())

	catalog := compose.NewCatalog(nil)
	if path := cfg.BasicConfig.ProductCatalogPath; path != "" {
		if catalog, err = compose.LoadCatalog(path); err != nil {
			return fmt.Errorf("load product catalog: %w", err)
		}
		logger.Info("product catalog loaded", "products", len(catalog.All()))
	}

	var (
		auditor    turn.Auditor
		closeAudit func() error
	)
	switch cfg.Audit.Backend {
	case "local":
		store, err := audit.NewLocalStore(cfg.Audit.Directory)
		if err != nil {
			return fmt.Errorf("open audit directory: %w", err)
		}
		auditor = audit.NewLogger(store)
	case "gcs":
		store, err := audit.NewGCSStore(ctx, cfg.Audit.Bucket, cfg.Audit.CredentialsFile)
		if err != nil {
			return fmt.Errorf("open audit bucket: %w", err)
		}
		auditor = audit.NewLogger(store)
		closeAudit = store.Close
	}

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Second,
		JobTimeout:  30 * time.Second,
	}, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := drainAudit(closeCtx, dispatcher, closeAudit); err != nil {
			logger.Error("drain audit jobs", "error", err)
		}
	}()

	turnService, err := turn.NewService(turn.Deps{
		Store:      feedbackService,
		Limiter:    limiter,
		Translator: translatorClient,
		Guardrail:  classifier,
		Knowledge:  kgClient,
		Catalog:    catalog,
		Evaluator:  quality.NewEvaluator(quality.LexicalScorer{}, metrics, logger),
		Auditor:    auditor,
		Jobs:       dispatcher,
		Logger:     logger,
	}, turn.Options{
		SecondaryLanguages:   cfg.Translator.SecondaryLanguages,
		MaxConversationTurns: cfg.BasicConfig.MaxConversationTurns,
	})
	if err != nil {
		return fmt.Errorf("init turn service: %w", err)
	}

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth service: %w", err)
	}

	handlers := api.NewHandler(feedbackService, turnService, kgClient, authService, api.Options{
		GuardrailEnabled: cfg.Guardrail.IsEnabled(),
		Ready: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName), metrics.RequestMiddleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "guardrail", cfg.Guardrail.IsEnabled(), "rate_limit_backend", cfg.RateLimit.Backend, "audit_backend", cfg.Audit.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// drainAudit waits for queued audit appends, then closes their store.
func drainAudit(ctx context.Context, jobs *worker.Dispatcher, closeStore func() error) error {
	err := jobs.Close(ctx)
	if closeStore != nil {
		err = errors.Join(err, closeStore())
	}
	return err
}
