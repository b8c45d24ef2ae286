package main

import (
	"context"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finsight-ai/finsight-agent/internal/adapters"
	"github.com/finsight-ai/finsight-agent/internal/auth"
	"github.com/finsight-ai/finsight-agent/internal/citation"
	"github.com/finsight-ai/finsight-agent/internal/config"
	"github.com/finsight-ai/finsight-agent/internal/fanout"
	"github.com/finsight-ai/finsight-agent/internal/metrics"
	"github.com/finsight-ai/finsight-agent/internal/middleware"
	"github.com/finsight-ai/finsight-agent/internal/research"
	"github.com/finsight-ai/finsight-agent/internal/store"
	"github.com/finsight-ai/finsight-agent/internal/streaming"
	"github.com/finsight-ai/finsight-agent/internal/synthesis"
	"github.com/finsight-ai/finsight-agent/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	rcfg, err := config.LoadResearch()
	if err != nil {
		logger.Fatal("research config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── PostgreSQL ────────────────────────────────────────────
	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect", zap.Error(err))
	}
	defer pgPool.Close()
	pgStore := store.NewPostgresStore(pgPool)
	if err := pgStore.Migrate(ctx); err != nil {
		logger.Fatal("postgres migrate", zap.Error(err))
	}
	sink := telemetry.NewPostgresSink(pgPool)
	if err := sink.Migrate(ctx); err != nil {
		logger.Fatal("telemetry migrate", zap.Error(err))
	}

	// ── MongoDB ──────────────────────────────────────────────
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal("mongo connect", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)
	runStore := store.NewMongoStore(mongoDB)

	// ── Redis ────────────────────────────────────────────────
	rdb, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer rdb.Close()
	sessions := auth.NewSessionStore(rdb)
	runStatus := store.NewRunStatusStore(rdb)

	// ── MinIO ────────────────────────────────────────────────
	minioStore, err := store.NewMinioStore(
		ctx, cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL,
	)
	if err != nil {
		logger.Fatal("minio connect", zap.Error(err))
	}

	// ── Source registry ──────────────────────────────────────
	all := []adapters.SourceAdapter{
		adapters.NewFilingsAdapter(mongoDB, minioStore, logger),
		adapters.NewTranscriptsAdapter(),
		adapters.NewNewsAdapter(),
		adapters.NewMarketDataAdapter(),
	}
	enabled := make([]adapters.SourceAdapter, 0, len(all))
	for _, a := range all {
		if slices.Contains(rcfg.Sources, a.ID()) {
			enabled = append(enabled, a)
		}
	}
	registry, err := adapters.NewRegistry(enabled...)
	if err != nil {
		logger.Fatal("adapter registry", zap.Error(err))
	}
	logger.Info("sources registered", zap.Strings("sources", registry.IDs()))

	// ── Pipeline ─────────────────────────────────────────────
	pool := fanout.New(fanout.Config{
		Workers:      rcfg.Fanout.PoolSize,
		Stagger:      time.Duration(rcfg.Fanout.StaggerMs) * time.Millisecond,
		QueryTimeout: time.Duration(rcfg.Fanout.QueryTimeoutMs) * time.Millisecond,
		Attempts:     rcfg.Fanout.RetryAttempts,
		Backoff:      time.Duration(rcfg.Fanout.RetryBackoffMs) * time.Millisecond,
	}, logger)
	synthClient := synthesis.NewClient(cfg.SynthesisURL, logger)
	events := streaming.NewManager(rcfg.Events.RingCapacity)
	orch := research.NewOrchestrator(research.OrchestratorParams{
		Registry:       registry,
		Pool:           pool,
		Synth:          synthClient,
		Events:         events,
		Runs:           runStore,
		Files:          minioStore,
		Status:         runStatus,
		Sink:           sink,
		Links:          citation.NewLinkBuilder(rcfg.Citations.BasePath),
		FlushThreshold: rcfg.Resolver.FlushThreshold,
		Logger:         logger,
	})

	// ── Handlers ─────────────────────────────────────────────
	authHandler := auth.NewHandler(pgStore, sessions)
	researchHandler := research.NewHandler(
		orch, runStore, minioStore, runStatus, events,
		rcfg.Events.SubscriberBuffer, logger,
	)

	// ── Router ───────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.With(middleware.RequireAuth(sessions)).Get("/me", authHandler.Me)
	})

	r.Route("/api/research", func(r chi.Router) {
		r.Use(middleware.RequireAuth(sessions))
		r.Post("/", researchHandler.Create)
		r.Get("/", researchHandler.List)
		r.Get("/documents/*", researchHandler.DownloadDocument)
		r.Get("/{id}", researchHandler.Get)
		r.Delete("/{id}", researchHandler.Delete)
		r.Get("/{id}/stream", researchHandler.Stream)
		r.Get("/{id}/status", researchHandler.Status)
		r.Get("/{id}/answer", researchHandler.DownloadAnswer)
	})

	// ── Servers ──────────────────────────────────────────────
	api := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: time.Minute,
		// No write timeout: SSE streams stay open for the whole run.
	}
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("port", cfg.Port))
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		api.Shutdown(shutCtx)
		metricsSrv.Shutdown(shutCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
