package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/arthur-zhang/conduit/internal/adapter/claude"
	"github.com/arthur-zhang/conduit/internal/adapter/codex"
	"github.com/arthur-zhang/conduit/internal/adapter/gemini"
	"github.com/arthur-zhang/conduit/internal/adapter/gitlocal"
	conduithttp "github.com/arthur-zhang/conduit/internal/adapter/http"
	conduitnats "github.com/arthur-zhang/conduit/internal/adapter/nats"
	conduitotel "github.com/arthur-zhang/conduit/internal/adapter/otel"
	"github.com/arthur-zhang/conduit/internal/adapter/postgres"
	"github.com/arthur-zhang/conduit/internal/adapter/ristretto"
	"github.com/arthur-zhang/conduit/internal/adapter/ws"
	"github.com/arthur-zhang/conduit/internal/config"
	"github.com/arthur-zhang/conduit/internal/git"
	"github.com/arthur-zhang/conduit/internal/logger"
	"github.com/arthur-zhang/conduit/internal/port/messagequeue"
	"github.com/arthur-zhang/conduit/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_sessions", cfg.Orchestrator.MaxSessions,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownTelemetry, err := conduitotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	var mirror messagequeue.Queue
	if cfg.NATS.URL != "" {
		queue, err := conduitnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		mirror = queue
	}

	cacheC, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheC.Close()

	// --- Providers ---
	claude.Register()
	codex.Register()
	gemini.Register()

	// --- Orchestration core ---
	metrics, err := conduitotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store := postgres.NewStore(pool)
	gitSvc := gitlocal.NewService(store, git.NewPool(4))
	hub := ws.NewHub(nil, log)
	orch := service.NewOrchestrator(cfg, store, hub, mirror, gitSvc, cacheC, metrics.ObserveEvent, log)
	hub.SetCommander(orch)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Shutdown(sctx)
	}()

	// --- HTTP ---
	handlers := &conduithttp.Handlers{Orchestrator: orch}

	r := chi.NewRouter()
	r.Use(conduithttp.CORS(cfg.Server.CORSOrigin))
	r.Use(conduithttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(conduitotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/ws", hub.HandleWS)
	conduithttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
