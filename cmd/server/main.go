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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pnlbloom/pnl-engine/internal/api"
	"github.com/pnlbloom/pnl-engine/internal/config"
	"github.com/pnlbloom/pnl-engine/internal/engine"
	"github.com/pnlbloom/pnl-engine/internal/ingest"
	"github.com/pnlbloom/pnl-engine/internal/metrics"
	"github.com/pnlbloom/pnl-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Engine and recompute scheduling ---
	hub := api.NewHub(logger)
	go hub.Run(ctx)

	eng := engine.New(cfg.Engine(), logger)
	rec := engine.NewRecomputer(eng, st, hub, logger)
	sched := engine.NewScheduler(rec, cfg.RecomputeInterval, cfg.RecomputeWorkers, logger)

	// Results may predate a restart with a different policy; refresh them.
	if accounts, err := st.ListAccounts(ctx); err != nil {
		slog.Error("listing accounts failed", "err", err)
	} else {
		sched.MarkDirty(accounts...)
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	// --- Ingestion ---
	dedup, err := ingest.NewDeduper(cfg.DedupCacheSize)
	if err != nil {
		slog.Error("dedup cache init failed", "err", err)
		os.Exit(1)
	}
	defer dedup.Close()
	ingestor := ingest.NewIngestor(st, dedup, sched, logger)

	var sub *ingest.Subscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingest.Connect(cfg.NATSURL, logger)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)

		sub = ingest.NewSubscriber(js, ingestor, ingest.SubscriberConfig{
			Stream:   cfg.NATSStream,
			Subject:  cfg.NATSSubject,
			Consumer: cfg.NATSConsumer,
		}, logger)
		if err := sub.EnsureStream(ctx); err != nil {
			slog.Error("NATS stream setup failed", "err", err)
			os.Exit(1)
		}
		if err := sub.Start(ctx); err != nil {
			slog.Error("NATS subscribe failed", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Info("NATS_URL not set, events accepted over HTTP only")
	}

	svc := api.NewService(st, ingestor, rec, hub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pnl-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pnl-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down pnl-engine...")
	if sub != nil {
		sub.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-schedDone

	// Recompute anything ingested since the last tick before exiting.
	if err := sched.Flush(shutdownCtx); err != nil {
		slog.Error("final recompute flush failed", "err", err)
	}
	fmt.Println("pnl-engine stopped")
}
