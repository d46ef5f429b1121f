package main

import (
	"context"
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

	"github.com/atmx/mm-riskcore/internal/api"
	"github.com/atmx/mm-riskcore/internal/breaker"
	"github.com/atmx/mm-riskcore/internal/config"
	"github.com/atmx/mm-riskcore/internal/events"
	"github.com/atmx/mm-riskcore/internal/execution"
	"github.com/atmx/mm-riskcore/internal/gateway"
	"github.com/atmx/mm-riskcore/internal/guard"
	"github.com/atmx/mm-riskcore/internal/ledger"
	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/marketlock"
	"github.com/atmx/mm-riskcore/internal/metrics"
	"github.com/atmx/mm-riskcore/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

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
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis position cache enabled")
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

	// --- Event sink ---
	hub := api.NewWSHub(logger)
	go hub.Run(ctx)

	backends := []events.Backend{events.StoreBackend{Store: st}, hub}
	if rdb != nil {
		backends = append(backends, events.NewRedisBackend(rdb, cfg.RedisStream, 0))
	}
	sink := events.NewAsyncSink(events.AsyncConfig{Buffer: cfg.EventBuffer}, logger, backends...)

	// --- Execution ---
	var exec gateway.Executor
	if cfg.ExecutionURL != "" {
		hc, err := execution.NewHTTPClient(cfg.ExecutionURL, 10*time.Second)
		if err != nil {
			slog.Error("execution client", "err", err)
			os.Exit(1)
		}
		exec = hc
		slog.Info("live execution enabled", "url", cfg.ExecutionURL)
	} else {
		exec = execution.NewPaper()
		slog.Warn("EXECUTION_URL not set, orders go to the paper executor")
	}

	// --- Risk core ---
	br := breaker.New(cfg.Breaker(), breaker.NewMode(), logger, sink)
	registry := market.NewRegistry()

	opts := gateway.Options{
		Executor:    exec,
		Sink:        sink,
		Logger:      logger,
		KPI:         br,
		Positions:   st,
		Markets:     registry,
		LogThrottle: cfg.LogThrottle(),
	}
	if cfg.HaltOnInvariantViolation {
		opts.InvariantHook = gateway.HaltOnViolation(br)
	}
	gw, err := gateway.New(
		ledger.New(cfg.Limits()),
		guard.New(cfg.Freeze()),
		marketlock.New(cfg.Lock(), logger, sink),
		opts,
	)
	if err != nil {
		slog.Error("gateway init failed", "err", err)
		os.Exit(1)
	}

	n, err := gw.SyncPositions(ctx)
	if err != nil {
		slog.Error("position sync failed", "err", err)
		os.Exit(1)
	}

	sweeper := &market.Sweeper{
		Registry: registry,
		Interval: cfg.SweepInterval(),
		Grace:    time.Minute,
		OnExpire: func(k market.Key) { gw.ClearMarket(ctx, k) },
		Logger:   logger,
	}
	go sweeper.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"mm-riskcore","mode":%q,"run_id":%q}`,
			br.Mode().Get().String(), gw.RunID())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(gw, br, st, hub, logger)
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("mm-riskcore listening",
			"port", cfg.Port,
			"run_id", gw.RunID(),
			"positions_synced", n,
			"max_shares_per_side", cfg.MaxSharesPerSide,
			"max_total_shares_per_market", cfg.MaxTotalSharesPerMarket,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down mm-riskcore...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := sink.Close(shutdownCtx); err != nil {
		slog.Error("event sink drain error", "err", err)
	}
	fmt.Println("mm-riskcore stopped")
}
