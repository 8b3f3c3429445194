package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planly/notifier/internal/app/migrate"
	httpx "github.com/planly/notifier/internal/http"
	"github.com/planly/notifier/internal/pool"
	"github.com/planly/notifier/internal/repository/postgres"
	"github.com/planly/notifier/internal/service/delivery"
	"github.com/planly/notifier/internal/store"
	"github.com/planly/notifier/internal/ws"
	"github.com/planly/notifier/pkg/config"
	"github.com/planly/notifier/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("notifier", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pgPool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pgPool)

	storePool, err := pool.New(ctx, store.NewFactory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), pool.Options{
		Name:             "redis",
		MinConns:         cfg.PoolMinConns,
		MaxConns:         cfg.PoolMaxConns,
		AcquireTimeout:   cfg.AcquireTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		ReapInterval:     cfg.ReapInterval,
		ValidationWindow: cfg.ValidationWindow,
		Logger:           log,
	})
	if err != nil {
		log.Error("failed to warm store pool", "error", err)
		os.Exit(1)
	}

	st := store.New(storePool, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err := st.Ready(ctx); err != nil {
		log.Error("store ping failed", "error", err)
		os.Exit(1)
	}
	log.Info("store ready", "instance_id", st.InstanceID(), "workers", cfg.ClusterWorkers)

	sockets := ws.NewServer(st, repo, ws.Options{
		ConnRateLimit:   cfg.ConnRateLimit,
		ConnRateWindow:  cfg.ConnRateWindow,
		EventsPerSecond: cfg.EventsPerSecond,
		BanDuration:     cfg.BanDuration,
		PresenceLease:   cfg.PresenceLease,
		Logger:          log,
	})
	go sockets.RunRelay(ctx)
	go sockets.RunPresence(ctx)

	streams := ws.NewSSEHub()
	deliverer := delivery.NewRouter(sockets, streams, repo, log)

	limiter := httpx.NewMemoryRateLimiter()
	if redisLimiter, err := httpx.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log); err != nil {
		log.Warn("redis rate limiter unavailable, using in-memory", "error", err)
	} else {
		limiter.Close()
		limiter = redisLimiter
	}

	router := httpx.NewRouter(log, sockets, streams, deliverer, repo, limiter, httpx.Config{
		AdminToken:   cfg.AdminToken,
		Workers:      cfg.ClusterWorkers,
		SSEHeartbeat: cfg.SSEHeartbeat,
		StoreReady:   st.Ready,
		PoolStats:    storePool.Metrics,
		Lifetime:     ctx,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("notifier server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		sockets.Close()
		storePool.Drain()
		st.Close()
		log.Info("notifier server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
