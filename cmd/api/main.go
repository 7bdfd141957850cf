package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"readycheck/api/internal/app"
	"readycheck/api/internal/archive"
	"readycheck/api/internal/auth"
	"readycheck/api/internal/config"
	"readycheck/api/internal/logging"
	"readycheck/api/internal/presence"
	"readycheck/api/internal/realtime"
	"readycheck/api/internal/store"
	"readycheck/api/internal/summon"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(os.Stderr, cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	docs := realtime.NewRedisStoreWithClient(rdb,
		realtime.WithTxAttempts(cfg.TxAttempts),
		realtime.WithLogger(logger),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coordinator := summon.NewCoordinator(docs, summon.Options{
		TTL:       cfg.SummonTTL,
		Retention: cfg.TerminalRetention,
		Logger:    logger,
		Metrics:   summon.NewMetrics(registry),
	})

	deps := app.Deps{
		Coordinator: coordinator,
		Presence:    presence.NewRegistry(docs),
		Realtime:    docs,
		Revocations: auth.NewRevocationStoreWithClient(rdb),
		Logger:      logger,
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		deps.History = store.NewPostgresStore(db)
		logger.Info("summon history enabled")
	}

	if cfg.Archive.Enabled() {
		archiver, err := archive.NewS3Archiver(archive.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Region:    cfg.Archive.Region,
			Logger:    logger,
		})
		if err != nil {
			logger.Error("s3 archive setup failed", "error", err)
			os.Exit(1)
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			logger.Error("s3 archive bucket unavailable", "error", err)
			os.Exit(1)
		}
		deps.Archive = archiver
		logger.Info("s3 summon archive enabled", "bucket", cfg.Archive.Bucket)
	}

	if cfg.AdminToken == "" {
		logger.Warn("READYCHECK_ADMIN_TOKEN is unset; clearing stuck summons is disabled")
	}

	service := app.New(cfg, deps)
	go summon.NewSweeper(coordinator, cfg.SweepInterval).Run(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Request contexts end with the process, which closes open event
		// streams on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("readycheck API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}
