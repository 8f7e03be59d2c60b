package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"document-formatter/internal/blob"
	"document-formatter/internal/config"
	"document-formatter/internal/logging"
	"document-formatter/internal/pipeline"
	"document-formatter/internal/queue"
	"document-formatter/internal/store"
	"document-formatter/internal/telemetry"
	workerproc "document-formatter/internal/worker"
)

func main() {
	cfg := config.Load()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "worker").Str("worker_id", workerID).Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.DispatchMode != config.DispatchQueue {
		logger.Warn().Str("dispatch", cfg.DispatchMode).Msg("DISPATCH_MODE is not queue; the api will not enqueue work for this worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init blob store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg.VisibilityTimeout)

	runner, err := pipeline.NewFromConfig(ctx, cfg, st, blobs, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init pipeline")
	}
	pool := workerproc.NewPool(runner.Run, cfg.WorkerConcurrency, logger)
	processor := workerproc.NewProcessor(q, st, pool, cfg.WorkerPollInterval, logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Int("concurrency", cfg.WorkerConcurrency).
		Str("strategy", runner.Strategy()).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
	}

	// Runs still active after the grace period are cancelled and fail.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.VisibilityTimeout/2)
	defer cancelShutdown()
	pool.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info().Msg("worker stopped")
}
