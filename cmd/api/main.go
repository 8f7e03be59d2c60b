package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "document-formatter/internal/api"
	"document-formatter/internal/apperr"
	"document-formatter/internal/blob"
	"document-formatter/internal/catalog"
	"document-formatter/internal/config"
	"document-formatter/internal/identity"
	"document-formatter/internal/jobs"
	"document-formatter/internal/logging"
	"document-formatter/internal/models"
	"document-formatter/internal/pipeline"
	"document-formatter/internal/queue"
	"document-formatter/internal/ratelimit"
	"document-formatter/internal/store"
	"document-formatter/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "api").Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
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
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	var (
		dispatcher jobs.Dispatcher
		pool       *worker.Pool
	)
	switch cfg.DispatchMode {
	case config.DispatchQueue:
		dispatcher = worker.NewQueueDispatcher(queue.NewRedisQueue(rdb, cfg.VisibilityTimeout))
	default:
		// Runs lived in this process; anything still processing lost its run.
		n, err := st.FailOrphaned(ctx, models.Failure{
			Kind:    string(apperr.Internal),
			Message: worker.InterruptedMessage,
			Detail:  "api restarted during processing",
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("fail orphaned jobs")
		}
		if n > 0 {
			logger.Warn().Int64("jobs", n).Msg("failed jobs orphaned by a previous run")
		}

		runner, err := pipeline.NewFromConfig(ctx, cfg, st, blobs, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init pipeline")
		}
		pool = worker.NewPool(runner.Run, cfg.WorkerConcurrency, logger)
		dispatcher = worker.NewInlineDispatcher(pool)
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load catalog")
	}

	svc := jobs.NewService(st, blobs, dispatcher, limiter, jobs.SettingsFrom(cfg), logger)
	opts := []api.Option{api.WithReadiness(func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	})}
	if local, ok := blobs.(*blob.LocalStore); ok {
		opts = append(opts, api.WithLocalUploads(local))
	}
	server := api.New(cfg, svc, identity.NewVerifier(cfg.JWTSecret, cfg.JWTAudience), cat, logger, opts...)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("port", cfg.HTTPPort).
		Str("dispatch", cfg.DispatchMode).
		Str("strategy", cfg.PipelineStrategy).
		Str("blob_backend", cfg.BlobBackend).
		Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if pool != nil {
		pool.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("api stopped")
}
