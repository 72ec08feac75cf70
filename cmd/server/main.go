// Command server starts the AI CV Evaluator job-dispatch gateway.
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

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/app"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/callback"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/dispatch"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/eventbus/redisbus"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/queue/circuitbreaker"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/queue/compress"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/sse"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Bootstrap(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	batchRepo := postgres.NewBatchRepo(pool)
	quotaRepo := postgres.NewQuotaRepo(pool, cfg.QuotaDefaultPeriod)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	limits := ratelimiter.WindowLimits{
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
		PerDay:    cfg.RateLimitPerDay,
		FailOpen:  cfg.RateLimitFailOpen,
	}
	limiter := ratelimiter.NewRedisLuaLimiter(redisClient, limits)

	bus := redisbus.New(redisClient)

	algo, err := compress.ParseAlgorithm(cfg.QueueCompressionAlgorithm)
	if err != nil {
		slog.Error("invalid queue compression algorithm", slog.Any("error", err))
		os.Exit(1)
	}
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.QueueWorkTopic, algo)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()
	workQueue := circuitbreaker.NewWorkQueue(producer, circuitbreaker.Config{Name: "redpanda"})

	sseManager := sse.NewManager(bus, sse.Config{
		MaxConnsPerJob:   cfg.SSEMaxConnsPerJob,
		SubscriberBuffer: cfg.SSESubscriberBuffer,
		ReaperInterval:   cfg.SSEReaperInterval,
	})
	reaperCtx, cancelReaper := context.WithCancel(ctx)
	defer cancelReaper()
	go sseManager.RunReaper(reaperCtx)

	dispatcher := dispatch.NewDispatcher(jobRepo, batchRepo, quotaRepo, limiter, workQueue, sseManager)

	sweeper := app.NewStuckJobSweeper(jobRepo, cfg.StuckJobMaxProcessingAge, cfg.StuckJobSweepInterval)
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go sweeper.Run(sweepCtx)

	callbackKeyHash, err := httpserver.HashPassword(cfg.CallbackAPIKey, httpserver.Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLen:     16,
		KeyLen:      32,
	})
	if err != nil {
		slog.Error("failed to hash callback api key", slog.Any("error", err))
		os.Exit(1)
	}
	sink := callback.NewSink(jobRepo, batchRepo, sseManager, callbackKeyHash)

	auth := httpserver.NewOwnerAuthenticator(cfg)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisClient)

	srv := httpserver.NewServer(cfg, dispatcher, jobRepo, batchRepo, sseManager, auth, dbCheck, redisCheck)

	handler := app.BuildRouter(cfg, srv, sink)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	sseManager.Shutdown(shutdownCtx)
	_ = srvHTTP.Shutdown(shutdownCtx)
}
