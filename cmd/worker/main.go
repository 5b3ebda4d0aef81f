package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pitch-pipeline/internal/breaker"
	"pitch-pipeline/internal/config"
	"pitch-pipeline/internal/export"
	"pitch-pipeline/internal/llm"
	"pitch-pipeline/internal/models"
	"pitch-pipeline/internal/queue"
	"pitch-pipeline/internal/ratelimit"
	"pitch-pipeline/internal/store"
	"pitch-pipeline/internal/telemetry"
	"pitch-pipeline/internal/worker"
)

// The worker binary is the scheduled invocation path: it runs the processor
// on a fixed interval, while the API's trigger endpoint covers the
// on-demand path. Both share the same claim semantics, so overlap is safe.
func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

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
		sugar.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		sugar.Fatalw("migrations", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	q := queue.New(st.Pool())
	limiter := ratelimit.NewFixedWindow(redisClient)
	cb := breaker.New(breaker.NewRedisStore(redisClient), cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout)

	gen := llm.NewClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
		Logger:  sugar,
	})
	exporter, err := export.New(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("init exporter", "error", err)
	}

	processor := worker.NewProcessor(cfg, q, sugar)
	processor.RegisterHandler(
		models.JobTypeGenerate,
		worker.NewGenerateHandler(cfg, st, q, cb, limiter, gen, sugar).Handle,
	)
	processor.RegisterHandler(
		models.JobTypeExport,
		worker.NewExportHandler(st, exporter, sugar).Handle,
	)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			sugar.Warnw("metrics server stopped", "error", err)
		}
	}()

	sugar.Infow("worker started", "poll_interval", cfg.WorkerPollInterval, "batch_size", cfg.BatchSize)
	ticker := time.NewTicker(cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sugar.Info("worker stopped")
			return
		case <-ticker.C:
			if _, err := processor.RunOnce(ctx); err != nil {
				sugar.Errorw("processor invocation failed", "error", err)
			}
		}
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
