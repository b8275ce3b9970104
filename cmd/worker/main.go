package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/canvasfit/internal/config"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dunamismax/canvasfit/internal/storage"
	"github.com/dunamismax/canvasfit/internal/store"
	"github.com/dunamismax/canvasfit/internal/telemetry"
	"github.com/dunamismax/canvasfit/internal/webhook"
	"github.com/dunamismax/canvasfit/internal/worker"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "canvasfit-worker", cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("start image backend: %v", err)
	}
	defer pipeline.Shutdown()

	var storageClient *storage.Client
	if cfg.Storage.Enabled() {
		storageClient, err = storage.Open(ctx, cfg.Storage)
		if err != nil {
			logger.Fatalf("open storage: %v", err)
		}
	}

	var jobStore interface {
		store.JobStore
		store.UsageStore
	}
	if cfg.Database.DSN != "" {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("job store: %v", err)
		}
		defer pgStore.Close()
		jobStore = pgStore
	} else {
		logger.Printf("POSTGRES_DSN unset, job status is kept in redis")
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer redisClient.Close()
		jobStore, err = store.NewRedisJobStore(redisClient, 0, "")
		if err != nil {
			logger.Fatalf("job store: %v", err)
		}
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.Secret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
	})

	srv, err := worker.NewServer(logger, cfg, storageClient, webhookClient, jobStore, jobStore)
	if err != nil {
		logger.Fatalf("build worker: %v", err)
	}

	metricsServer := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: srv.MetricsHandler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	defer metricsServer.Close()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s backend=%s object_store=%t",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		pipeline.Backend(),
		storageClient != nil,
	)

	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}
}
