package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/canvasfit/internal/api"
	"github.com/dunamismax/canvasfit/internal/config"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dunamismax/canvasfit/internal/queue"
	"github.com/dunamismax/canvasfit/internal/ratelimit"
	"github.com/dunamismax/canvasfit/internal/session"
	"github.com/dunamismax/canvasfit/internal/storage"
	"github.com/dunamismax/canvasfit/internal/store"
	"github.com/dunamismax/canvasfit/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "canvasfit-api", cfg.Tracing, logger)
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
	transformer, err := pipeline.NewTransformer()
	if err != nil {
		logger.Fatalf("build transformer: %v", err)
	}

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer redisClient.Close()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := api.Options{
		Packager:              pipeline.NewPackager(transformer),
		QueueClient:           queueClient,
		StagingDir:            cfg.API.StagingDir,
		MaxUploadBytes:        cfg.API.MaxUploadBytes,
		PresignTTL:            cfg.API.PresignTTL,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
	}

	switch cfg.Session.Backend {
	case "redis":
		sessions, err := session.NewRedisStore(redisClient, cfg.Session.TTL, "")
		if err != nil {
			logger.Fatalf("session store: %v", err)
		}
		opts.Sessions = sessions
	default:
		sessions := session.NewMemoryStore(cfg.Session.TTL)
		go sessions.RunJanitor(ctx, 0)
		opts.Sessions = sessions
	}
	logger.Printf("session backend=%s ttl=%s", cfg.Session.Backend, cfg.Session.TTL)

	if cfg.Database.DSN != "" {
		jobStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("job store: %v", err)
		}
		defer jobStore.Close()
		opts.JobStore = jobStore
	} else {
		logger.Printf("POSTGRES_DSN unset, job status is kept in redis")
		jobStore, err := store.NewRedisJobStore(redisClient, 0, "")
		if err != nil {
			logger.Fatalf("job store: %v", err)
		}
		opts.JobStore = jobStore
	}

	if cfg.Storage.Enabled() {
		storageClient, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			logger.Fatalf("open storage: %v", err)
		}
		opts.Storage = storageClient
	} else {
		logger.Printf("MINIO_ENDPOINT unset, job uploads are staged in %s", cfg.API.StagingDir)
	}

	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter: %v", err)
		}
		opts.RateLimiter = limiter
	}

	app, err := api.NewServer(logger, opts)
	if err != nil {
		logger.Fatalf("build server: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s backend=%s", cfg.API.Addr, pipeline.Backend())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
