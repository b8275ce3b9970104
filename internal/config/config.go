package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// OverlayEnv names an optional YAML file of KEY: value pairs applied beneath
// the process environment.
const OverlayEnv = "CANVASFIT_CONFIG"

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
	StagingDir     string
	PresignTTL     time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// RedisOptions returns go-redis options for the same instance the queue uses.
func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	MetricsAddr    string
}

// StorageConfig describes the S3-compatible bucket. An empty Endpoint
// disables object storage and jobs are staged on the shared filesystem.
type StorageConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UseSSL       bool
	OutputPrefix string
}

func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// DatabaseConfig with an empty DSN selects the in-memory job store.
type DatabaseConfig struct {
	DSN string
}

type SessionConfig struct {
	Backend string
	TTL     time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	Requests     int
	Window       time.Duration
	UserIDHeader string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	Secret  string
	Timeout time.Duration
}

func Load() (Config, error) {
	src := source{lookup: os.LookupEnv}

	if path := strings.TrimSpace(os.Getenv(OverlayEnv)); path != "" {
		overlay, err := readOverlay(path)
		if err != nil {
			return Config{}, err
		}
		src.overlay = overlay
	}

	return src.build(), nil
}

func (s source) build() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:           s.env("CANVASFIT_API_ADDR", ":8080"),
			MaxUploadBytes: int64(s.envInt("CANVASFIT_MAX_UPLOAD_BYTES", 64<<20)),
			StagingDir:     s.env("CANVASFIT_STAGING_DIR", "./.canvasfit-staging"),
			PresignTTL:     s.envDuration("CANVASFIT_PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     s.env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: s.env("REDIS_PASSWORD", ""),
			RedisDB:       s.envInt("REDIS_DB", 0),
			Name:          s.env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    s.envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  s.envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: s.env("WORKER_LOCAL_OUTPUT_DIR", "./.canvasfit-output"),
			MetricsAddr:    s.env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:     s.env("MINIO_ENDPOINT", ""),
			AccessKey:    s.env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:    s.env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:       s.env("MINIO_BUCKET", "canvasfit-jobs"),
			UseSSL:       s.envBool("MINIO_USE_SSL", false),
			OutputPrefix: s.env("MINIO_OUTPUT_PREFIX", "outputs"),
		},
		Database: DatabaseConfig{
			DSN: s.env("POSTGRES_DSN", ""),
		},
		Session: SessionConfig{
			Backend: strings.ToLower(s.env("CANVASFIT_SESSION_BACKEND", "memory")),
			TTL:     s.envDuration("CANVASFIT_SESSION_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:      s.envBool("CANVASFIT_RATE_LIMIT_ENABLED", false),
			Requests:     s.envInt("CANVASFIT_RATE_LIMIT_REQUESTS", 30),
			Window:       s.envDuration("CANVASFIT_RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: s.env("CANVASFIT_RATE_LIMIT_USER_HEADER", "X-User-ID"),
		},
		Tracing: TracingConfig{
			Exporter:     s.env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: s.env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: s.envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Webhook: WebhookConfig{
			Secret:  s.env("CANVASFIT_WEBHOOK_SECRET", ""),
			Timeout: s.envDuration("CANVASFIT_WEBHOOK_TIMEOUT", 5*time.Second),
		},
	}
}

type source struct {
	lookup  func(string) (string, bool)
	overlay map[string]string
}

func readOverlay(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config overlay: %w", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config overlay %s: %w", path, err)
	}

	for key, value := range values {
		values[key] = os.ExpandEnv(value)
	}
	return values, nil
}

func (s source) env(key, fallback string) string {
	if s.lookup != nil {
		if value, ok := s.lookup(key); ok && value != "" {
			return value
		}
	}
	if value := s.overlay[key]; value != "" {
		return value
	}
	return fallback
}

func (s source) envInt(key string, fallback int) int {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) envBool(key string, fallback bool) bool {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) envDuration(key string, fallback time.Duration) time.Duration {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
