package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(OverlayEnv, "")
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("CANVASFIT_API_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.API.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %s", cfg.API.Addr)
	}
	if cfg.Storage.Enabled() {
		t.Fatal("expected object storage disabled without endpoint")
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("expected empty dsn, got %q", cfg.Database.DSN)
	}
	if cfg.Worker.MaxActiveJobs < 1 {
		t.Fatalf("expected at least one active job slot, got %d", cfg.Worker.MaxActiveJobs)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv(OverlayEnv, "")
	t.Setenv("CANVASFIT_API_ADDR", ":9090")
	t.Setenv("CANVASFIT_SESSION_BACKEND", "Redis")
	t.Setenv("CANVASFIT_SESSION_TTL", "90m")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CANVASFIT_RATE_LIMIT_ENABLED", "true")
	t.Setenv("CANVASFIT_RATE_LIMIT_WINDOW", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.API.Addr != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.API.Addr)
	}
	if cfg.Session.Backend != "redis" || cfg.Session.TTL != 90*time.Minute {
		t.Fatalf("unexpected session config %+v", cfg.Session)
	}
	if cfg.Queue.RedisOptions().DB != 3 || cfg.Queue.RedisClientOpt().DB != 3 {
		t.Fatal("expected redis db 3 on both option builders")
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("expected enabled limiter with fallback window, got %+v", cfg.RateLimit)
	}
}

func TestLoadOverlayBeneathEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canvasfit.yaml")
	overlay := "MINIO_ENDPOINT: ${TEST_MINIO_HOST}:9000\n" +
		"MINIO_BUCKET: overlay-bucket\n" +
		"CANVASFIT_API_ADDR: \":7070\"\n"
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	t.Setenv(OverlayEnv, path)
	t.Setenv("TEST_MINIO_HOST", "minio.internal")
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("MINIO_BUCKET", "")
	t.Setenv("CANVASFIT_API_ADDR", ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Endpoint != "minio.internal:9000" {
		t.Fatalf("expected expanded overlay endpoint, got %q", cfg.Storage.Endpoint)
	}
	if cfg.Storage.Bucket != "overlay-bucket" {
		t.Fatalf("expected overlay bucket, got %q", cfg.Storage.Bucket)
	}
	if cfg.API.Addr != ":6060" {
		t.Fatalf("expected environment to win over overlay, got %s", cfg.API.Addr)
	}
}

func TestLoadRejectsUnreadableOverlay(t *testing.T) {
	t.Setenv(OverlayEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing overlay file")
	}
}
