package telemetry

import (
	"context"
	"testing"

	"github.com/dunamismax/canvasfit/internal/config"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "canvasfit-test", config.TracingConfig{Exporter: "none"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupTracingRejectsBadExporters(t *testing.T) {
	cases := []config.TracingConfig{
		{Exporter: "zipkin"},
		{Exporter: "otlp"},
	}
	for _, cfg := range cases {
		if _, err := SetupTracing(context.Background(), "canvasfit-test", cfg, nil); err == nil {
			t.Fatalf("expected error for exporter %+v", cfg)
		}
	}
}
