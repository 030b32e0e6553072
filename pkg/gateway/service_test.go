package gateway

import (
	"context"
	"testing"
	"time"

	"chatgate/pkg/config"
)

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channelState{"telegram": {Running: true}}}
	if svc.isReady() {
		t.Fatal("expected not ready without provider health")
	}

	svc.providerLastOKAt = time.Now().UTC()
	if !svc.isReady() {
		t.Fatal("expected ready with running channel and healthy provider")
	}

	svc.providerLastErr = "boom"
	if svc.isReady() {
		t.Fatal("expected not ready when provider has error")
	}

	svc.providerLastErr = ""
	svc.channelStates["telegram"] = channelState{Running: false, Error: "stopped"}
	if svc.isReady() {
		t.Fatal("expected not ready without a running channel")
	}
}

func TestSendRate(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Channels.Telegram.SendPerSecond = 1.5
	cfg.Channels.OneBot.SendPerSecond = 3

	if got := sendRate(cfg, "telegram"); got != 1.5 {
		t.Fatalf("telegram rate = %v, want 1.5", got)
	}
	if got := sendRate(cfg, "onebot"); got != 3 {
		t.Fatalf("onebot rate = %v, want 3", got)
	}
	if got := sendRate(cfg, "console"); got != 0 {
		t.Fatalf("console rate = %v, want 0", got)
	}
}

func TestTracingDisabled(t *testing.T) {
	t.Parallel()

	tr, err := newTracing(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("newTracing() error = %v", err)
	}
	if tr.tracer() != nil {
		t.Fatal("disabled tracing should not provide a tracer")
	}
	if err := tr.shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestTracingEnabled(t *testing.T) {
	t.Parallel()

	tr, err := newTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Endpoint: "http://127.0.0.1:4318",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("newTracing() error = %v", err)
	}
	if tr.tracer() == nil {
		t.Fatal("enabled tracing should provide a tracer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = tr.shutdown(ctx)
}

func TestNewServiceRequiresAdapters(t *testing.T) {
	t.Parallel()

	if _, err := NewService(context.Background(), config.Default(), nil, nil); err == nil {
		t.Fatal("expected error without adapters")
	}
	if _, err := NewService(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected error without config")
	}
}
