package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"chatgate/pkg/config"
)

func decodeLine(t *testing.T, out *bytes.Buffer) map[string]any {
	t.Helper()

	line := bytes.TrimSpace(out.Bytes())
	if len(line) == 0 {
		t.Fatal("expected log output")
	}
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", line, err)
	}
	return entry
}

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info", AddSource: true}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "engine").Info("Event completed", "conversation", "group:42", "request_id", "42", "ok", true)
	entry := decodeLine(t, &out)

	want := map[string]any{
		"level":        "info",
		"message":      "Event completed",
		"component":    "engine",
		"conversation": "group:42",
		"request_id":   "42",
		"ok":           true,
	}
	for key, value := range want {
		if entry[key] != value {
			t.Fatalf("%s = %v, want %v (entry %v)", key, entry[key], value, entry)
		}
	}
	if ts, _ := entry["timestamp"].(string); !strings.HasSuffix(ts, "Z") {
		t.Fatalf("timestamp = %v, want UTC", entry["timestamp"])
	}
	if caller, _ := entry["caller"].(string); !strings.HasPrefix(caller, "logger_test.go:") {
		t.Fatalf("caller = %v", entry["caller"])
	}
	if _, ok := entry["msg"]; ok {
		t.Fatal("builtin msg key should be renamed")
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := newWithWriter(config.LoggingConfig{Level: "loud"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHATGATE_LOG_LEVEL", "debug")
	t.Setenv("CHATGATE_LOG_FORMAT", "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerJSONIncludesTraceContext(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	log.With("component", "pipeline").InfoContext(ctx, "Traced")

	entry := decodeLine(t, &out)
	if entry["trace_id"] != traceID.String() || entry["span_id"] != spanID.String() {
		t.Fatalf("trace = %v/%v", entry["trace_id"], entry["span_id"])
	}
	if entry["component"] != "pipeline" {
		t.Fatalf("component = %v, want attrs kept through the trace handler", entry["component"])
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv("CHATGATE_LOG_LEVEL")
	_ = os.Unsetenv("CHATGATE_LOG_FORMAT")
	_ = os.Unsetenv("CHATGATE_LOG_ADD_SOURCE")
}
