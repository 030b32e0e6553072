package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	charmLog "github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"chatgate/pkg/config"
)

const (
	envFormat    = "CHATGATE_LOG_FORMAT"
	envLevel     = "CHATGATE_LOG_LEVEL"
	envAddSource = "CHATGATE_LOG_ADD_SOURCE"
)

// New builds the process logger. Text output goes through charm's pretty
// printer, json output is one object per line with trace_id and span_id
// taken from the record's context.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	cfg = withEnv(cfg)

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch cfg.Format {
	case "", "text":
		h = charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLog.Level(level),
			ReportTimestamp: true,
			ReportCaller:    cfg.AddSource,
		})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			AddSource:   cfg.AddSource,
			ReplaceAttr: renameJSONKey,
		})
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return slog.New(traceHandler{Handler: h}), nil
}

// withEnv applies CHATGATE_LOG_* overrides on top of the config file.
func withEnv(cfg config.LoggingConfig) config.LoggingConfig {
	if v := strings.TrimSpace(os.Getenv(envFormat)); v != "" {
		cfg.Format = v
	}
	if v := strings.TrimSpace(os.Getenv(envLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(envAddSource)); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			cfg.AddSource = true
		default:
			cfg.AddSource = false
		}
	}
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	return cfg
}

func parseLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", input)
	}
}

// renameJSONKey maps slog's builtin keys to the gateway's field names.
func renameJSONKey(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
		a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	case slog.LevelKey:
		a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
	case slog.MessageKey:
		a.Key = "message"
	case slog.SourceKey:
		a.Key = "caller"
		if src, ok := a.Value.Any().(*slog.Source); ok {
			a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
		}
	}
	return a
}

// traceHandler stamps records logged inside a span with its IDs.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{Handler: h.Handler.WithGroup(name)}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
