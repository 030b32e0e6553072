// Package stages holds the canonical message pipeline:
// preprocess, moderation, command, AI request and response.
package stages

import (
	"context"
	"log/slog"

	"chatgate/pkg/bus"
)

const (
	NamePreprocess = "preprocess"
	NameModeration = "content_moderation"
	NameCommand    = "command"
	NameAIRequest  = "ai_request"
	NameResponse   = "response"

	// KeyAIMetadata holds provider usage metadata for the outbound reply.
	KeyAIMetadata = "ai_metadata"
)

// Sender delivers an outbound message to its connector.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg bus.OutboundMessage) error

func (f SenderFunc) Send(ctx context.Context, msg bus.OutboundMessage) error { return f(ctx, msg) }

func componentLogger(log *slog.Logger, stage string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", "stage."+stage)
}
