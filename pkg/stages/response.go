package stages

import (
	"context"
	"log/slog"

	"chatgate/pkg/bus"
	"chatgate/pkg/failure"
	"chatgate/pkg/pipeline"
)

// Response sends the command result, or the AI reply when there is none.
type Response struct {
	sender Sender
	log    *slog.Logger
}

func NewResponse(sender Sender, log *slog.Logger) *Response {
	return &Response{sender: sender, log: componentLogger(log, NameResponse)}
}

func (r *Response) Name() string { return NameResponse }

func (r *Response) Process(ctx context.Context, pc *pipeline.Context) error {
	out, ok := r.reply(pc)
	if !ok {
		return nil
	}

	if err := r.sender.Send(ctx, out); err != nil {
		r.log.Error("Send failed", "event_id", pc.Event.ID, "conversation", pc.Event.Key.String(), "error", err)
		return failure.Wrap(failure.SendFailure, pc.Event.Channel, err)
	}

	pc.Set(pipeline.KeyResponseSent, true)
	return nil
}

func (r *Response) reply(pc *pipeline.Context) (bus.OutboundMessage, bool) {
	if result := pc.String(pipeline.KeyCommandResult); result != "" {
		return bus.ReplyTo(pc.Event, result), true
	}

	if pc.Bool(pipeline.KeyCommandProcessed) {
		return bus.OutboundMessage{}, false
	}

	answer := pc.String(pipeline.KeyAIResponse)
	if answer == "" {
		return bus.OutboundMessage{}, false
	}
	out := bus.ReplyTo(pc.Event, answer)
	if v, ok := pc.Get(KeyAIMetadata); ok {
		out.Metadata, _ = v.(map[string]string)
	}
	return out, true
}

