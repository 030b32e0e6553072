package engine

import (
	"context"
	"log/slog"
	"time"

	"chatgate/pkg/bus"
)

// lifecycleTopics are logged by the engine's own listener.
var lifecycleTopics = []string{
	bus.TopicEventReceived,
	bus.TopicEventRejected,
	bus.TopicEventCompleted,
	bus.TopicEventFailed,
	bus.TopicEventTimeout,
	bus.TopicPluginChanged,
	bus.TopicNotice,
}

// observeLifecycle subscribes a low-priority logging listener so plugin
// listeners see events first.
func observeLifecycle(events *bus.EventBus, log *slog.Logger) {
	log = log.With("component", "bus.events")
	listener := func(_ context.Context, ev *bus.Event) (any, error) {
		logEvent(log, ev)
		return nil, nil
	}
	for _, topic := range lifecycleTopics {
		events.Subscribe(topic, listener, -100)
	}
}

func logEvent(log *slog.Logger, ev *bus.Event) {
	attrs := []any{
		"event_type", ev.Type,
		"timestamp", ev.At.UTC().Format(time.RFC3339Nano),
	}

	switch data := ev.Data.(type) {
	case bus.Lifecycle:
		attrs = append(attrs,
			"event_id", data.EventID,
			"channel", data.Channel,
			"conversation", data.Key.String(),
			"sender_id", data.SenderID,
		)
		if data.Elapsed > 0 {
			attrs = append(attrs, "duration_ms", data.Elapsed.Milliseconds())
		}
		if data.Category != "" {
			attrs = append(attrs, "category", data.Category)
		}
		if len(data.Payload) > 0 {
			attrs = append(attrs, "payload", data.Payload)
		}
		if data.Error != "" {
			attrs = append(attrs, "error", data.Error)
		}
	case bus.InboundEvent:
		attrs = append(attrs, "event_id", data.ID, "channel", data.Channel, "conversation", data.Key.String())
		if len(data.Metadata) > 0 {
			attrs = append(attrs, "payload", data.Metadata)
		}
	case map[string]string:
		attrs = append(attrs, "payload", data)
	}

	switch ev.Type {
	case bus.TopicEventFailed, bus.TopicEventTimeout:
		log.Warn("Dispatch event", attrs...)
	case bus.TopicEventCompleted, bus.TopicPluginChanged:
		log.Info("Dispatch event", attrs...)
	default:
		log.Debug("Dispatch event", attrs...)
	}
}
