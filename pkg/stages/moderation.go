package stages

import (
	"context"
	"log/slog"

	"chatgate/pkg/bus"
	"chatgate/pkg/moderation"
	"chatgate/pkg/pipeline"
)

// Moderation checks text against the moderation ruleset. A violation stops
// the pipeline; clean text is stored masked under filtered_text.
type Moderation struct {
	mod  *moderation.Moderator
	warn Sender
	log  *slog.Logger
}

// NewModeration builds the stage. When warn is non-nil the sender is told
// why their message was dropped.
func NewModeration(mod *moderation.Moderator, warn Sender, log *slog.Logger) *Moderation {
	return &Moderation{mod: mod, warn: warn, log: componentLogger(log, NameModeration)}
}

func (m *Moderation) Name() string { return NameModeration }

func (m *Moderation) CanSkip(pc *pipeline.Context) bool {
	return m.mod == nil || pc.String(pipeline.KeyText) == ""
}

func (m *Moderation) Process(ctx context.Context, pc *pipeline.Context) error {
	text := pc.String(pipeline.KeyText)
	verdict := m.mod.Check(text)
	pc.Set(pipeline.KeyModeration, verdict)

	if !verdict.Safe {
		m.log.Info("Message blocked",
			"event_id", pc.Event.ID,
			"conversation", pc.Event.Key.String(),
			"sender_id", pc.Event.SenderID,
			"blocked_by", verdict.BlockedBy,
		)
		pc.Stop()

		if m.warn != nil {
			notice := bus.ReplyTo(pc.Event, "Your message was blocked: "+verdict.Reason)
			if err := m.warn.Send(ctx, notice); err != nil {
				m.log.Warn("Moderation notice failed", "event_id", pc.Event.ID, "error", err)
			}
		}
		return nil
	}

	pc.Set(pipeline.KeyFilteredText, m.mod.Filter(text))
	return nil
}
