package stages

import (
	"context"
	"log/slog"
	"strings"

	"chatgate/pkg/bus"
	"chatgate/pkg/pipeline"
	providertypes "chatgate/pkg/provider/types"
	"chatgate/pkg/session"
)

// AIConfig tunes when and how the AI stage answers.
type AIConfig struct {
	// TriggerPrefix makes a message qualify without a mention.
	TriggerPrefix string
	// RespondPrivate answers every private message.
	RespondPrivate bool
	HistoryLimit   int
	// FallbackReply is sent when generation fails. Empty sends nothing.
	FallbackReply string
}

// AIRequest generates a reply for qualifying messages.
type AIRequest struct {
	gen      providertypes.Generator
	resolver session.Resolver
	store    session.Store
	cfg      AIConfig
	log      *slog.Logger
}

func NewAIRequest(gen providertypes.Generator, resolver session.Resolver, store session.Store, cfg AIConfig, log *slog.Logger) *AIRequest {
	return &AIRequest{
		gen:      gen,
		resolver: resolver,
		store:    store,
		cfg:      cfg,
		log:      componentLogger(log, NameAIRequest),
	}
}

func (a *AIRequest) Name() string { return NameAIRequest }

// CanSkip skips events already answered by a command or plugin and events
// that do not address the bot.
func (a *AIRequest) CanSkip(pc *pipeline.Context) bool {
	if a.gen == nil || pc.Bool(pipeline.KeyCommandProcessed) {
		return true
	}
	return !a.qualifies(pc)
}

func (a *AIRequest) qualifies(pc *pipeline.Context) bool {
	if pc.Bool(pipeline.KeyMentioned) {
		return true
	}
	if a.cfg.TriggerPrefix != "" && strings.HasPrefix(pc.String(pipeline.KeyText), a.cfg.TriggerPrefix) {
		return true
	}
	return a.cfg.RespondPrivate && pc.Event.ChatType == bus.ChatPrivate
}

func (a *AIRequest) Process(ctx context.Context, pc *pipeline.Context) error {
	prompt := pc.String(pipeline.KeyFilteredText)
	if prompt == "" {
		prompt = pc.String(pipeline.KeyText)
	}
	if a.cfg.TriggerPrefix != "" {
		prompt = strings.TrimPrefix(prompt, a.cfg.TriggerPrefix)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil
	}
	pc.Set(pipeline.KeyAIPrompt, prompt)

	handle, err := a.resolver.Resolve(ctx, &pc.Event)
	if err != nil {
		return err
	}

	var history []session.Entry
	if a.store != nil {
		history, err = a.store.Load(ctx, handle.ID, a.cfg.HistoryLimit)
		if err != nil {
			a.log.Warn("History load failed", "conversation", handle.ID, "error", err)
		}
	}

	result, err := a.gen.Generate(ctx, providertypes.Request{
		ConversationID: handle.ID,
		SystemPrompt:   handle.Persona,
		History:        toMessages(history),
		UserText:       prompt,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		a.log.Warn("Generation failed", "event_id", pc.Event.ID, "conversation", handle.ID, "error", err)
		pc.Set(pipeline.KeyAIError, err.Error())
		if a.cfg.FallbackReply != "" {
			pc.Set(pipeline.KeyAIResponse, a.cfg.FallbackReply)
		}
		return nil
	}

	pc.Set(pipeline.KeyAIResponse, result.Text)
	if metadata := providertypes.MetadataMap(result); metadata != nil {
		pc.Set(KeyAIMetadata, metadata)
	}

	if a.store != nil {
		err := a.store.Append(ctx, handle.ID,
			session.Entry{Role: session.RoleUser, Content: prompt},
			session.Entry{Role: session.RoleAssistant, Content: result.Text},
		)
		if err != nil {
			a.log.Warn("History append failed", "conversation", handle.ID, "error", err)
		}
	}
	return nil
}

func toMessages(entries []session.Entry) []providertypes.Message {
	if len(entries) == 0 {
		return nil
	}
	out := make([]providertypes.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, providertypes.Message{Role: e.Role, Content: e.Content})
	}
	return out
}
