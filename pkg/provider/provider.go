package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatgate/pkg/config"
	providerfantasy "chatgate/pkg/provider/fantasy"
	provideropenai "chatgate/pkg/provider/openai"
	"chatgate/pkg/provider/opencode"
	providertypes "chatgate/pkg/provider/types"
)

// Client is a Generator that can also report backend health.
type Client interface {
	providertypes.Generator
	Health(ctx context.Context) error
}

// Forgetter is implemented by generators that keep server-side state per
// conversation.
type Forgetter interface {
	Forget(conversationID string)
}

func New(cfg *config.Config) (Client, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.Agents.Defaults.Provider))
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "opencode":
		return opencode.New(cfg)
	case "openai":
		return provideropenai.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
