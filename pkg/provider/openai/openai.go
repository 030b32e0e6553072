package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chatgate/pkg/config"
	providertypes "chatgate/pkg/provider/types"
)

type chatCompleter interface {
	New(ctx context.Context, body osdk.ChatCompletionNewParams, opts ...option.RequestOption) (*osdk.ChatCompletion, error)
}

// Client generates replies with the chat completions API. It is stateless:
// the caller supplies conversation history on every request.
type Client struct {
	client         osdk.Client
	completions    chatCompleter
	model          string
	maxTokens      int64
	temperature    float64
	requestTimeout time.Duration
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeModel(cfg.Agents.Defaults.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	c := &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		maxTokens:      int64(cfg.Agents.Defaults.MaxTokens),
		temperature:    cfg.Agents.Defaults.Temperature,
		requestTimeout: requestTimeout,
	}
	c.completions = &c.client.Chat.Completions
	return c, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) Generate(ctx context.Context, req providertypes.Request) (providertypes.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "generate")
	startedAt := time.Now()

	userText := strings.TrimSpace(req.UserText)
	if userText == "" {
		return providertypes.Result{}, errors.New("prompt is required")
	}

	log.Debug("provider request started",
		"conversation", req.ConversationID,
		"model", c.model,
		"history_length", len(req.History),
		"prompt_length", len(userText),
	)

	params := osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(c.model),
		Messages: buildMessages(req.SystemPrompt, req.History, userText),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = osdk.Int(c.maxTokens)
	}
	if c.temperature > 0 {
		params.Temperature = osdk.Float(c.temperature)
	}

	response, err := c.completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, fmt.Errorf("generate failed: %w", err)
	}

	text := ""
	if len(response.Choices) > 0 {
		text = strings.TrimSpace(response.Choices[0].Message.Content)
	}
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.Result{}, errors.New("generate succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	model := strings.TrimSpace(response.Model)
	if model == "" {
		model = c.model
	}

	return providertypes.Result{
		Text: text,
		Metadata: providertypes.ResultMetadata{
			Provider: "openai",
			Model:    model,
			Usage: providertypes.UsagePtr(providertypes.TokenUsage{
				InputTokens:     response.Usage.PromptTokens,
				OutputTokens:    response.Usage.CompletionTokens,
				TotalTokens:     response.Usage.TotalTokens,
				ReasoningTokens: response.Usage.CompletionTokensDetails.ReasoningTokens,
				CacheReadTokens: response.Usage.PromptTokensDetails.CachedTokens,
			}),
		},
	}, nil
}

func buildMessages(systemPrompt string, history []providertypes.Message, userText string) []osdk.ChatCompletionMessageParamUnion {
	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if system := strings.TrimSpace(systemPrompt); system != "" {
		messages = append(messages, osdk.SystemMessage(system))
	}
	for _, turn := range history {
		switch turn.Role {
		case providertypes.RoleUser:
			messages = append(messages, osdk.UserMessage(turn.Content))
		case providertypes.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(turn.Content))
		case providertypes.RoleSystem:
			messages = append(messages, osdk.SystemMessage(turn.Content))
		}
	}
	return append(messages, osdk.UserMessage(userText))
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
