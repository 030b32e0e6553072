package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"chatgate/pkg/config"
	providertypes "chatgate/pkg/provider/types"
)

type sessionAPI interface {
	New(ctx context.Context, params sdk.SessionNewParams, opts ...option.RequestOption) (*sdk.Session, error)
	Prompt(ctx context.Context, id string, params sdk.SessionPromptParams, opts ...option.RequestOption) (*sdk.SessionPromptResponse, error)
}

// Client talks to an OpenCode server. OpenCode keeps conversation history
// server-side, so each conversation is mapped to one OpenCode session that
// is created lazily on first use.
type Client struct {
	client         *sdk.Client
	sessions       sessionAPI
	model          string
	agent          string
	requestTimeout time.Duration

	mu         sync.RWMutex
	byConv     map[string]string
	creatingMu sync.Mutex
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg *config.Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.Providers.OpenCode.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := buildBasicAuthHeader(cfg.Providers.OpenCode); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	client := sdk.NewClient(opts...)
	return &Client{
		client:         client,
		sessions:       client.Session,
		model:          strings.TrimSpace(cfg.Agents.Defaults.Model),
		requestTimeout: time.Duration(cfg.Providers.OpenCode.RequestTimeoutSeconds) * time.Second,
		byConv:         make(map[string]string),
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "server unhealthy")
		return errors.New("opencode server reported unhealthy status")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)
	return nil
}

// sessionFor returns the OpenCode session bound to a conversation, creating
// it on first use.
func (c *Client) sessionFor(ctx context.Context, conversationID string) (string, error) {
	c.mu.RLock()
	id, ok := c.byConv[conversationID]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	c.creatingMu.Lock()
	defer c.creatingMu.Unlock()

	c.mu.RLock()
	id, ok = c.byConv[conversationID]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	log := providerLogger().With("operation", "create_session")
	startedAt := time.Now()
	log.Debug("provider request started", "conversation", conversationID)

	session, err := c.sessions.New(ctx, sdk.SessionNewParams{Title: sdk.F("chatgate:" + conversationID)})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("create session failed: %w", err)
	}
	if session == nil || session.ID == "" {
		return "", errors.New("create session returned empty session id")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "session_id", session.ID)

	c.mu.Lock()
	c.byConv[conversationID] = session.ID
	c.mu.Unlock()
	return session.ID, nil
}

// Forget drops the session bound to a conversation so the next turn starts
// a fresh OpenCode session.
func (c *Client) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.byConv, conversationID)
}

func (c *Client) Generate(ctx context.Context, req providertypes.Request) (providertypes.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	prompt := strings.TrimSpace(req.UserText)
	if prompt == "" {
		return providertypes.Result{}, errors.New("prompt is required")
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return providertypes.Result{}, errors.New("conversation id is required")
	}

	sessionID, err := c.sessionFor(ctx, conversationID)
	if err != nil {
		return providertypes.Result{}, err
	}

	log := providerLogger().With("operation", "prompt")
	startedAt := time.Now()
	log.Debug("provider request started",
		"session_id", sessionID,
		"model", c.model,
		"prompt_length", len(prompt),
	)

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(prompt),
			},
		}),
	}
	if c.agent != "" {
		params.Agent = sdk.F(c.agent)
	}
	if providerID, modelID, ok := parseModelRef(c.model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}

	response, err := c.sessions.Prompt(ctx, sessionID, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Result{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := extractText(response.Parts)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no text parts")
		return providertypes.Result{}, errors.New("prompt succeeded but returned no text parts")
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"parts_count", len(response.Parts),
	)

	return providertypes.Result{
		Text: text,
		Metadata: providertypes.ResultMetadata{
			Provider: strings.TrimSpace(response.Info.ProviderID),
			Model:    strings.TrimSpace(response.Info.ModelID),
			Usage: providertypes.UsagePtr(providertypes.TokenUsage{
				InputTokens:     tokenCount(response.Info.Tokens.Input),
				OutputTokens:    tokenCount(response.Info.Tokens.Output),
				TotalTokens:     tokenCount(response.Info.Tokens.Input) + tokenCount(response.Info.Tokens.Output),
				ReasoningTokens: tokenCount(response.Info.Tokens.Reasoning),
				CacheReadTokens: tokenCount(response.Info.Tokens.Cache.Read),
			}),
		},
	}, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.opencode")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildBasicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func parseModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type == sdk.PartTypeText {
			text := strings.TrimSpace(part.Text)
			if text != "" {
				lines = append(lines, text)
			}
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func tokenCount(value float64) int64 {
	if value <= 0 {
		return 0
	}

	return int64(math.Round(value))
}
