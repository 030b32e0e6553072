package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/titanous/json5"
)

const (
	envConfigPath        = "CHATGATE_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envOneBotAccessToken = "ONEBOT_ACCESS_TOKEN"
	envOwners            = "CHATGATE_OWNERS"
)

// Config is the root runtime configuration loaded from config.json.
// The file may use JSON5 syntax (comments, trailing commas).
type Config struct {
	Bot         BotConfig         `json:"bot"`
	Performance PerformanceConfig `json:"performance"`
	Moderation  ModerationConfig  `json:"moderation"`
	Plugins     PluginsConfig     `json:"plugins"`
	Agents      AgentsConfig      `json:"agents"`
	Providers   ProvidersConfig   `json:"providers"`
	Channels    ChannelsConfig    `json:"channels"`
	Session     SessionConfig     `json:"session"`
	Gateway     GatewayConfig     `json:"gateway"`
	Logging     LoggingConfig     `json:"logging,omitempty"`
	Tracing     TracingConfig     `json:"tracing,omitempty"`
}

// BotConfig holds identity, permissions and trigger settings.
type BotConfig struct {
	Name           string   `json:"name"`
	Owners         []string `json:"owners"`
	Admins         []string `json:"admins"`
	CommandPrefix  string   `json:"command_prefix"`
	TriggerPrefix  string   `json:"trigger_prefix"`
	Persona        string   `json:"persona"`
	PersonaFile    string   `json:"persona_file"`
	RespondPrivate bool     `json:"respond_private"`
}

// PerformanceConfig sizes the limiter, isolator and event bus.
type PerformanceConfig struct {
	MessageRateLimit      int  `json:"message_rate_limit"`
	BurstLimit            int  `json:"burst_limit"`
	CooldownPeriod        int  `json:"cooldown_period"`
	MaxConcurrentMessages int  `json:"max_concurrent_messages"`
	TaskTimeout           int  `json:"task_timeout"`
	MaxWorkerThreads      int  `json:"max_worker_threads"`
	EventQueueSize        int  `json:"event_queue_size"`
	SweepInterval         int  `json:"sweep_interval"`
	IdleThreshold         int  `json:"idle_threshold"`
	NotifyOnReject        bool `json:"notify_on_reject"`
}

func (p PerformanceConfig) CooldownDuration() time.Duration { return seconds(p.CooldownPeriod) }
func (p PerformanceConfig) TaskTimeoutDuration() time.Duration { return seconds(p.TaskTimeout) }
func (p PerformanceConfig) SweepDuration() time.Duration { return seconds(p.SweepInterval) }
func (p PerformanceConfig) IdleDuration() time.Duration { return seconds(p.IdleThreshold) }

// ModerationConfig configures content checks.
type ModerationConfig struct {
	Enabled         bool     `json:"enabled"`
	RulesFile       string   `json:"rules_file"`
	Watch           bool     `json:"watch"`
	Blacklist       []string `json:"blacklist"`
	Whitelist       []string `json:"whitelist"`
	Patterns        []string `json:"patterns"`
	DefaultPatterns bool     `json:"default_patterns"`
	WarnUser        bool     `json:"warn_user"`
}

// PluginsConfig lists plugins enabled at startup and their options.
type PluginsConfig struct {
	Enabled []string                  `json:"enabled"`
	Options map[string]map[string]any `json:"options"`
}

// AgentsConfig contains AI generation defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
	HistoryLimit  int     `json:"history_limit"`
	FallbackReply string  `json:"fallback_reply"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
}

type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	OneBot   OneBotConfig   `json:"onebot"`
}

type TelegramConfig struct {
	Enabled       bool     `json:"enabled"`
	Token         string   `json:"token"`
	AllowFrom     []string `json:"allow_from"`
	SendPerSecond float64  `json:"send_per_second"`
}

// OneBotConfig configures the OneBot v11 reverse WebSocket endpoint.
type OneBotConfig struct {
	Enabled       bool    `json:"enabled"`
	Path          string  `json:"path"`
	AccessToken   string  `json:"access_token"`
	SendPerSecond float64 `json:"send_per_second"`
}

// SessionConfig selects the conversation memory backend.
type SessionConfig struct {
	Store      string `json:"store"`
	SQLitePath string `json:"sqlite_path"`
	MaxHistory int    `json:"max_history"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// TracingConfig enables OTLP/HTTP export of pipeline spans.
type TracingConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns the configuration used for anything config.json leaves unset.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name:          "chatgate",
			CommandPrefix: "/",
			TriggerPrefix: "%",
		},
		Performance: PerformanceConfig{
			MessageRateLimit:      10,
			BurstLimit:            20,
			CooldownPeriod:        5,
			MaxConcurrentMessages: 50,
			TaskTimeout:           30,
			MaxWorkerThreads:      10,
			EventQueueSize:        10000,
			SweepInterval:         30,
			IdleThreshold:         60,
		},
		Moderation: ModerationConfig{Enabled: true, DefaultPatterns: true},
		Agents: AgentsConfig{Defaults: AgentDefaults{
			Provider:      "openai",
			Model:         "openai/gpt-4o-mini",
			HistoryLimit:  20,
			FallbackReply: "Sorry, I can't answer right now.",
		}},
		Channels: ChannelsConfig{OneBot: OneBotConfig{Path: "/onebot/v11/ws"}},
		Session:  SessionConfig{Store: "memory", MaxHistory: 50},
		Gateway:  GatewayConfig{Host: "127.0.0.1", Port: 18790},
	}
}

// LoadConfig resolves config.json, unmarshals it over the defaults, and
// applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile reads one config file.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json5.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// fillDefaults restores defaults for values explicitly zeroed in the file.
func (c *Config) fillDefaults() {
	d := Default()
	p := &c.Performance
	if p.MessageRateLimit <= 0 {
		p.MessageRateLimit = d.Performance.MessageRateLimit
	}
	if p.BurstLimit <= 0 {
		p.BurstLimit = d.Performance.BurstLimit
	}
	if p.CooldownPeriod <= 0 {
		p.CooldownPeriod = d.Performance.CooldownPeriod
	}
	if p.MaxConcurrentMessages <= 0 {
		p.MaxConcurrentMessages = d.Performance.MaxConcurrentMessages
	}
	if p.TaskTimeout <= 0 {
		p.TaskTimeout = d.Performance.TaskTimeout
	}
	if p.MaxWorkerThreads <= 0 {
		p.MaxWorkerThreads = d.Performance.MaxWorkerThreads
	}
	if p.EventQueueSize <= 0 {
		p.EventQueueSize = d.Performance.EventQueueSize
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = d.Performance.SweepInterval
	}
	if p.IdleThreshold <= 0 {
		p.IdleThreshold = d.Performance.IdleThreshold
	}
	if strings.TrimSpace(c.Bot.CommandPrefix) == "" {
		c.Bot.CommandPrefix = d.Bot.CommandPrefix
	}
	if strings.TrimSpace(c.Channels.OneBot.Path) == "" {
		c.Channels.OneBot.Path = d.Channels.OneBot.Path
	}
	if strings.TrimSpace(c.Session.Store) == "" {
		c.Session.Store = d.Session.Store
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	if c.Performance.BurstLimit < c.Performance.MessageRateLimit {
		errs = append(errs, fmt.Errorf("performance.burst_limit (%d) must be >= message_rate_limit (%d)",
			c.Performance.BurstLimit, c.Performance.MessageRateLimit))
	}
	switch c.Session.Store {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Session.SQLitePath) == "" {
			errs = append(errs, errors.New("session.sqlite_path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.store %q is not supported", c.Session.Store))
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if token := strings.TrimSpace(os.Getenv(envOneBotAccessToken)); token != "" {
		cfg.Channels.OneBot.AccessToken = token
	}

	if rawOwners := strings.TrimSpace(os.Getenv(envOwners)); rawOwners != "" {
		cfg.Bot.Owners = parseCSV(rawOwners)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATGATE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
