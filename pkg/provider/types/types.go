package types

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior conversation turn handed to a generator.
type Message struct {
	Role    string
	Content string
}

// Request is one generation call. History is ordered oldest first and does
// not include UserText.
type Request struct {
	ConversationID string
	SystemPrompt   string
	History        []Message
	UserText       string
}

// Generator produces a reply for a conversation turn.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Result is the normalized provider response payload.
type Result struct {
	Text     string
	Metadata ResultMetadata
}

// ResultMetadata carries provider/model identity and optional usage accounting.
type ResultMetadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheCreationTokens == 0 &&
		u.CacheReadTokens == 0
}

// UsagePtr returns nil for zero usage so results omit empty accounting.
func UsagePtr(u TokenUsage) *TokenUsage {
	if u.IsZero() {
		return nil
	}
	return &u
}
