package types

import (
	"strconv"
	"strings"
)

const (
	ProviderKey               = "provider"
	ModelKey                  = "model"
	UsageInputTokensKey       = "usage_input_tokens"
	UsageOutputTokensKey      = "usage_output_tokens"
	UsageTotalTokensKey       = "usage_total_tokens"
	UsageReasoningTokensKey   = "usage_reasoning_tokens"
	UsageCacheCreateTokensKey = "usage_cache_creation_tokens"
	UsageCacheReadTokensKey   = "usage_cache_read_tokens"
)

// MetadataMap serializes provider identity and usage into outbound message
// metadata. It returns nil when there is nothing to report.
func MetadataMap(result Result) map[string]string {
	metadata := map[string]string{}
	if p := strings.TrimSpace(result.Metadata.Provider); p != "" {
		metadata[ProviderKey] = p
	}
	if m := strings.TrimSpace(result.Metadata.Model); m != "" {
		metadata[ModelKey] = m
	}
	if usage := result.Metadata.Usage; usage != nil {
		metadata[UsageInputTokensKey] = strconv.FormatInt(usage.InputTokens, 10)
		metadata[UsageOutputTokensKey] = strconv.FormatInt(usage.OutputTokens, 10)
		metadata[UsageTotalTokensKey] = strconv.FormatInt(usage.TotalTokens, 10)
		metadata[UsageReasoningTokensKey] = strconv.FormatInt(usage.ReasoningTokens, 10)
		metadata[UsageCacheCreateTokensKey] = strconv.FormatInt(usage.CacheCreationTokens, 10)
		metadata[UsageCacheReadTokensKey] = strconv.FormatInt(usage.CacheReadTokens, 10)
	}

	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// ResultFromMetadata reconstructs a result from outbound metadata.
func ResultFromMetadata(text string, metadata map[string]string) Result {
	result := Result{Text: text}
	if metadata == nil {
		return result
	}

	result.Metadata.Provider = metadata[ProviderKey]
	result.Metadata.Model = metadata[ModelKey]
	result.Metadata.Usage = UsagePtr(TokenUsage{
		InputTokens:         parseInt64(metadata[UsageInputTokensKey]),
		OutputTokens:        parseInt64(metadata[UsageOutputTokensKey]),
		TotalTokens:         parseInt64(metadata[UsageTotalTokensKey]),
		ReasoningTokens:     parseInt64(metadata[UsageReasoningTokensKey]),
		CacheCreationTokens: parseInt64(metadata[UsageCacheCreateTokensKey]),
		CacheReadTokens:     parseInt64(metadata[UsageCacheReadTokensKey]),
	})
	return result
}

func parseInt64(value string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}

	return parsed
}
