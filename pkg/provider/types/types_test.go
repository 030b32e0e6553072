package types

import (
	"context"
	"testing"
)

func TestMetadataMapRoundTripsUsage(t *testing.T) {
	result := Result{
		Text: "hello",
		Metadata: ResultMetadata{
			Provider: "openai",
			Model:    "gpt-5.2",
			Usage:    &TokenUsage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8},
		},
	}

	metadata := MetadataMap(result)
	if metadata[UsageTotalTokensKey] != "8" {
		t.Fatalf("usage_total_tokens = %q, want 8", metadata[UsageTotalTokensKey])
	}

	got := ResultFromMetadata("hello", metadata)
	if got.Metadata.Provider != "openai" || got.Metadata.Model != "gpt-5.2" {
		t.Fatalf("identity = %+v", got.Metadata)
	}
	if got.Metadata.Usage == nil || *got.Metadata.Usage != *result.Metadata.Usage {
		t.Fatalf("usage = %+v, want %+v", got.Metadata.Usage, result.Metadata.Usage)
	}
}

func TestMetadataMapEmpty(t *testing.T) {
	if got := MetadataMap(Result{Text: "x"}); got != nil {
		t.Fatalf("MetadataMap() = %v, want nil", got)
	}
	if got := ResultFromMetadata("x", nil); got.Metadata.Usage != nil {
		t.Fatalf("usage = %+v, want nil", got.Metadata.Usage)
	}
}

func TestGeneratorFunc(t *testing.T) {
	var g Generator = GeneratorFunc(func(_ context.Context, req Request) (Result, error) {
		return Result{Text: "echo " + req.UserText}, nil
	})

	got, err := g.Generate(context.Background(), Request{UserText: "hi"})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if got.Text != "echo hi" {
		t.Fatalf("text = %q", got.Text)
	}
}
