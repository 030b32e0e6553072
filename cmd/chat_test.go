package cmd

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"chatgate/pkg/config"
	"chatgate/pkg/failure"
	"chatgate/pkg/logger"
	providertypes "chatgate/pkg/provider/types"
)

func TestIsExitCommand(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{input: "exit", want: true},
		{input: " quit ", want: true},
		{input: ":q", want: true},
		{input: "EXIT", want: true},
		{input: "hello", want: false},
		{input: "quit now", want: false},
	}

	for _, tt := range tests {
		if got := isExitCommand(tt.input); got != tt.want {
			t.Fatalf("isExitCommand(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestReplyLines(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantOut []string
	}{
		{name: "single line", input: "hello", wantOut: []string{"hello"}},
		{name: "multi line", input: "one\ntwo", wantOut: []string{"one", "two"}},
		{name: "trim outer whitespace", input: "  one\ntwo  ", wantOut: []string{"one", "two"}},
		{name: "empty input", input: "   ", wantOut: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := replyLines(tt.input)
			if !reflect.DeepEqual(got, tt.wantOut) {
				t.Fatalf("replyLines(%q) = %#v, want %#v", tt.input, got, tt.wantOut)
			}
		})
	}
}

func TestResolvePrompt(t *testing.T) {
	original := promptText
	t.Cleanup(func() {
		promptText = original
	})

	promptText = " from-flag "
	if got := resolvePrompt([]string{"from", "args"}); got != "from-flag" {
		t.Fatalf("resolvePrompt with flag = %q, want %q", got, "from-flag")
	}

	promptText = ""
	if got := resolvePrompt([]string{"hello", "world"}); got != "hello world" {
		t.Fatalf("resolvePrompt with args = %q, want %q", got, "hello world")
	}

	if got := resolvePrompt(nil); got != "" {
		t.Fatalf("resolvePrompt without input = %q, want empty", got)
	}
}

func TestRunPlain(t *testing.T) {
	var prompts []string
	prompt := func(_ context.Context, text string) (providertypes.Result, error) {
		prompts = append(prompts, text)
		if text == "fail" {
			return providertypes.Result{}, errors.New("boom")
		}
		return providertypes.Result{Text: "re: " + text}, nil
	}

	in := strings.NewReader("hello\n\nfail\nquit\nnever sent\n")
	var out bytes.Buffer
	if err := runPlain(context.Background(), in, &out, prompt, ""); err != nil {
		t.Fatalf("runPlain() error = %v", err)
	}

	if !reflect.DeepEqual(prompts, []string{"hello", "fail"}) {
		t.Fatalf("prompts = %#v", prompts)
	}
	if !strings.Contains(out.String(), "< re: hello\n") {
		t.Fatalf("output missing reply: %q", out.String())
	}
	if !strings.Contains(out.String(), "error: boom") {
		t.Fatalf("output missing error: %q", out.String())
	}
}

func TestRunPlainOneShot(t *testing.T) {
	prompt := func(_ context.Context, text string) (providertypes.Result, error) {
		return providertypes.Result{Text: "one\ntwo"}, nil
	}

	var out bytes.Buffer
	if err := runPlain(context.Background(), strings.NewReader(""), &out, prompt, "hi"); err != nil {
		t.Fatalf("runPlain() error = %v", err)
	}
	if out.String() != "< one\n< two\n\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestConsoleSessionRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Plugins.Enabled = []string{"ping"}

	gen := providertypes.GeneratorFunc(func(_ context.Context, req providertypes.Request) (providertypes.Result, error) {
		return providertypes.Result{
			Text:     "answer to " + req.UserText,
			Metadata: providertypes.ResultMetadata{Provider: "fake", Model: "fake-1"},
		}, nil
	})

	ctx := context.Background()
	session, err := newConsoleSession(ctx, cfg, gen, logger.Discard())
	if err != nil {
		t.Fatalf("newConsoleSession() error = %v", err)
	}
	t.Cleanup(session.close)

	result, err := session.prompt(ctx, "what time is it")
	if err != nil {
		t.Fatalf("prompt() error = %v", err)
	}
	if result.Text != "answer to what time is it" || result.Metadata.Provider != "fake" {
		t.Fatalf("result = %+v", result)
	}

	result, err = session.prompt(ctx, "/ping")
	if err != nil || result.Text != "pong" {
		t.Fatalf("ping result = %+v, err = %v", result, err)
	}
}

func TestConsoleSessionSurfacesRejections(t *testing.T) {
	cfg := config.Default()
	cfg.Performance.MessageRateLimit = 1
	cfg.Performance.BurstLimit = 1

	gen := providertypes.GeneratorFunc(func(context.Context, providertypes.Request) (providertypes.Result, error) {
		return providertypes.Result{Text: "ok"}, nil
	})

	ctx := context.Background()
	session, err := newConsoleSession(ctx, cfg, gen, logger.Discard())
	if err != nil {
		t.Fatalf("newConsoleSession() error = %v", err)
	}
	t.Cleanup(session.close)

	if _, err := session.prompt(ctx, "first"); err != nil {
		t.Fatalf("first prompt error = %v", err)
	}
	_, err = session.prompt(ctx, "second")
	if !failure.Is(err, failure.AdmissionRejected) {
		t.Fatalf("second prompt error = %v, want admission rejection", err)
	}
}
