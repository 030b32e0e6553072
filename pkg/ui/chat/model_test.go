package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	providertypes "chatgate/pkg/provider/types"
)

func TestApplyResultAccumulatesUsage(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{Conversation: "console:private:local"})
	m.isLoading = true

	m.applyResult(promptResultMsg{result: providertypes.Result{
		Text: "hello",
		Metadata: providertypes.ResultMetadata{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Usage:    &providertypes.TokenUsage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7},
		},
	}})
	m.applyResult(promptResultMsg{result: providertypes.Result{
		Text:     "again",
		Metadata: providertypes.ResultMetadata{Usage: &providertypes.TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}},
	}})

	if m.isLoading {
		t.Fatal("expected loading to stop after a result")
	}
	if m.usageTotal != 9 || m.usageIn != 4 || m.usageOut != 5 {
		t.Fatalf("usage = %d/%d/%d, want 4/5/9", m.usageIn, m.usageOut, m.usageTotal)
	}
	if m.runtime.Provider != "openai" || m.runtime.Model != "gpt-4o-mini" {
		t.Fatalf("runtime = %+v", m.runtime)
	}
	if len(m.messages) != 2 || m.messages[1].role != roleAssistant {
		t.Fatalf("messages = %+v", m.messages)
	}
}

func TestApplyResultEmptyReplyAddsNotice(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{})
	m.applyResult(promptResultMsg{})

	if len(m.messages) != 1 || m.messages[0].role != roleNotice {
		t.Fatalf("messages = %+v, want one notice", m.messages)
	}
}

func TestApplyResultErrorSetsLastErr(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{})
	m.booting = false
	m.applyResult(promptResultMsg{err: errors.New("rate limited")})

	if m.lastErr != "rate limited" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
	if !strings.Contains(m.View(), "rate limited") {
		t.Fatal("expected the error in the view")
	}
}

func TestNoticeMessagesAppendAndRearm(t *testing.T) {
	t.Parallel()

	notices := make(chan string, 1)
	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{})
	m.notices = notices

	_, cmd := m.Update(noticeMsg{text: "You are sending messages too fast.", ok: true})
	if cmd == nil {
		t.Fatal("expected the notice listener to re-arm")
	}
	if len(m.messages) != 1 || m.messages[0].role != roleNotice {
		t.Fatalf("messages = %+v", m.messages)
	}

	close(notices)
	msg := cmd()
	if got, ok := msg.(noticeMsg); !ok || got.ok {
		t.Fatalf("msg = %#v, want closed noticeMsg", msg)
	}
}

func TestEnterSubmitsPrompt(t *testing.T) {
	t.Parallel()

	var got string
	prompt := func(_ context.Context, text string) (providertypes.Result, error) {
		got = text
		return providertypes.Result{Text: "pong"}, nil
	}
	m := newModel(context.Background(), prompt, modeInteractive, "", RuntimeInfo{})
	m.booting = false
	m.input.SetValue("/ping")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected a prompt command")
	}
	if !m.isLoading || m.input.Value() != "" {
		t.Fatalf("loading = %v, input = %q", m.isLoading, m.input.Value())
	}

	result := sendPromptCmd(context.Background(), prompt, "/ping")()
	m.Update(result)
	if got != "/ping" {
		t.Fatalf("prompt = %q, want /ping", got)
	}
	if last := m.messages[len(m.messages)-1]; last.content != "pong" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestIsExitCommand(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"exit", " /EXIT ", "quit", ":q"} {
		if !isExitCommand(input) {
			t.Fatalf("isExitCommand(%q) = false", input)
		}
	}
	if isExitCommand("/help") {
		t.Fatal("/help is not an exit command")
	}
}
