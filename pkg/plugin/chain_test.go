package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chatgate/pkg/bus"
)

type stubHandle struct {
	name    string
	handle  func(*Request) (bool, error)
	loads   atomic.Int32
	unloads atomic.Int32
}

func (s *stubHandle) Name() string { return s.name }

func (s *stubHandle) HandleMessage(_ context.Context, req *Request) (bool, error) {
	return s.handle(req)
}

func (s *stubHandle) OnLoad(context.Context, Host) error {
	s.loads.Add(1)
	return nil
}

func (s *stubHandle) OnUnload(context.Context) error {
	s.unloads.Add(1)
	return nil
}

func newRequest(text string) *Request {
	return &Request{Event: bus.NewMessage("test", bus.ChatGroup, "1", "u1", text), Text: text}
}

func TestDispatchFirstHandlerWins(t *testing.T) {
	t.Parallel()

	chain := NewChain(Host{})
	var secondCalls atomic.Int32

	first := &stubHandle{name: "first", handle: func(req *Request) (bool, error) {
		req.Reply = "from first"
		return true, nil
	}}
	second := &stubHandle{name: "second", handle: func(*Request) (bool, error) {
		secondCalls.Add(1)
		return true, nil
	}}

	for _, h := range []Handle{first, second} {
		if err := chain.Register(context.Background(), h); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}

	req := newRequest("hi")
	if !chain.Dispatch(context.Background(), req) {
		t.Fatal("expected dispatch to be handled")
	}
	if req.Reply != "from first" {
		t.Fatalf("reply = %q", req.Reply)
	}
	if secondCalls.Load() != 0 {
		t.Fatal("second handle should not run after first handled")
	}
	if first.loads.Load() != 1 {
		t.Fatalf("OnLoad calls = %d, want 1", first.loads.Load())
	}
}

func TestFailingHandleIsSkipped(t *testing.T) {
	t.Parallel()

	chain := NewChain(Host{})
	panicky := &stubHandle{name: "panicky", handle: func(*Request) (bool, error) { panic("nil deref") }}
	erroring := &stubHandle{name: "erroring", handle: func(*Request) (bool, error) { return true, errors.New("db down") }}
	good := &stubHandle{name: "good", handle: func(req *Request) (bool, error) {
		req.Reply = "ok"
		return true, nil
	}}

	for _, h := range []Handle{panicky, erroring, good} {
		if err := chain.Register(context.Background(), h); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}

	req := newRequest("hi")
	if !chain.Dispatch(context.Background(), req) || req.Reply != "ok" {
		t.Fatalf("dispatch did not reach good handle, reply = %q", req.Reply)
	}

	stats := chain.Stats()
	if stats.Failures != 2 {
		t.Fatalf("failures = %d, want 2", stats.Failures)
	}
}

func TestDispatchUnhandled(t *testing.T) {
	t.Parallel()

	chain := NewChain(Host{})
	broken := &stubHandle{name: "broken", handle: func(*Request) (bool, error) { panic("boom") }}
	quiet := &stubHandle{name: "quiet", handle: func(*Request) (bool, error) { return false, nil }}
	_ = chain.Register(context.Background(), broken)
	_ = chain.Register(context.Background(), quiet)

	if chain.Dispatch(context.Background(), newRequest("hi")) {
		t.Fatal("expected handled=false")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	t.Parallel()

	chain := NewChain(Host{})
	h := &stubHandle{name: "dup", handle: func(*Request) (bool, error) { return false, nil }}
	if err := chain.Register(context.Background(), h); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := chain.Register(context.Background(), h); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Register error = %v, want ErrDuplicate", err)
	}
}

func TestUnregisterWaitsForInFlightDispatch(t *testing.T) {
	t.Parallel()

	chain := NewChain(Host{})

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := &stubHandle{name: "slow", handle: func(*Request) (bool, error) {
		close(entered)
		<-release
		return true, nil
	}}
	fast := &stubHandle{name: "fast", handle: func(*Request) (bool, error) { return true, nil }}
	_ = chain.Register(context.Background(), slow)

	other := NewChain(Host{})
	_ = other.Register(context.Background(), fast)

	go chain.Dispatch(context.Background(), newRequest("hi"))
	<-entered

	unregistered := make(chan error, 1)
	go func() { unregistered <- chain.Unregister(context.Background(), "slow") }()

	select {
	case <-unregistered:
		t.Fatal("unregister finished while dispatch was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	// Other handles keep dispatching meanwhile.
	if !other.Dispatch(context.Background(), newRequest("hi")) {
		t.Fatal("unrelated dispatch blocked")
	}

	close(release)
	select {
	case err := <-unregistered:
		if err != nil {
			t.Fatalf("Unregister error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("unregister never completed")
	}

	if slow.unloads.Load() != 1 {
		t.Fatalf("OnUnload calls = %d, want 1", slow.unloads.Load())
	}
	if chain.Has("slow") {
		t.Fatal("slow should be gone")
	}
	if err := chain.Unregister(context.Background(), "slow"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Unregister error = %v, want ErrNotFound", err)
	}
}

func TestReloadRunsLifecycleHooks(t *testing.T) {
	t.Parallel()

	chain := NewChain(Host{})
	h := &stubHandle{name: "r", handle: func(*Request) (bool, error) { return false, nil }}
	_ = chain.Register(context.Background(), h)

	if err := chain.Reload(context.Background(), "r"); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if h.loads.Load() != 2 || h.unloads.Load() != 1 {
		t.Fatalf("loads=%d unloads=%d", h.loads.Load(), h.unloads.Load())
	}
}

func TestPingOnlyAnswersCommands(t *testing.T) {
	t.Parallel()

	chain := NewChain(Host{})
	_ = chain.Register(context.Background(), NewPing())

	if chain.Dispatch(context.Background(), newRequest("ping")) {
		t.Fatal("plain text should not reach ping")
	}

	req := newRequest("/ping")
	req.Command = &Command{Name: "ping", Raw: "/ping"}
	if !chain.Dispatch(context.Background(), req) || req.Reply != "pong" {
		t.Fatalf("reply = %q", req.Reply)
	}
}

func TestAutoReplyRules(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "autoreply.yaml")
	if err := os.WriteFile(path, []byte("- keyword: bye\n  reply: see you\n  exact: true\n"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	h, err := Builtins().Build(AutoReplyName, map[string]any{
		"rules_file": path,
		"rules":      []any{map[string]any{"keyword": "hello", "reply": "hi there"}},
	})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	chain := NewChain(Host{})
	if err := chain.Register(context.Background(), h); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	tests := []struct {
		text    string
		handled bool
		reply   string
	}{
		{text: "well hello friend", handled: true, reply: "hi there"},
		{text: "bye", handled: true, reply: "see you"},
		{text: "bye now", handled: false},
	}
	for _, tt := range tests {
		req := newRequest(tt.text)
		if got := chain.Dispatch(context.Background(), req); got != tt.handled || req.Reply != tt.reply {
			t.Fatalf("Dispatch(%q) = (%v, %q), want (%v, %q)", tt.text, got, req.Reply, tt.handled, tt.reply)
		}
	}
}

func TestRegistryUnknownPlugin(t *testing.T) {
	t.Parallel()

	if _, err := Builtins().Build("nope", nil); err == nil {
		t.Fatal("expected unknown plugin error")
	}
	if names := Builtins().Names(); len(names) != 2 || names[0] != AutoReplyName {
		t.Fatalf("Names() = %v", names)
	}
}
