package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgate/pkg/bus"
)

type countingSender struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (c *countingSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func TestRouterRoutesByChannel(t *testing.T) {
	t.Parallel()

	a, b := &countingSender{}, &countingSender{}
	r := NewRouter()
	r.Register("a", a)
	r.Register("b", b)

	if err := r.Send(context.Background(), bus.OutboundMessage{Channel: "b", Content: "hi"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(a.sent) != 0 || len(b.sent) != 1 {
		t.Fatalf("sent a=%d b=%d, want 0/1", len(a.sent), len(b.sent))
	}

	err := r.Send(context.Background(), bus.OutboundMessage{Channel: "c"})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	if got := strings.Join(r.Names(), ","); got != "a,b" {
		t.Fatalf("Names = %q", got)
	}
}

func TestThrottleWaitsForTokens(t *testing.T) {
	t.Parallel()

	inner := &countingSender{}
	s := NewThrottle(inner, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), bus.OutboundMessage{}); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}
	// Two refills at 20/s need at least ~100ms.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("elapsed = %s, want throttling", elapsed)
	}
}

func TestThrottleHonorsContext(t *testing.T) {
	t.Parallel()

	s := NewThrottle(&countingSender{}, 0.001, 1)
	_ = s.Send(context.Background(), bus.OutboundMessage{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, bus.OutboundMessage{}); err == nil {
		t.Fatal("expected error when ctx expires before a token is available")
	}
}

func TestThrottleDisabled(t *testing.T) {
	t.Parallel()

	inner := &countingSender{}
	if s := NewThrottle(inner, 0, 0); s != Sender(inner) {
		t.Fatalf("NewThrottle with zero rate = %T, want inner sender", s)
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := AllowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("AllowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("AllowFromSet missing 123")
	}
	if AllowFromSet([]string{" "}) != nil {
		t.Fatal("expected nil set for blank values")
	}
}

func TestPreviewText(t *testing.T) {
	if got := PreviewText(" hello "); got != "hello" {
		t.Fatalf("PreviewText short = %q, want %q", got, "hello")
	}

	got := PreviewText(strings.Repeat("a", 260))
	if len(got) != 243 || !strings.HasSuffix(got, "...") {
		t.Fatalf("PreviewText long = %q", got)
	}
}
