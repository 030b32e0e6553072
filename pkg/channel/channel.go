package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"chatgate/pkg/bus"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Sink accepts inbound events from an adapter. Submit returns quickly; the
// event is processed asynchronously.
type Sink interface {
	Submit(ctx context.Context, ev bus.InboundEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev bus.InboundEvent) error

func (f SinkFunc) Submit(ctx context.Context, ev bus.InboundEvent) error { return f(ctx, ev) }

// Sender delivers one outbound message.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Adapter bridges one external transport (for example Telegram) into the gateway.
type Adapter interface {
	Sender
	Name() string
	// Run reads the transport until ctx is done and hands events to sink.
	Run(ctx context.Context, sink Sink) error
}

// Router sends outbound messages through the adapter named by msg.Channel.
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register binds name to s, replacing any previous sender.
func (r *Router) Register(name string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[strings.TrimSpace(name)] = s
}

func (r *Router) Send(ctx context.Context, msg bus.OutboundMessage) error {
	r.mu.RLock()
	s, ok := r.senders[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, msg.Channel)
	}
	return s.Send(ctx, msg)
}

// Names lists registered channels.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Throttle limits the send rate of a sender. Send waits for a token and
// gives up when ctx is done.
type Throttle struct {
	next    Sender
	limiter *rate.Limiter
}

// NewThrottle wraps next. perSecond <= 0 disables throttling.
func NewThrottle(next Sender, perSecond float64, burst int) Sender {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttle) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttled: %w", err)
	}
	return t.next.Send(ctx, msg)
}

// PreviewText returns a bounded log-safe preview of message text.
func PreviewText(text string) string {
	const limit = 240
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= limit {
		return trimmed
	}

	return trimmed[:limit] + "..."
}

// AllowFromSet normalizes allow_from values into a lookup set. An empty
// result means everyone is allowed.
func AllowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}
