// Package console is an in-process channel used by the interactive chat UI.
// It talks to the engine exactly like a network connector does.
package console

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatgate/pkg/bus"
	"chatgate/pkg/channel"
)

const (
	ChannelName = "console"

	defaultUserID = "local"
)

var (
	ErrNoReply    = errors.New("no reply")
	errNotRunning = errors.New("console channel is not running")
)

type Options struct {
	UserID   string
	UserName string
	// ReplyWait bounds how long Ask waits after submitting. Zero suits a
	// synchronous sink where the reply has already been sent.
	ReplyWait time.Duration
	Logger    *slog.Logger
}

type Adapter struct {
	userID    string
	userName  string
	replyWait time.Duration
	log       *slog.Logger

	mu      sync.RWMutex
	sink    channel.Sink
	waiters map[string]chan bus.OutboundMessage

	unsolicited chan bus.OutboundMessage
}

func NewAdapter(opts Options) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		userID = defaultUserID
	}

	return &Adapter{
		userID:      userID,
		userName:    opts.UserName,
		replyWait:   opts.ReplyWait,
		log:         log.With("component", "channel.console"),
		waiters:     make(map[string]chan bus.OutboundMessage),
		unsolicited: make(chan bus.OutboundMessage, 16),
	}
}

func (a *Adapter) Name() string { return ChannelName }

// Key is the conversation every console message belongs to.
func (a *Adapter) Key() bus.ConversationKey {
	return bus.KeyFor(ChannelName, bus.ChatPrivate, a.userID, a.userID)
}

func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	<-ctx.Done()

	a.mu.Lock()
	a.sink = nil
	a.mu.Unlock()
	return nil
}

// Attach sets the sink without blocking, for callers that do not run the
// adapter in its own goroutine.
func (a *Adapter) Attach(sink channel.Sink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

// Ask submits text as the local user and returns the reply addressed to it.
// ErrNoReply means the message was processed without producing a reply.
func (a *Adapter) Ask(ctx context.Context, text string) (bus.OutboundMessage, error) {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return bus.OutboundMessage{}, errNotRunning
	}

	ev := bus.NewMessage(ChannelName, bus.ChatPrivate, a.userID, a.userID, strings.TrimSpace(text))
	ev.SenderName = a.userName
	ev.Mentioned = true

	wait := make(chan bus.OutboundMessage, 1)
	a.mu.Lock()
	a.waiters[ev.ID] = wait
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, ev.ID)
		a.mu.Unlock()
	}()

	if err := sink.Submit(ctx, ev); err != nil {
		return bus.OutboundMessage{}, err
	}

	select {
	case out := <-wait:
		return out, nil
	default:
	}
	if a.replyWait <= 0 {
		return bus.OutboundMessage{}, ErrNoReply
	}

	timer := time.NewTimer(a.replyWait)
	defer timer.Stop()
	select {
	case out := <-wait:
		return out, nil
	case <-timer.C:
		return bus.OutboundMessage{}, ErrNoReply
	case <-ctx.Done():
		return bus.OutboundMessage{}, ctx.Err()
	}
}

// Send routes a reply to the Ask call waiting for it. Anything else, such as
// rejection notices, goes to Replies.
func (a *Adapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.RLock()
	wait, ok := a.waiters[msg.ReplyTo]
	a.mu.RUnlock()

	if ok {
		select {
		case wait <- msg:
			return nil
		default:
		}
	}

	select {
	case a.unsolicited <- msg:
	default:
		a.log.Warn("Dropping console message", "content", channel.PreviewText(msg.Content))
	}
	return nil
}

// Replies yields messages that were not answers to a pending Ask.
func (a *Adapter) Replies() <-chan bus.OutboundMessage { return a.unsolicited }
