package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startedBus(t *testing.T, queueSize int) *EventBus {
	t.Helper()
	b := NewEventBus(queueSize, nil)
	b.Start(context.Background())
	t.Cleanup(b.Close)
	return b
}

func TestListenersRunInPriorityOrder(t *testing.T) {
	b := startedBus(t, 16)

	var mu sync.Mutex
	var order []string
	record := func(name string) Listener {
		return func(context.Context, *Event) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	b.Subscribe("msg", record("low"), -1)
	b.Subscribe("msg", record("default-a"), 0)
	b.Subscribe("msg", record("high"), 10)
	b.Subscribe("msg", record("default-b"), 0)

	if _, err := b.PublishSync(context.Background(), NewEvent("msg", nil)); err != nil {
		t.Fatalf("PublishSync error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "default-a", "default-b", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFirstNonNilResultWins(t *testing.T) {
	b := startedBus(t, 16)

	b.Subscribe("q", func(context.Context, *Event) (any, error) { return nil, nil }, 5)
	b.Subscribe("q", func(context.Context, *Event) (any, error) { return "first", nil }, 3)
	b.Subscribe("q", func(context.Context, *Event) (any, error) { return "second", nil }, 1)

	got, err := b.PublishSync(context.Background(), NewEvent("q", nil))
	if err != nil {
		t.Fatalf("PublishSync error: %v", err)
	}
	if got != "first" {
		t.Fatalf("result = %v, want first", got)
	}
}

func TestListenerFailureIsContained(t *testing.T) {
	b := startedBus(t, 16)

	b.Subscribe("q", func(context.Context, *Event) (any, error) { panic("boom") }, 3)
	b.Subscribe("q", func(context.Context, *Event) (any, error) { return nil, errors.New("bad") }, 2)
	b.Subscribe("q", func(context.Context, *Event) (any, error) { return "survivor", nil }, 1)

	got, err := b.PublishSync(context.Background(), NewEvent("q", nil))
	if err != nil {
		t.Fatalf("PublishSync error: %v", err)
	}
	if got != "survivor" {
		t.Fatalf("result = %v, want survivor", got)
	}
	if failures := b.Stats().ListenerFailures; failures != 2 {
		t.Fatalf("listener failures = %d, want 2", failures)
	}
}

func TestStopHaltsLowerPriorityListeners(t *testing.T) {
	b := startedBus(t, 16)

	called := make(chan struct{}, 1)
	b.Subscribe("q", func(_ context.Context, ev *Event) (any, error) {
		ev.Stop()
		return "stopped", nil
	}, 2)
	b.Subscribe("q", func(context.Context, *Event) (any, error) {
		called <- struct{}{}
		return nil, nil
	}, 1)

	ev := NewEvent("q", nil)
	got, err := b.PublishSync(context.Background(), ev)
	if err != nil {
		t.Fatalf("PublishSync error: %v", err)
	}
	if got != "stopped" {
		t.Fatalf("result = %v, want stopped", got)
	}

	select {
	case <-ev.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatch did not finish")
	}
	select {
	case <-called:
		t.Fatal("lower priority listener ran after Stop")
	default:
	}
}

func TestPublishPreservesOrderWithinType(t *testing.T) {
	b := startedBus(t, 64)

	got := make(chan int, 32)
	b.Subscribe("seq", func(_ context.Context, ev *Event) (any, error) {
		got <- ev.Data.(int)
		return nil, nil
	}, 0)

	for i := 0; i < 32; i++ {
		if !b.Publish(context.Background(), NewEvent("seq", i)) {
			t.Fatalf("publish %d failed", i)
		}
	}

	for want := 0; want < 32; want++ {
		select {
		case n := <-got:
			if n != want {
				t.Fatalf("delivery = %d, want %d", n, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestPublishDropsOnFullQueue(t *testing.T) {
	// Not started: nothing drains the queue.
	b := NewEventBus(2, nil)
	t.Cleanup(b.Close)

	for i := 0; i < 2; i++ {
		if !b.Publish(context.Background(), NewEvent("x", i)) {
			t.Fatalf("publish %d should fit in queue", i)
		}
	}

	done := make(chan bool)
	go func() { done <- b.Publish(context.Background(), NewEvent("x", 3)) }()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected overflow publish to be dropped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("publish blocked on a full queue")
	}

	if dropped := b.Stats().Dropped; dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if _, err := b.PublishSync(context.Background(), NewEvent("x", 4)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("PublishSync error = %v, want ErrQueueFull", err)
	}
}

func TestUnsubscribeAndClear(t *testing.T) {
	b := startedBus(t, 16)

	id := b.Subscribe("q", func(context.Context, *Event) (any, error) { return "a", nil }, 0)
	b.Subscribe("other", func(context.Context, *Event) (any, error) { return "b", nil }, 0)

	if !b.Unsubscribe("q", id) {
		t.Fatal("expected unsubscribe to find listener")
	}
	if b.Unsubscribe("q", id) {
		t.Fatal("expected second unsubscribe to be a no-op")
	}

	got, err := b.PublishSync(context.Background(), NewEvent("q", nil))
	if err != nil {
		t.Fatalf("PublishSync error: %v", err)
	}
	if got != nil {
		t.Fatalf("result = %v, want nil", got)
	}

	b.ClearListeners("")
	if n := len(b.Stats().Listeners); n != 0 {
		t.Fatalf("listener types = %d, want 0", n)
	}
}

func TestCloseStopsPublishing(t *testing.T) {
	b := NewEventBus(4, nil)
	b.Start(context.Background())
	b.Close()

	if b.Publish(context.Background(), NewEvent("x", nil)) {
		t.Fatal("expected publish to fail after close")
	}
	if _, err := b.PublishSync(context.Background(), NewEvent("x", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("PublishSync error = %v, want ErrClosed", err)
	}
}

func TestPublishSyncHonorsContext(t *testing.T) {
	b := startedBus(t, 4)

	release := make(chan struct{})
	b.Subscribe("slow", func(context.Context, *Event) (any, error) {
		<-release
		return nil, nil
	}, 0)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.PublishSync(ctx, NewEvent("slow", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PublishSync error = %v, want deadline exceeded", err)
	}
}

func TestKeyFor(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		chatType ChatType
		chatID   string
		sender   string
		want     ConversationKey
	}{
		{name: "group", chatType: ChatGroup, chatID: "42", want: "group:42"},
		{name: "private uses chat", chatType: ChatPrivate, chatID: "7", sender: "9", want: "private:7"},
		{name: "private falls back to sender", chatType: ChatPrivate, sender: "9", want: "private:9"},
		{name: "channel prefix", channel: "telegram", chatType: ChatGroup, chatID: "-100", want: "telegram:group:-100"},
		{name: "group without id", chatType: ChatGroup, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyFor(tt.channel, tt.chatType, tt.chatID, tt.sender); got != tt.want {
				t.Fatalf("KeyFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConversationKeyParse(t *testing.T) {
	channel, chatType, id, ok := ConversationKey("onebot:group:123").Parse()
	if !ok || channel != "onebot" || chatType != ChatGroup || id != "123" {
		t.Fatalf("Parse() = %q %q %q %v", channel, chatType, id, ok)
	}

	if _, _, _, ok := ConversationKey("room:1").Parse(); ok {
		t.Fatal("expected unknown chat type to fail parsing")
	}
}

func TestPlainTextJoinsTextSegments(t *testing.T) {
	ev := InboundEvent{Segments: []Segment{
		{Type: SegmentMention, Target: "bot"},
		{Type: SegmentText, Text: " hello "},
		{Type: SegmentImage, URL: "http://x/y.png"},
		{Type: SegmentText, Text: "world "},
	}}
	if got := ev.PlainText(); got != "hello world" {
		t.Fatalf("PlainText() = %q, want %q", got, "hello world")
	}
}
