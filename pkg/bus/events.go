package bus

import (
	"sync"
	"time"
)

// Lifecycle topics published by the dispatch engine.
const (
	TopicEventReceived  = "event.received"
	TopicEventRejected  = "event.rejected"
	TopicEventCompleted = "event.completed"
	TopicEventFailed    = "event.failed"
	TopicEventTimeout   = "event.timeout"
	TopicPluginChanged  = "plugin.changed"
	TopicNotice         = "notice.received"
)

// Event travels through the EventBus. Data is owned by the publisher; result
// and stop state are written by listeners.
type Event struct {
	Type string
	Data any
	At   time.Time

	result  any
	stopped bool
	doneCh  chan struct{}
	mu      sync.Mutex
	finOnce sync.Once
}

func NewEvent(eventType string, data any) *Event {
	return &Event{
		Type:   eventType,
		Data:   data,
		At:     time.Now().UTC(),
		doneCh: make(chan struct{}),
	}
}

// Stop prevents lower-priority listeners from seeing the event.
func (e *Event) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

func (e *Event) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// SetResult records v unless a result is already present.
func (e *Event) SetResult(v any) {
	if v == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		e.result = v
	}
}

func (e *Event) Result() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Done is closed once every listener has been offered the event.
func (e *Event) Done() <-chan struct{} { return e.doneCh }

func (e *Event) finish() { e.finOnce.Do(func() { close(e.doneCh) }) }

// Lifecycle is the payload of engine lifecycle topics.
type Lifecycle struct {
	EventID  string            `json:"event_id"`
	Channel  string            `json:"channel,omitempty"`
	Key      ConversationKey   `json:"key,omitempty"`
	SenderID string            `json:"sender_id,omitempty"`
	Elapsed  time.Duration     `json:"elapsed,omitempty"`
	Category string            `json:"category,omitempty"`
	Error    string            `json:"error,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// LifecycleFor seeds a lifecycle payload from an inbound event.
func LifecycleFor(ev InboundEvent) Lifecycle {
	return Lifecycle{
		EventID:  ev.ID,
		Channel:  ev.Channel,
		Key:      ev.Key,
		SenderID: ev.SenderID,
	}
}
