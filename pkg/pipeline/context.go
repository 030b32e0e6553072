package pipeline

import (
	"sync"

	"chatgate/pkg/bus"
)

// Well-known metadata keys shared by the canonical stages.
const (
	KeyText             = "text"
	KeyFilteredText     = "filtered_text"
	KeyMentioned        = "mentioned"
	KeyHasImage         = "has_image"
	KeyHasVoice         = "has_voice"
	KeyMedia            = "media"
	KeyModeration       = "moderation_result"
	KeyCommandProcessed = "command_processed"
	KeyCommandResult    = "command_result"
	KeyAIPrompt         = "ai_prompt"
	KeyAIResponse       = "ai_response"
	KeyAIError          = "ai_error"
	KeyResponseSent     = "response_sent"
)

// Context is the per-event scratch space. It is owned by one pipeline run;
// the mutex only guards against stray reads from hooks and listeners.
type Context struct {
	Event bus.InboundEvent

	mu       sync.RWMutex
	stopped  bool
	err      error
	metadata map[string]any
}

func NewContext(ev bus.InboundEvent) *Context {
	return &Context{Event: ev, metadata: make(map[string]any)}
}

// Stop prevents any further stage from running in this execution.
func (c *Context) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *Context) Stopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// SetError records a terminal error and stops the run.
func (c *Context) SetError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.stopped = true
	c.mu.Unlock()
}

func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

func (c *Context) String(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

func (c *Context) Bool(key string) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)
	return b
}

// Metadata returns a copy of the metadata bag.
func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}
