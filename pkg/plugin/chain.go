package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatgate/pkg/bus"
	"chatgate/pkg/failure"
)

var (
	ErrDuplicate = errors.New("plugin already registered")
	ErrNotFound  = errors.New("plugin not registered")
)

type entry struct {
	handle Handle

	// mu is held shared by dispatch and exclusively by lifecycle changes.
	mu      sync.RWMutex
	removed bool

	calls    atomic.Uint64
	handled  atomic.Uint64
	failures atomic.Uint64
}

type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Messages    bool   `json:"messages"`
	Commands    bool   `json:"commands"`
	Calls       uint64 `json:"calls"`
	Handled     uint64 `json:"handled"`
	Failures    uint64 `json:"failures"`
}

type Stats struct {
	Dispatches uint64 `json:"dispatches"`
	Handled    uint64 `json:"handled"`
	Failures   uint64 `json:"failures"`
	Plugins    []Info `json:"plugins"`
}

// Chain offers each event to registered handles in registration order and
// stops at the first one that handles it.
type Chain struct {
	host Host
	log  *slog.Logger

	mu      sync.RWMutex
	entries []*entry

	dispatches atomic.Uint64
	handled    atomic.Uint64
	failures   atomic.Uint64
}

func NewChain(host Host) *Chain {
	logger := host.Log
	if logger == nil {
		logger = slog.Default()
	}
	host.Log = logger

	return &Chain{
		host: host,
		log:  logger.With("component", "plugin.chain"),
	}
}

// Register loads h and appends it to the chain. OnLoad runs outside the
// chain lock so dispatch is not held up by a slow loader.
func (c *Chain) Register(ctx context.Context, h Handle) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("plugin must have a name")
	}
	if c.find(h.Name()) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, h.Name())
	}

	if err := c.load(ctx, h); err != nil {
		return err
	}

	c.mu.Lock()
	for _, e := range c.entries {
		if e.handle.Name() == h.Name() {
			c.mu.Unlock()
			_ = c.unload(ctx, h)
			return fmt.Errorf("%w: %s", ErrDuplicate, h.Name())
		}
	}
	c.entries = append(c.entries, &entry{handle: h})
	c.mu.Unlock()

	c.log.Info("Plugin registered", "plugin", h.Name())
	c.notify(ctx, h.Name(), "registered")
	return nil
}

// Unregister removes the named handle once any dispatch to it has finished.
func (c *Chain) Unregister(ctx context.Context, name string) error {
	c.mu.Lock()
	var target *entry
	for i, e := range c.entries {
		if e.handle.Name() == name {
			target = e
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	target.mu.Lock()
	target.removed = true
	err := c.unload(ctx, target.handle)
	target.mu.Unlock()

	c.log.Info("Plugin unregistered", "plugin", name)
	c.notify(ctx, name, "unregistered")
	return err
}

// Reload runs the unload and load hooks of the named handle in place.
func (c *Chain) Reload(ctx context.Context, name string) error {
	target := c.find(name)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	target.mu.Lock()
	defer target.mu.Unlock()

	if target.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := c.unload(ctx, target.handle); err != nil {
		return err
	}
	if err := c.load(ctx, target.handle); err != nil {
		return err
	}

	c.log.Info("Plugin reloaded", "plugin", name)
	c.notify(ctx, name, "reloaded")
	return nil
}

// Dispatch offers req to each handle. A handle that errors or panics is
// treated as not having handled the event.
func (c *Chain) Dispatch(ctx context.Context, req *Request) bool {
	c.dispatches.Add(1)

	c.mu.RLock()
	entries := append([]*entry(nil), c.entries...)
	c.mu.RUnlock()

	for _, e := range entries {
		if ctx.Err() != nil {
			return false
		}

		handled, err := c.try(ctx, e, req)
		if err != nil {
			e.failures.Add(1)
			c.failures.Add(1)
			c.log.Error("Plugin failed", "plugin", e.handle.Name(), "event_id", req.Event.ID, "error", err)
			continue
		}
		if handled {
			e.handled.Add(1)
			c.handled.Add(1)
			return true
		}
	}

	return false
}

func (c *Chain) try(ctx context.Context, e *entry, req *Request) (handled bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.removed {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			handled = false
			err = failure.Recovered(failure.PluginFailure, e.handle.Name(), r)
		}
	}()

	switch h := e.handle.(type) {
	case CommandHandler:
		if req.Command != nil {
			e.calls.Add(1)
			handled, err = h.HandleCommand(ctx, req)
			break
		}
		if mh, ok := e.handle.(MessageHandler); ok {
			e.calls.Add(1)
			handled, err = mh.HandleMessage(ctx, req)
		}
	case MessageHandler:
		e.calls.Add(1)
		handled, err = h.HandleMessage(ctx, req)
	}

	if err != nil {
		return false, failure.Wrap(failure.PluginFailure, e.handle.Name(), err)
	}
	return handled, nil
}

func (c *Chain) load(ctx context.Context, h Handle) error {
	loader, ok := h.(Loader)
	if !ok {
		return nil
	}
	if err := loader.OnLoad(ctx, c.host); err != nil {
		return failure.Wrap(failure.PluginFailure, h.Name()+" load", err)
	}
	return nil
}

func (c *Chain) unload(ctx context.Context, h Handle) error {
	unloader, ok := h.(Unloader)
	if !ok {
		return nil
	}
	if err := unloader.OnUnload(ctx); err != nil {
		return failure.Wrap(failure.PluginFailure, h.Name()+" unload", err)
	}
	return nil
}

func (c *Chain) find(name string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.handle.Name() == name {
			return e
		}
	}
	return nil
}

func (c *Chain) notify(ctx context.Context, name, action string) {
	if c.host.Events == nil {
		return
	}
	c.host.Events.Publish(ctx, bus.NewEvent(bus.TopicPluginChanged, map[string]string{
		"plugin": name,
		"action": action,
	}))
}

// Has reports whether name is registered.
func (c *Chain) Has(name string) bool { return c.find(name) != nil }

// Handles lists registered plugins in dispatch order.
func (c *Chain) Handles() []Info {
	c.mu.RLock()
	entries := append([]*entry(nil), c.entries...)
	c.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		info := Info{
			Name:     e.handle.Name(),
			Calls:    e.calls.Load(),
			Handled:  e.handled.Load(),
			Failures: e.failures.Load(),
		}
		if d, ok := e.handle.(Describer); ok {
			info.Description = d.Description()
		}
		_, info.Messages = e.handle.(MessageHandler)
		_, info.Commands = e.handle.(CommandHandler)
		out = append(out, info)
	}
	return out
}

func (c *Chain) Stats() Stats {
	return Stats{
		Dispatches: c.dispatches.Load(),
		Handled:    c.handled.Load(),
		Failures:   c.failures.Load(),
		Plugins:    c.Handles(),
	}
}
