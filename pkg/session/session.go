// Package session resolves conversations for inbound events and stores
// their rolling chat history.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatgate/pkg/bus"
	"chatgate/pkg/config"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoConversation is returned when an event carries no conversation key.
var ErrNoConversation = errors.New("event has no conversation key")

// Entry is one remembered turn.
type Entry struct {
	Role    string
	Content string
	At      time.Time
}

// Store persists conversation history keyed by conversation ID.
type Store interface {
	// Load returns up to limit most recent entries, oldest first.
	// A limit <= 0 returns everything.
	Load(ctx context.Context, id string, limit int) ([]Entry, error)
	Append(ctx context.Context, id string, entries ...Entry) error
	Clear(ctx context.Context, id string) error
	Close() error
}

// Handle identifies the conversation an event belongs to.
type Handle struct {
	ID      string
	Key     bus.ConversationKey
	Persona string
}

// Resolver maps an inbound event to its conversation.
type Resolver interface {
	Resolve(ctx context.Context, ev *bus.InboundEvent) (Handle, error)
}

// KeyResolver uses the event's conversation key as the conversation ID.
// Personas can be overridden per conversation.
type KeyResolver struct {
	persona string

	mu        sync.RWMutex
	overrides map[string]string
}

func NewKeyResolver(persona string) *KeyResolver {
	return &KeyResolver{
		persona:   strings.TrimSpace(persona),
		overrides: make(map[string]string),
	}
}

func (r *KeyResolver) Resolve(_ context.Context, ev *bus.InboundEvent) (Handle, error) {
	if ev == nil || ev.Key.IsZero() {
		return Handle{}, ErrNoConversation
	}

	id := ev.Key.String()
	r.mu.RLock()
	persona, ok := r.overrides[id]
	r.mu.RUnlock()
	if !ok {
		persona = r.persona
	}

	return Handle{ID: id, Key: ev.Key, Persona: persona}, nil
}

// SetPersona overrides the persona for one conversation. An empty persona
// restores the default.
func (r *KeyResolver) SetPersona(id string, persona string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	persona = strings.TrimSpace(persona)
	if persona == "" {
		delete(r.overrides, id)
		return
	}
	r.overrides[id] = persona
}

// NewStore builds the store selected by configuration.
func NewStore(cfg config.SessionConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", "memory":
		return NewMemoryStore(cfg.MaxHistory), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, cfg.MaxHistory)
	default:
		return nil, fmt.Errorf("unsupported session store %q", cfg.Store)
	}
}

func normalize(entries []Entry, now time.Time) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		entry.Role = strings.TrimSpace(entry.Role)
		entry.Content = strings.TrimSpace(entry.Content)
		if entry.Role == "" || entry.Content == "" {
			continue
		}
		if entry.At.IsZero() {
			entry.At = now
		}
		out = append(out, entry)
	}
	return out
}
