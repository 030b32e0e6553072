package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chatgate/pkg/bus"
	"chatgate/pkg/config"
)

func TestKeyResolver(t *testing.T) {
	t.Parallel()

	r := NewKeyResolver("be nice")
	ev := bus.NewMessage("onebot", bus.ChatGroup, "100", "7", "hi")

	h, err := r.Resolve(context.Background(), &ev)
	require.NoError(t, err)
	require.Equal(t, ev.Key.String(), h.ID)
	require.Equal(t, "be nice", h.Persona)

	r.SetPersona(h.ID, "be terse")
	h, err = r.Resolve(context.Background(), &ev)
	require.NoError(t, err)
	require.Equal(t, "be terse", h.Persona)

	r.SetPersona(h.ID, "")
	h, _ = r.Resolve(context.Background(), &ev)
	require.Equal(t, "be nice", h.Persona)

	_, err = r.Resolve(context.Background(), &bus.InboundEvent{})
	require.True(t, errors.Is(err, ErrNoConversation))
}

func TestMemoryStoreAppendLoadClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore(0)
	require.NoError(t, m.Append(ctx, "c1",
		Entry{Role: RoleUser, Content: "hello"},
		Entry{Role: RoleAssistant, Content: "hi"},
		Entry{Role: RoleUser, Content: "   "},
	))

	entries, err := m.Load(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "hello", entries[0].Content)
	require.Equal(t, RoleAssistant, entries[1].Role)
	require.False(t, entries[0].At.IsZero())

	other, _ := m.Load(ctx, "c2", 0)
	require.Empty(t, other)

	require.NoError(t, m.Clear(ctx, "c1"))
	entries, _ = m.Load(ctx, "c1", 0)
	require.Empty(t, entries)
	require.Equal(t, 0, m.Len())
}

func TestMemoryStoreCapsHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore(3)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, m.Append(ctx, "c", Entry{Role: RoleUser, Content: text}))
	}

	entries, _ := m.Load(ctx, "c", 0)
	require.Equal(t, []string{"c", "d", "e"}, contents(entries))

	entries, _ = m.Load(ctx, "c", 2)
	require.Equal(t, []string{"d", "e"}, contents(entries))
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore(0)
	const n = 50

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = m.Append(ctx, "c", Entry{Role: RoleUser, Content: "hello"})
		}()
	}
	wg.Wait()

	entries, _ := m.Load(ctx, "c", 0)
	if got := len(entries); got != n {
		t.Fatalf("len(entries) = %d, want %d", got, n)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenSQLite(path, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Append(ctx, "group:1", Entry{Role: RoleUser, Content: text}))
	}
	require.NoError(t, s.Append(ctx, "group:2", Entry{Role: RoleAssistant, Content: "other"}))

	entries, err := s.Load(ctx, "group:1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, contents(entries))

	entries, err = s.Load(ctx, "group:1", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, contents(entries))

	require.NoError(t, s.Clear(ctx, "group:1"))
	entries, err = s.Load(ctx, "group:1", 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	entries, err = s.Load(ctx, "group:2", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSQLiteStorePersistsAcrossOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "c", Entry{Role: RoleUser, Content: "remember me"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	entries, err := s.Load(ctx, "c", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"remember me"}, contents(entries))
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	s, err := NewStore(config.SessionConfig{Store: "memory"})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(config.SessionConfig{Store: "redis"})
	require.Error(t, err)

	_, err = NewStore(config.SessionConfig{Store: "sqlite"})
	require.Error(t, err)
}

func TestResolvePersona(t *testing.T) {
	t.Parallel()

	t.Run("inline wins", func(t *testing.T) {
		got, err := ResolvePersona("openai", "  pirate  ", "/does/not/exist")
		require.NoError(t, err)
		require.Equal(t, "pirate", got)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "persona.md")
		require.NoError(t, os.WriteFile(path, []byte("from file\n"), 0o600))
		got, err := ResolvePersona("openai", "", path)
		require.NoError(t, err)
		require.Equal(t, "from file", got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ResolvePersona("openai", "", filepath.Join(t.TempDir(), "nope.md"))
		require.Error(t, err)
	})

	t.Run("opencode returns empty persona", func(t *testing.T) {
		got, err := ResolvePersona("opencode", "", "")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("default template", func(t *testing.T) {
		got, err := ResolvePersona("openai", "", "")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(got, "You are a friendly assistant"))
	})
}

func contents(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out
}
