package onebot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatgate/pkg/bus"
	"chatgate/pkg/channel"
	"chatgate/pkg/config"
)

func parseFrame(t *testing.T, raw string) frame {
	t.Helper()
	var f frame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	return f
}

func TestToEventGroupMessageArray(t *testing.T) {
	t.Parallel()

	f := parseFrame(t, `{
		"post_type": "message", "message_type": "group", "self_id": 42,
		"user_id": 1001, "group_id": 2002, "message_id": 9,
		"sender": {"nickname": "ada", "card": "Ada L"},
		"message": [
			{"type": "at", "data": {"qq": "42"}},
			{"type": "text", "data": {"text": " /help"}},
			{"type": "image", "data": {"file": "a.jpg", "url": "http://img/a.jpg"}}
		]
	}`)

	ev, ok := toEvent(f, "42")
	require.True(t, ok)
	require.Equal(t, bus.KindMessage, ev.Kind)
	require.Equal(t, bus.KeyFor("onebot", bus.ChatGroup, "2002", "1001"), ev.Key)
	require.True(t, ev.Mentioned)
	require.Equal(t, "/help", ev.PlainText())
	require.Equal(t, "Ada L", ev.SenderName)
	require.Equal(t, "9", ev.Metadata["message_id"])
	require.Len(t, ev.Segments, 3)
	require.Equal(t, "http://img/a.jpg", ev.Segments[2].URL)
}

func TestToEventCQString(t *testing.T) {
	t.Parallel()

	f := parseFrame(t, `{
		"post_type": "message", "message_type": "private", "user_id": 7,
		"message": "[CQ:at,qq=42] hello there"
	}`)

	ev, ok := toEvent(f, "42")
	require.True(t, ok)
	require.Equal(t, bus.ChatPrivate, ev.ChatType)
	require.Equal(t, "7", ev.ChatID)
	require.True(t, ev.Mentioned)
	require.Equal(t, "hello there", ev.PlainText())
}

func TestToEventNoticeAndMeta(t *testing.T) {
	t.Parallel()

	notice, ok := toEvent(parseFrame(t, `{
		"post_type": "notice", "notice_type": "notify", "sub_type": "poke",
		"group_id": 5, "user_id": 6, "target_id": 42
	}`), "42")
	require.True(t, ok)
	require.Equal(t, bus.KindNotice, notice.Kind)
	require.Equal(t, "poke", notice.Metadata["sub_type"])
	require.Equal(t, "42", notice.Metadata["target_id"])

	_, ok = toEvent(parseFrame(t, `{"post_type": "meta_event", "meta_event_type": "heartbeat"}`), "42")
	require.False(t, ok)
}

func TestServeHTTPRequiresRunning(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(config.OneBotConfig{}, slog.New(slog.DiscardHandler))
	rec := httptest.NewRecorder()
	adapter.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/onebot/v11/ws", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSendWithoutClient(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(config.OneBotConfig{}, slog.New(slog.DiscardHandler))
	err := adapter.Send(context.Background(), bus.OutboundMessage{ChatID: "1", Content: "hi"})
	require.ErrorIs(t, err, errNotConnected)
}

type harness struct {
	adapter *Adapter
	url     string
	events  chan bus.InboundEvent
}

func startHarness(t *testing.T, token string) *harness {
	t.Helper()

	adapter := NewAdapter(config.OneBotConfig{AccessToken: token}, slog.New(slog.DiscardHandler))
	events := make(chan bus.InboundEvent, 8)
	sink := channel.SinkFunc(func(_ context.Context, ev bus.InboundEvent) error {
		events <- ev
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = adapter.Run(ctx, sink)
	}()
	require.Eventually(t, adapter.running, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(adapter)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	return &harness{
		adapter: adapter,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + adapter.Path(),
		events:  events,
	}
}

func TestUnauthorizedClientRejected(t *testing.T) {
	t.Parallel()

	h := startHarness(t, "secret")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	h := startHarness(t, "secret")
	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	header.Set("X-Self-ID", "42")

	client, _, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.Eventually(t, h.adapter.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, client.WriteJSON(map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"user_id":      1001,
		"group_id":     2002,
		"message":      []map[string]any{{"type": "text", "data": map[string]any{"text": "hi"}}},
	}))

	select {
	case ev := <-h.events:
		require.Equal(t, "hi", ev.PlainText())
		require.NotEmpty(t, ev.Raw)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}

	sent := make(chan error, 1)
	go func() {
		sent <- h.adapter.Send(context.Background(), bus.OutboundMessage{
			ChatType: bus.ChatGroup,
			ChatID:   "2002",
			Content:  "hello group",
		})
	}()

	var action struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
		Echo   string         `json:"echo"`
	}
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&action))
	require.Equal(t, "send_group_msg", action.Action)
	require.EqualValues(t, 2002, action.Params["group_id"])
	require.NotEmpty(t, action.Echo)

	require.NoError(t, client.WriteJSON(map[string]any{"status": "ok", "retcode": 0, "echo": action.Echo}))

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send result")
	}
}

func TestSendReportsFailedStatus(t *testing.T) {
	t.Parallel()

	h := startHarness(t, "")
	client, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.Eventually(t, h.adapter.Connected, time.Second, 5*time.Millisecond)

	sent := make(chan error, 1)
	go func() {
		sent <- h.adapter.Send(context.Background(), bus.OutboundMessage{
			ChatType: bus.ChatPrivate,
			ChatID:   "7",
			Content:  "hi",
		})
	}()

	var action struct {
		Action string `json:"action"`
		Echo   string `json:"echo"`
	}
	require.NoError(t, client.ReadJSON(&action))
	require.Equal(t, "send_private_msg", action.Action)
	require.NoError(t, client.WriteJSON(map[string]any{"status": "failed", "retcode": 100, "wording": "blocked", "echo": action.Echo}))

	err = <-sent
	require.Error(t, err)
	require.Contains(t, err.Error(), "blocked")
}
