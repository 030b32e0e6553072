// Package onebot implements the OneBot v11 reverse WebSocket connector: the
// bot client dials the gateway, pushes events as JSON frames and receives
// action frames for outbound messages.
package onebot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatgate/pkg/bus"
	"chatgate/pkg/channel"
	"chatgate/pkg/config"
)

const (
	channelName = "onebot"

	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	actionTimeout = 15 * time.Second
	maxFrameBytes = 1 << 20
)

var (
	errNotConnected = errors.New("onebot client is not connected")
	errNotRunning   = errors.New("onebot channel is not running")
)

// actionResponse is the reply frame for an action sent with an echo.
type actionResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo"`
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	selfID  string
	done    chan struct{}
	once    sync.Once
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Adapter serves the reverse WebSocket endpoint. It is an http.Handler
// mounted by the gateway at the configured path.
type Adapter struct {
	cfg      config.OneBotConfig
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	ctx    context.Context
	sink   channel.Sink
	active *conn

	pendingMu sync.Mutex
	pending   map[string]chan actionResponse
}

// NewAdapter constructs a OneBot adapter.
func NewAdapter(cfg config.OneBotConfig, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/onebot/v11/ws"
	}

	return &Adapter{
		cfg: cfg,
		log: log.With("component", "channel.onebot"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bot clients are not browsers; the access token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: make(map[string]chan actionResponse),
	}
}

func (a *Adapter) Name() string { return channelName }

// Path is the HTTP path the endpoint should be mounted at.
func (a *Adapter) Path() string { return a.cfg.Path }

// Run accepts connections until ctx ends, then closes the active client.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	a.ctx, a.sink = ctx, sink
	a.mu.Unlock()
	a.log.Info("OneBot channel started", "path", a.cfg.Path)

	<-ctx.Done()

	a.mu.Lock()
	active := a.active
	a.ctx, a.sink, a.active = nil, nil, nil
	a.mu.Unlock()
	if active != nil {
		active.close()
	}
	return nil
}

func (a *Adapter) running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink != nil
}

// Connected reports whether a bot client is attached.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active != nil
}

// ServeHTTP upgrades an authorized bot client and reads its frames until the
// connection drops.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	ctx, sink := a.ctx, a.sink
	a.mu.RUnlock()
	if sink == nil {
		http.Error(w, errNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}

	if !a.authorized(r) {
		a.log.Warn("Rejected OneBot connection", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, selfID: strings.TrimSpace(r.Header.Get("X-Self-ID")), done: make(chan struct{})}
	a.attach(c)
	defer a.detach(c)

	a.log.Info("OneBot client connected", "remote", r.RemoteAddr, "self_id", c.selfID)
	go a.keepAlive(c)
	a.readLoop(ctx, c, sink)
	a.log.Info("OneBot client disconnected", "remote", r.RemoteAddr, "self_id", c.selfID)
}

func (a *Adapter) authorized(r *http.Request) bool {
	want := strings.TrimSpace(a.cfg.AccessToken)
	if want == "" {
		return true
	}

	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if got == "" {
		got = r.URL.Query().Get("access_token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// attach makes c the active connection. Only one bot client is served at a
// time; a reconnect replaces the previous one.
func (a *Adapter) attach(c *conn) {
	a.mu.Lock()
	prev := a.active
	a.active = c
	a.mu.Unlock()
	if prev != nil {
		a.log.Warn("Replacing existing OneBot connection", "self_id", prev.selfID)
		prev.close()
	}
}

func (a *Adapter) detach(c *conn) {
	a.mu.Lock()
	if a.active == c {
		a.active = nil
	}
	a.mu.Unlock()
	c.close()
}

func (a *Adapter) keepAlive(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.close()
				return
			}
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, c *conn, sink channel.Sink) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.log.Warn("OneBot read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		a.handleFrame(ctx, c, sink, data)
	}
}

func (a *Adapter) handleFrame(ctx context.Context, c *conn, sink channel.Sink, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		a.log.Warn("Ignoring invalid OneBot frame", "error", err)
		return
	}

	if len(f.Echo) > 0 && f.PostType == "" {
		var resp actionResponse
		if err := json.Unmarshal(data, &resp); err == nil {
			a.resolve(resp)
		}
		return
	}

	selfID := c.selfID
	if f.SelfID != 0 {
		selfID = strconv.FormatInt(f.SelfID, 10)
	}

	ev, ok := toEvent(f, selfID)
	if !ok {
		if f.PostType == "meta_event" {
			a.log.Debug("OneBot meta event", "type", f.MetaEventType, "sub_type", f.SubType)
		}
		return
	}
	ev.Raw = data

	if ev.Kind == bus.KindMessage {
		a.log.Info("Received message",
			"chat_id", ev.ChatID,
			"sender_id", ev.SenderID,
			"conversation", ev.Key.String(),
			"content", channel.PreviewText(ev.PlainText()),
		)
	}

	if err := sink.Submit(ctx, ev); err != nil {
		a.log.Warn("Failed to submit inbound event", "event_id", ev.ID, "error", err)
	}
}

// Send issues send_group_msg or send_private_msg and waits for the client's
// echoed response.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.RLock()
	c := a.active
	a.mu.RUnlock()
	if c == nil {
		return errNotConnected
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}

	action, params := "send_group_msg", map[string]any{"group_id": numericID(msg.ChatID)}
	if msg.ChatType == bus.ChatPrivate {
		action, params = "send_private_msg", map[string]any{"user_id": numericID(msg.ChatID)}
	}
	params["message"] = []segment{{Type: "text", Data: map[string]any{"text": text}}}

	resp, err := a.call(ctx, c, action, params)
	if err != nil {
		return err
	}
	if resp.Status == "failed" {
		reason := resp.Wording
		if reason == "" {
			reason = resp.Message
		}
		return fmt.Errorf("%s failed: retcode=%d %s", action, resp.RetCode, reason)
	}

	a.log.Info("Sending message", "chat_id", msg.ChatID, "conversation", msg.Key.String(), "content", channel.PreviewText(text))
	return nil
}

func (a *Adapter) call(ctx context.Context, c *conn, action string, params map[string]any) (actionResponse, error) {
	echo := uuid.NewString()
	wait := make(chan actionResponse, 1)

	a.pendingMu.Lock()
	a.pending[echo] = wait
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, echo)
		a.pendingMu.Unlock()
	}()

	if err := c.write(map[string]any{"action": action, "params": params, "echo": echo}); err != nil {
		return actionResponse{}, fmt.Errorf("write %s: %w", action, err)
	}

	timer := time.NewTimer(actionTimeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		return resp, nil
	case <-c.done:
		return actionResponse{}, errNotConnected
	case <-timer.C:
		return actionResponse{}, fmt.Errorf("%s: no response after %s", action, actionTimeout)
	case <-ctx.Done():
		return actionResponse{}, ctx.Err()
	}
}

func (a *Adapter) resolve(resp actionResponse) {
	a.pendingMu.Lock()
	wait, ok := a.pending[resp.Echo]
	a.pendingMu.Unlock()
	if !ok {
		a.log.Debug("Dropping response for unknown echo", "echo", resp.Echo)
		return
	}

	select {
	case wait <- resp:
	default:
	}
}

func numericID(id string) any {
	if n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
		return n
	}
	return id
}
