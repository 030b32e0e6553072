package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"chatgate/pkg/bus"
	"chatgate/pkg/channel"
	"chatgate/pkg/config"
)

const channelName = "telegram"

var errNotRunning = errors.New("telegram channel is not running")

// Adapter bridges Telegram long polling into gateway inbound events and
// sends replies back through the Bot API.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu  sync.RWMutex
	bot *telego.Bot
	me  *telego.User
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: channel.AllowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in conversation keys and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and submits each message to sink.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get bot identity: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.mu.Lock()
	a.bot, a.me = bot, me
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.bot = nil
		a.mu.Unlock()
	}()

	a.log.Info("Telegram channel started", "bot", me.Username)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			ev, ok := a.toEvent(update.Message, me)
			if !ok {
				continue
			}
			ev.Metadata["update_id"] = strconv.Itoa(update.UpdateID)

			a.log.Info("Received message",
				"chat_id", ev.ChatID,
				"sender_id", ev.SenderID,
				"conversation", ev.Key.String(),
				"content", channel.PreviewText(ev.PlainText()),
			)

			if err := sink.Submit(ctx, ev); err != nil {
				a.log.Warn("Failed to submit inbound message", "event_id", ev.ID, "error", err)
			}
		}
	}
}

// Send delivers one reply. It fails when Run is not active.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.RLock()
	bot := a.bot
	a.mu.RUnlock()
	if bot == nil {
		return errNotRunning
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}
	a.log.Info("Sending message", "chat_id", chatID, "conversation", msg.Key.String(), "content", channel.PreviewText(text))

	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// toEvent converts a Telegram message into an inbound event. It reports
// false for updates the gateway ignores.
func (a *Adapter) toEvent(message *telego.Message, me *telego.User) (bus.InboundEvent, bool) {
	if message == nil {
		return bus.InboundEvent{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return bus.InboundEvent{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.InboundEvent{}, false
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	chatType := bus.ChatGroup
	if message.Chat.Type == telego.ChatTypePrivate {
		chatType = bus.ChatPrivate
	}
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	ev := bus.NewMessage(channelName, chatType, chatID, senderID, "")
	ev.SenderName = strings.TrimSpace(message.From.FirstName + " " + message.From.LastName)
	ev.Metadata = map[string]string{"message_id": strconv.Itoa(message.MessageID)}
	ev.Segments = ev.Segments[:0]

	if me != nil {
		mention := "@" + me.Username
		if me.Username != "" && strings.Contains(text, mention) {
			ev.Mentioned = true
			text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
			ev.Segments = append(ev.Segments, bus.Segment{Type: bus.SegmentMention, Target: strconv.FormatInt(me.ID, 10)})
		}
		if reply := message.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == me.ID {
			ev.Mentioned = true
			ev.Segments = append(ev.Segments, bus.Segment{Type: bus.SegmentReply, Target: strconv.Itoa(reply.MessageID)})
		}
	}

	if text = strings.TrimSpace(text); text != "" {
		ev.Text = text
		ev.Segments = append(ev.Segments, bus.Segment{Type: bus.SegmentText, Text: text})
	}
	if n := len(message.Photo); n > 0 {
		// Telegram lists sizes smallest first.
		ev.Segments = append(ev.Segments, bus.Segment{Type: bus.SegmentImage, File: message.Photo[n-1].FileID})
	}
	if message.Voice != nil {
		ev.Segments = append(ev.Segments, bus.Segment{Type: bus.SegmentVoice, File: message.Voice.FileID})
	}

	if ev.Text == "" && len(ev.Segments) == 0 {
		return bus.InboundEvent{}, false
	}
	return ev, true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}
