package bus

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindNotice  Kind = "notice"
	KindMeta    Kind = "meta"
)

type SegmentType string

const (
	SegmentText    SegmentType = "text"
	SegmentMention SegmentType = "mention"
	SegmentImage   SegmentType = "image"
	SegmentVoice   SegmentType = "voice"
	SegmentReply   SegmentType = "reply"
)

// Segment is one typed part of a message payload.
type Segment struct {
	Type   SegmentType `json:"type"`
	Text   string      `json:"text,omitempty"`
	Target string      `json:"target,omitempty"`
	URL    string      `json:"url,omitempty"`
	File   string      `json:"file,omitempty"`
}

// InboundEvent is what a connector hands to the dispatch engine. It is passed
// by value and treated as read-only after ingestion.
type InboundEvent struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Channel    string            `json:"channel"`
	Key        ConversationKey   `json:"key"`
	ChatType   ChatType          `json:"chat_type"`
	ChatID     string            `json:"chat_id"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	Text       string            `json:"text,omitempty"`
	Segments   []Segment         `json:"segments,omitempty"`
	Mentioned  bool              `json:"mentioned,omitempty"`
	Raw        []byte            `json:"-"`
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a message event with a fresh ID and a derived conversation key.
func NewMessage(channel string, chatType ChatType, chatID, senderID, text string) InboundEvent {
	return InboundEvent{
		ID:         uuid.NewString(),
		Kind:       KindMessage,
		Channel:    channel,
		Key:        KeyFor(channel, chatType, chatID, senderID),
		ChatType:   chatType,
		ChatID:     chatID,
		SenderID:   senderID,
		Text:       text,
		Segments:   []Segment{{Type: SegmentText, Text: text}},
		ReceivedAt: time.Now().UTC(),
	}
}

// PlainText joins the text segments, falling back to Text when there are none.
func (ev InboundEvent) PlainText() string {
	var b strings.Builder
	found := false
	for _, seg := range ev.Segments {
		if seg.Type != SegmentText {
			continue
		}
		found = true
		b.WriteString(seg.Text)
	}
	if !found {
		return strings.TrimSpace(ev.Text)
	}
	return strings.TrimSpace(b.String())
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	Key      ConversationKey   `json:"key"`
	ChatType ChatType          `json:"chat_type"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ReplyTo addresses content back to the conversation ev arrived on.
func ReplyTo(ev InboundEvent, content string) OutboundMessage {
	return OutboundMessage{
		Channel:  ev.Channel,
		Key:      ev.Key,
		ChatType: ev.ChatType,
		ChatID:   ev.ChatID,
		Content:  content,
		ReplyTo:  ev.ID,
	}
}
