package onebot

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"chatgate/pkg/bus"
)

// frame is the union of OneBot v11 event and response fields the gateway reads.
type frame struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	NoticeType    string          `json:"notice_type"`
	MetaEventType string          `json:"meta_event_type"`
	SubType       string          `json:"sub_type"`
	SelfID        int64           `json:"self_id"`
	UserID        int64           `json:"user_id"`
	GroupID       int64           `json:"group_id"`
	TargetID      int64           `json:"target_id"`
	OperatorID    int64           `json:"operator_id"`
	MessageID     int64           `json:"message_id"`
	Message       json.RawMessage `json:"message"`
	RawMessage    string          `json:"raw_message"`
	Echo          json.RawMessage `json:"echo"`
	Sender        struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
}

type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

var cqAt = regexp.MustCompile(`\[CQ:at,qq=(\w+)[^\]]*\]`)

// toEvent maps a message or notice frame to an inbound event. Meta events and
// unknown post types report false.
func toEvent(f frame, selfID string) (bus.InboundEvent, bool) {
	switch f.PostType {
	case "message", "message_sent":
		return messageEvent(f, selfID)
	case "notice":
		return noticeEvent(f), true
	default:
		return bus.InboundEvent{}, false
	}
}

func messageEvent(f frame, selfID string) (bus.InboundEvent, bool) {
	senderID := idString(f.UserID)
	chatType, chatID := bus.ChatPrivate, senderID
	if f.MessageType == "group" {
		chatType, chatID = bus.ChatGroup, idString(f.GroupID)
	}

	ev := bus.NewMessage(channelName, chatType, chatID, senderID, "")
	if ev.Key.IsZero() {
		return bus.InboundEvent{}, false
	}
	ev.SenderName = f.Sender.Card
	if ev.SenderName == "" {
		ev.SenderName = f.Sender.Nickname
	}
	ev.Metadata = map[string]string{"message_id": idString(f.MessageID)}
	if f.SubType != "" {
		ev.Metadata["sub_type"] = f.SubType
	}

	ev.Segments = parseSegments(f.Message, f.RawMessage)
	var text strings.Builder
	for _, seg := range ev.Segments {
		switch seg.Type {
		case bus.SegmentText:
			text.WriteString(seg.Text)
		case bus.SegmentMention:
			if selfID != "" && seg.Target == selfID {
				ev.Mentioned = true
			}
		}
	}
	ev.Text = strings.TrimSpace(text.String())

	if ev.Text == "" && len(ev.Segments) == 0 {
		return bus.InboundEvent{}, false
	}
	return ev, true
}

func noticeEvent(f frame) bus.InboundEvent {
	chatType, chatID := bus.ChatPrivate, idString(f.UserID)
	if f.GroupID != 0 {
		chatType, chatID = bus.ChatGroup, idString(f.GroupID)
	}

	ev := bus.NewMessage(channelName, chatType, chatID, idString(f.UserID), "")
	ev.Kind = bus.KindNotice
	ev.Segments = nil
	ev.Metadata = map[string]string{"notice_type": f.NoticeType}
	for k, v := range map[string]string{
		"sub_type":    f.SubType,
		"target_id":   idString(f.TargetID),
		"operator_id": idString(f.OperatorID),
		"message_id":  idString(f.MessageID),
	} {
		if v != "" {
			ev.Metadata[k] = v
		}
	}
	return ev
}

// parseSegments accepts both the array message format and the CQ-code string
// format.
func parseSegments(raw json.RawMessage, rawMessage string) []bus.Segment {
	var segs []segment
	if err := json.Unmarshal(raw, &segs); err == nil {
		out := make([]bus.Segment, 0, len(segs))
		for _, s := range segs {
			if seg, ok := convertSegment(s); ok {
				out = append(out, seg)
			}
		}
		return out
	}

	text := rawMessage
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		text = str
	}
	return parseCQ(text)
}

func convertSegment(s segment) (bus.Segment, bool) {
	switch s.Type {
	case "text":
		return bus.Segment{Type: bus.SegmentText, Text: field(s.Data, "text")}, true
	case "at":
		return bus.Segment{Type: bus.SegmentMention, Target: field(s.Data, "qq")}, true
	case "image":
		return bus.Segment{Type: bus.SegmentImage, File: field(s.Data, "file"), URL: field(s.Data, "url")}, true
	case "record":
		return bus.Segment{Type: bus.SegmentVoice, File: field(s.Data, "file"), URL: field(s.Data, "url")}, true
	case "reply":
		return bus.Segment{Type: bus.SegmentReply, Target: field(s.Data, "id")}, true
	default:
		return bus.Segment{}, false
	}
}

func parseCQ(text string) []bus.Segment {
	var out []bus.Segment
	for _, m := range cqAt.FindAllStringSubmatch(text, -1) {
		out = append(out, bus.Segment{Type: bus.SegmentMention, Target: m[1]})
	}
	if plain := strings.TrimSpace(cqAt.ReplaceAllString(text, "")); plain != "" {
		out = append(out, bus.Segment{Type: bus.SegmentText, Text: plain})
	}
	return out
}

func field(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func idString(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
