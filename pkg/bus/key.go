package bus

import "strings"

type ChatType string

const (
	ChatGroup   ChatType = "group"
	ChatPrivate ChatType = "private"
)

// ConversationKey identifies one routing unit: a group chat or a private chat.
// Format: "group:<id>" / "private:<id>", optionally prefixed by "<channel>:".
type ConversationKey string

func GroupKey(chatID string) ConversationKey {
	return ConversationKey(string(ChatGroup) + ":" + chatID)
}

func PrivateKey(userID string) ConversationKey {
	return ConversationKey(string(ChatPrivate) + ":" + userID)
}

// KeyFor derives the key for an event. Private chats fall back to the sender
// when the connector reports no chat id.
func KeyFor(channel string, chatType ChatType, chatID, senderID string) ConversationKey {
	var key ConversationKey
	switch chatType {
	case ChatGroup:
		if strings.TrimSpace(chatID) == "" {
			return ""
		}
		key = GroupKey(chatID)
	default:
		id := chatID
		if strings.TrimSpace(id) == "" {
			id = senderID
		}
		if strings.TrimSpace(id) == "" {
			return ""
		}
		key = PrivateKey(id)
	}

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return key
	}
	return ConversationKey(channel + ":" + string(key))
}

// Parse splits a key into channel, chat type and id.
func (k ConversationKey) Parse() (channel string, chatType ChatType, id string, ok bool) {
	parts := strings.Split(string(k), ":")
	switch len(parts) {
	case 2:
		chatType, id = ChatType(parts[0]), parts[1]
	case 3:
		channel, chatType, id = parts[0], ChatType(parts[1]), parts[2]
	default:
		return "", "", "", false
	}
	if (chatType != ChatGroup && chatType != ChatPrivate) || id == "" {
		return "", "", "", false
	}
	return channel, chatType, id, true
}

func (k ConversationKey) IsZero() bool { return strings.TrimSpace(string(k)) == "" }

func (k ConversationKey) String() string { return string(k) }
