// Package wire defines the named-event protocol spoken over the persistent
// connection: frame encoding plus the payload shapes for every inbound and
// outbound event.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names.
const (
	EvtJoined       = "joined"
	EvtNewMessage   = "message:new"
	EvtMessagesSeen = "messages:seen"
	EvtTyping       = "typing"
	EvtChatList     = "chatlist"
	EvtTotalUnread  = "unread:total"
	EvtError        = "error"
)

// Outbound event names. EvtTyping is shared between directions.
const (
	EvtJoin          = "join"
	EvtSendMessage   = "message:send"
	EvtMarkRead      = "message:read"
	EvtUnreadRequest = "unread:request"
)

// Frame is the envelope for every event on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrEmptyEvent is returned when a frame carries no event name.
var ErrEmptyEvent = errors.New("frame has empty event name")

// Encode marshals a named event with its payload.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = raw
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Decode parses a raw frame off the socket.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrEmptyEvent
	}
	return f, nil
}

// DecodePayload unmarshals a frame's data into the payload type for its
// event. A frame with no data leaves out untouched.
func DecodePayload(f Frame, out any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}

// Message is a message as carried on the wire.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Content        string   `json:"content"`
	CreatedAt      int64    `json:"createdAt"`
	SeenBy         []string `json:"seenBy,omitempty"`
	// CorrelationID echoes the client-supplied ID when the server supports
	// it; absent on servers that predate the extension.
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewMessage is the payload of EvtNewMessage.
type NewMessage struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessagesSeen is the payload of EvtMessagesSeen: userID has seen the given
// messages in the conversation.
type MessagesSeen struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId"`
}

// Typing is the payload of EvtTyping, both directions.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Participant is a conversation member as carried on the wire.
type Participant struct {
	ID          string `json:"userId"`
	LegacyID    string `json:"_id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// CanonicalID returns the participant ID regardless of which field the
// backend populated.
func (p Participant) CanonicalID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.LegacyID
}

// LastMessage is the denormalized last-message snapshot on a conversation.
type LastMessage struct {
	Content  string `json:"content"`
	SenderID string `json:"senderId"`
	SentAt   int64  `json:"sentAt"`
}

// Conversation is a conversation summary as carried on the wire.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    int64         `json:"updatedAt"`
}

// ChatList is the payload of EvtChatList: a server-recomputed full view.
type ChatList struct {
	Conversations []Conversation `json:"conversations"`
	TotalUnread   *int           `json:"totalUnread,omitempty"`
}

// TotalUnread is the payload of EvtTotalUnread.
type TotalUnread struct {
	Total int `json:"total"`
}

// ErrorEvent is the payload of EvtError.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Join is the payload of EvtJoin, sent right after connecting.
type Join struct {
	UserID string `json:"userId"`
}

// SendMessage is the payload of EvtSendMessage.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlationId"`
}

// MarkRead is the payload of EvtMarkRead. MessageIDs may be empty, meaning
// "everything in the conversation up to now".
type MarkRead struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}
