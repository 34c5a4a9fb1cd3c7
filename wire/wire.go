// Package wire defines the websocket event envelope and payloads shared by
// the relay server and the sync client.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server → client events.
const (
	EventWelcome          = "welcome"
	EventOnlineUsers      = "onlineUsers"
	EventNewMessage       = "newMessage"
	EventUserTypingStatus = "userTypingStatus"
	EventMessageDelivered = "messageDelivered"
	EventMessageRead      = "messageRead"
	EventPong             = "pong"
)

// Client → server events.
const (
	EventSendMessage   = "sendMessage"
	EventUserTyping    = "userTyping"
	EventMarkDelivered = "markDelivered"
	EventMarkRead      = "markRead"
	EventPing          = "ping"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// Event is the envelope for every websocket frame in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent wraps a payload into an envelope of the given type.
func NewEvent(eventType string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return &Event{Type: eventType, Payload: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// CostumeRef links a conversation to the listing it was opened from.
type CostumeRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one chat message within a conversation. ID is server-assigned;
// client-originated messages carry only ClientMessageID until the relay echoes
// the confirmed copy back with both identifiers set.
type Message struct {
	ID              string      `json:"id,omitempty"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
	ConversationID  string      `json:"conversation_id"`
	Body            string      `json:"body"`
	SenderID        string      `json:"sender_id"`
	SenderName      string      `json:"sender_name,omitempty"`
	ReceiverID      string      `json:"receiver_id"`
	ReceiverName    string      `json:"receiver_name,omitempty"`
	Kind            string      `json:"kind,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
	IsRead          bool        `json:"is_read,omitempty"`
	ImageURL        string      `json:"image_url,omitempty"`
	Costume         *CostumeRef `json:"costume,omitempty"`
}

// ValidateSend checks the fields a client must supply before transmission.
func (m *Message) ValidateSend() error {
	if m.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if m.Body == "" {
		return fmt.Errorf("message body is required")
	}
	if m.SenderID == "" {
		return fmt.Errorf("sender_id is required")
	}
	if m.ReceiverID == "" {
		return fmt.Errorf("receiver_id is required")
	}
	if m.Kind != "" && m.Kind != KindText && m.Kind != KindImage {
		return fmt.Errorf("unknown message kind: %s", m.Kind)
	}
	return nil
}

// Welcome is the session acknowledgement sent right after the upgrade.
type Welcome struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// OnlineUsers is the authoritative presence snapshot. The client replaces its
// presence set wholesale with Users.
type OnlineUsers struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// TypingSignal reports that a user started or stopped composing in a
// conversation.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReceiverID     string    `json:"receiver_id"`
	IsTyping       bool      `json:"is_typing"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// Validate checks the fields a client must supply for a typing signal.
func (t *TypingSignal) Validate() error {
	if t.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if t.ReceiverID == "" {
		return fmt.Errorf("receiver_id is required")
	}
	return nil
}

// StatusUpdate carries delivered/read notifications for a single message.
type StatusUpdate struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}
