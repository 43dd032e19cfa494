package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
)

// Event types - Client → Server
const (
	EventTypeConversationOpen  = "conversation.open"
	EventTypeConversationClose = "conversation.close"
	EventTypeConversationsSync = "conversations.refresh"
	EventTypeMessageSend       = "message.send"
	EventTypePing              = "ping"
)

// Event types - Server → Client
const (
	EventTypeMessagesSnapshot = "messages.snapshot"
	EventTypeMessageInserted  = "message.inserted"
	EventTypeMessageUpdated   = "message.updated"
	EventTypeMessageSent      = "message.sent"
	EventTypeConversations    = "conversations"
	EventTypeUnread           = "unread"
	EventTypePong             = "pong"
	EventTypeError            = "error"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type          string          `json:"type"`
	CounterpartID *uuid.UUID      `json:"counterpart_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

type ConversationOpenPayload struct {
	CounterpartID uuid.UUID `json:"counterpart_id"`
}

type MessageSendPayload struct {
	ReceiverID uuid.UUID `json:"receiver_id"`
	Content    string    `json:"content"`
	Nonce      string    `json:"nonce,omitempty"`
}

// --- Server → Client payloads ---

type MessagesSnapshotPayload struct {
	Messages []MessagePayload `json:"messages"`
}

type MessagePayload struct {
	domain.Message
	// ReadReceipt is set on the viewer's own messages: "sent" or "read".
	ReadReceipt string `json:"read_receipt,omitempty"`
}

type MessageUpdatedPayload struct {
	ID          uuid.UUID `json:"id"`
	IsRead      bool      `json:"is_read"`
	ReadReceipt string    `json:"read_receipt"`
}

type MessageSentPayload struct {
	Nonce   string          `json:"nonce,omitempty"`
	Message *domain.Message `json:"message"`
}

type ConversationsPayload struct {
	Conversations []domain.Conversation `json:"conversations"`
}

type UnreadPayload struct {
	Count int `json:"count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, counterpartID *uuid.UUID, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:          eventType,
		CounterpartID: counterpartID,
		Payload:       data,
		Timestamp:     time.Now().Unix(),
	}, nil
}
