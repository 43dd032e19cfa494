package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeSystem MessageType = "system"
)

// DeleteDirection names the role whose soft-delete flag is set.
type DeleteDirection string

const (
	DeleteAsSender   DeleteDirection = "sender"
	DeleteAsReceiver DeleteDirection = "receiver"
)

func (d DeleteDirection) Valid() bool {
	return d == DeleteAsSender || d == DeleteAsReceiver
}

type Message struct {
	ID                uuid.UUID   `json:"id"`
	SenderID          uuid.UUID   `json:"sender_id"`
	ReceiverID        uuid.UUID   `json:"receiver_id"`
	Content           string      `json:"content"`
	Type              MessageType `json:"type"`
	IsRead            bool        `json:"is_read"`
	DeletedBySender   bool        `json:"-"`
	DeletedByReceiver bool        `json:"-"`
	CreatedAt         time.Time   `json:"created_at"`
	// Joined fields
	SenderUsername    string `json:"sender_username,omitempty"`
	SenderDisplayName string `json:"sender_display_name,omitempty"`
}

// Involves reports whether the message belongs to the conversation {a, b}.
func (m *Message) Involves(a, b uuid.UUID) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Counterpart returns the other participant from viewerID's point of view.
func (m *Message) Counterpart(viewerID uuid.UUID) uuid.UUID {
	if m.SenderID == viewerID {
		return m.ReceiverID
	}
	return m.SenderID
}

// VisibleTo reports whether the message is still shown in userID's views.
func (m *Message) VisibleTo(userID uuid.UUID) bool {
	switch userID {
	case m.SenderID:
		return !m.DeletedBySender
	case m.ReceiverID:
		return !m.DeletedByReceiver
	}
	return false
}

// ReadReceipt is the sender-side indicator: "sent" or "read". System messages
// carry no receipt.
func (m *Message) ReadReceipt() string {
	if m.Type == MessageTypeSystem {
		return ""
	}
	if m.IsRead {
		return "read"
	}
	return "sent"
}

// Before orders messages by created_at, then id for equal timestamps.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.String() < other.ID.String()
}
