package delivery

import (
	"github.com/google/uuid"
)

type EventKind string

const (
	MessageInserted EventKind = "message.inserted"
	MessageUpdated  EventKind = "message.updated"
	// ResyncRequired carries no message; it wakes consumers whose
	// subscription was flagged lagged so they pull from the store.
	ResyncRequired EventKind = "resync.required"
)

// Event is a notification, not the data: consumers resolve inserts with a
// fetch-by-id and only patch is_read on updates.
type Event struct {
	Kind       EventKind `json:"kind"`
	MessageID  uuid.UUID `json:"message_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	IsRead     bool      `json:"is_read"`
}

// Involves reports whether the event belongs to the conversation {a, b}.
func (e Event) Involves(a, b uuid.UUID) bool {
	return (e.SenderID == a && e.ReceiverID == b) || (e.SenderID == b && e.ReceiverID == a)
}
