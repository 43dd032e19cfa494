package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Conversation is derived per viewer; it is never stored.
type Conversation struct {
	CounterpartID          uuid.UUID `json:"counterpart_id"`
	CounterpartUsername    string    `json:"counterpart_username"`
	CounterpartDisplayName string    `json:"counterpart_display_name"`
	LastMessage            Message   `json:"last_message"`
	LastMessageAt          time.Time `json:"last_message_at"`
	HasUnread              bool      `json:"has_unread"`
	UnreadCount            int       `json:"unread_count"`
}

// AggregateConversations projects a viewer's message history into the
// conversation list, newest first. Messages deleted by the viewer are ignored
// for both the preview and the unread flag.
func AggregateConversations(viewerID uuid.UUID, messages []Message) []Conversation {
	byCounterpart := make(map[uuid.UUID]*Conversation)

	for i := range messages {
		m := &messages[i]
		if m.SenderID != viewerID && m.ReceiverID != viewerID {
			continue
		}
		if !m.VisibleTo(viewerID) {
			continue
		}

		other := m.Counterpart(viewerID)
		conv, ok := byCounterpart[other]
		if !ok {
			conv = &Conversation{CounterpartID: other, LastMessage: *m, LastMessageAt: m.CreatedAt}
			byCounterpart[other] = conv
		} else if conv.LastMessage.Before(m) {
			conv.LastMessage = *m
			conv.LastMessageAt = m.CreatedAt
		}

		if m.ReceiverID == viewerID && !m.IsRead {
			conv.HasUnread = true
			conv.UnreadCount++
		}
	}

	convs := make([]Conversation, 0, len(byCounterpart))
	for _, c := range byCounterpart {
		convs = append(convs, *c)
	}
	SortConversations(convs)
	return convs
}

// SortConversations orders by last message, newest first.
func SortConversations(convs []Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return convs[j].LastMessage.Before(&convs[i].LastMessage)
	})
}

// SortMessages orders ascending by created_at, then id.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Before(&msgs[j])
	})
}
