package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/repository"
)

// ConversationAggregator is a read-side projection over the message store,
// recomputed on every call. Nothing is materialized.
type ConversationAggregator struct {
	messages repository.MessageRepository
}

func NewConversationAggregator(messages repository.MessageRepository) *ConversationAggregator {
	return &ConversationAggregator{messages: messages}
}

// List returns viewerID's conversations, most recent first.
func (a *ConversationAggregator) List(ctx context.Context, viewerID uuid.UUID) ([]domain.Conversation, error) {
	convs, err := a.messages.ListConversations(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return convs, nil
}
