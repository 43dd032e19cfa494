package domain

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type RecipientFilterKind string

const (
	RecipientsAll   RecipientFilterKind = "all"
	RecipientsGroup RecipientFilterKind = "group"
)

// RecipientFilter selects broadcast recipients: everyone, or the members of
// one club/group.
type RecipientFilter struct {
	Kind    RecipientFilterKind `json:"kind"`
	GroupID *uuid.UUID          `json:"group_id,omitempty"`
}
