package validator

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLength bounds a single message body, in characters.
const MaxContentLength = 4000

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for field, msg := range v {
		parts = append(parts, field+": "+msg)
	}
	return strings.Join(parts, "; ")
}

func ValidateMessage(senderID, receiverID uuid.UUID, content string) ValidationErrors {
	errs := make(ValidationErrors)

	validateContent(content, errs)

	if receiverID == uuid.Nil {
		errs.Add("receiver_id", "Receiver is required")
	} else if senderID == receiverID {
		errs.Add("receiver_id", "Cannot send a message to yourself")
	}

	return errs
}

func ValidateBroadcast(content string, kind string, groupID *uuid.UUID) ValidationErrors {
	errs := make(ValidationErrors)

	validateContent(content, errs)

	switch kind {
	case "all":
	case "group":
		if groupID == nil || *groupID == uuid.Nil {
			errs.Add("filter.group_id", "Group is required for a group broadcast")
		}
	default:
		errs.Add("filter.kind", "Filter must be all or group")
	}

	return errs
}

func validateContent(content string, errs ValidationErrors) {
	content = strings.TrimSpace(content)
	if content == "" {
		errs.Add("content", "Message content is required")
	} else if utf8.RuneCountInString(content) > MaxContentLength {
		errs.Add("content", "Message is too long")
	}
}
