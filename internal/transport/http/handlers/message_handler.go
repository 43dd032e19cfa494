package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/service"
	"github.com/vedran77/courtside/internal/transport/http/middleware"
)

type MessageHandler struct {
	messageService *service.MessageService
}

func NewMessageHandler(messageService *service.MessageService) *MessageHandler {
	return &MessageHandler{messageService: messageService}
}

type sendMessageInput struct {
	// SenderID defaults to the caller.
	SenderID   *uuid.UUID `json:"sender_id,omitempty"`
	ReceiverID uuid.UUID  `json:"receiver_id"`
	Content    string     `json:"content"`
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input sendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	senderID := userID
	if input.SenderID != nil {
		senderID = *input.SenderID
	}

	msg, err := h.messageService.Send(r.Context(), userID, senderID, input.ReceiverID, input.Content)
	if err != nil {
		writeServiceError(w, "send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

type systemMessageInput struct {
	ReceiverID uuid.UUID `json:"receiver_id"`
	Content    string    `json:"content"`
}

func (h *MessageHandler) SendSystem(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r.Context())

	var input systemMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	msg, err := h.messageService.SendSystem(r.Context(), service.Caller{UserID: id.UserID, IsAdmin: id.IsAdmin}, input.ReceiverID, input.Content)
	if err != nil {
		writeServiceError(w, "send system message", err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	n, err := h.messageService.CountUnread(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "count unread", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}
