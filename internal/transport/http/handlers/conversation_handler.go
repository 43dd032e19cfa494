package handlers

import (
	"net/http"

	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/service"
	"github.com/vedran77/courtside/internal/transport/http/middleware"
)

type ConversationHandler struct {
	messageService *service.MessageService
}

func NewConversationHandler(messageService *service.MessageService) *ConversationHandler {
	return &ConversationHandler{messageService: messageService}
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	convs, err := h.messageService.ListConversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "list conversations", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	counterpartID, ok := pathUUID(w, r, "userID", "user ID")
	if !ok {
		return
	}

	msgs, err := h.messageService.ListMessages(r.Context(), userID, counterpartID)
	if err != nil {
		writeServiceError(w, "list messages", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	counterpartID, ok := pathUUID(w, r, "userID", "user ID")
	if !ok {
		return
	}

	n, err := h.messageService.MarkRead(r.Context(), userID, counterpartID)
	if err != nil {
		writeServiceError(w, "mark read", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

// Delete hides the conversation for the caller. ?as= selects which of the
// caller's messages are hidden: sender, receiver or both (default).
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	counterpartID, ok := pathUUID(w, r, "userID", "user ID")
	if !ok {
		return
	}

	var directions []domain.DeleteDirection
	switch as := r.URL.Query().Get("as"); as {
	case "", "both":
		directions = []domain.DeleteDirection{domain.DeleteAsSender, domain.DeleteAsReceiver}
	default:
		directions = []domain.DeleteDirection{domain.DeleteDirection(as)}
	}

	var total int64
	for _, d := range directions {
		n, err := h.messageService.SoftDelete(r.Context(), userID, counterpartID, d)
		if err != nil {
			writeServiceError(w, "delete conversation", err)
			return
		}
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": total})
}
