package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/service"
	"github.com/vedran77/courtside/internal/transport/http/middleware"
)

type BroadcastHandler struct {
	broadcastService *service.BroadcastService
}

func NewBroadcastHandler(broadcastService *service.BroadcastService) *BroadcastHandler {
	return &BroadcastHandler{broadcastService: broadcastService}
}

type prepareBroadcastInput struct {
	Content string                 `json:"content"`
	Filter  domain.RecipientFilter `json:"filter"`
	Mode    service.BroadcastMode  `json:"mode"`
}

// Prepare resolves the recipients and returns the plan with its count. The
// broadcast is only sent by a following Commit.
func (h *BroadcastHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r.Context())

	var input prepareBroadcastInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	plan, err := h.broadcastService.Prepare(r.Context(), service.Caller{UserID: id.UserID, IsAdmin: id.IsAdmin}, input.Content, input.Filter, input.Mode)
	if err != nil {
		writeServiceError(w, "prepare broadcast", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         plan.ID,
		"count":      plan.Count,
		"mode":       plan.Mode,
		"expires_at": plan.ExpiresAt,
	})
}

func (h *BroadcastHandler) Commit(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r.Context())
	planID, ok := pathUUID(w, r, "id", "plan ID")
	if !ok {
		return
	}

	res, err := h.broadcastService.Commit(r.Context(), service.Caller{UserID: id.UserID, IsAdmin: id.IsAdmin}, planID)
	if err != nil {
		if errors.Is(err, service.ErrBroadcastFailed) && res != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":  map[string]string{"code": "BROADCAST_FAILED", "message": res.String()},
				"result": res,
			})
			return
		}
		writeServiceError(w, "commit broadcast", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"result":  res,
		"summary": res.String(),
	})
}
