package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tablechat/tablechat-backend/internal/platform/apierr"
	"github.com/tablechat/tablechat-backend/internal/services"
)

type SessionHandler struct {
	sessionService services.SessionService
}

func NewSessionHandler(sessionService services.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

func sessionIDParam(c *gin.Context) (uuid.UUID, error) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", raw)
	}
	return id, nil
}

func (sh *SessionHandler) Messages(c *gin.Context) {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	views, err := sh.sessionService.Messages(c.Request.Context(), sessionID)
	if err != nil {
		RespondError(c, apierr.StatusOf(err), "session_not_found", err)
		return
	}
	RespondOK(c, gin.H{"messages": views})
}

type titleRequest struct {
	Title string `json:"title" binding:"required"`
}

func (sh *SessionHandler) UpdateTitle(c *gin.Context) {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	applied, err := sh.sessionService.UpdateTitleOnce(c.Request.Context(), sessionID, req.Title)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "title_update_failed", err)
		return
	}
	RespondOK(c, gin.H{"updated": applied})
}

func (sh *SessionHandler) Stop(c *gin.Context) {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := sh.sessionService.LogStopped(c.Request.Context(), sessionID); err != nil {
		RespondError(c, http.StatusInternalServerError, "stop_failed", err)
		return
	}
	RespondOK(c, gin.H{"stopped": true})
}

func (sh *SessionHandler) Delete(c *gin.Context) {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := sh.sessionService.DeleteSession(c.Request.Context(), sessionID); err != nil {
		RespondError(c, http.StatusInternalServerError, "session_delete_failed", err)
		return
	}
	RespondOK(c, gin.H{"deleted": true})
}
