package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tablechat/tablechat-backend/internal/services"
)

type ChatHandler struct {
	analysisService services.AnalysisService
}

func NewChatHandler(analysisService services.AnalysisService) *ChatHandler {
	return &ChatHandler{analysisService: analysisService}
}

type askRequest struct {
	Message        string `json:"message" binding:"required"`
	DataSourcePath string `json:"data_source_path" binding:"required"`
	Model          string `json:"model"`
	SessionID      string `json:"session_id"`
	UserPrompt     string `json:"user_prompt"`
}

func (ch *ChatHandler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	var sessionID *uuid.UUID
	if req.SessionID != "" {
		parsed, err := uuid.Parse(req.SessionID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
			return
		}
		sessionID = &parsed
	}

	resp, err := ch.analysisService.Ask(c.Request.Context(), services.AskRequest{
		SessionID:      sessionID,
		Message:        req.Message,
		DataSourcePath: req.DataSourcePath,
		Tier:           services.ModelTier(req.Model),
		UserPrompt:     req.UserPrompt,
	})
	if err != nil {
		var genErr *services.GenerationError
		if errors.As(err, &genErr) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"response": fmt.Sprintf("I had trouble understanding that. %v", genErr.Err),
			})
			return
		}
		var execErr *services.ExecutionError
		if errors.As(err, &execErr) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"response": fmt.Sprintf("I'm sorry, I encountered an error while analyzing the data: %v", execErr.Err),
			})
			return
		}
		RespondError(c, http.StatusInternalServerError, "analysis_failed", err)
		return
	}

	RespondOK(c, resp)
}
