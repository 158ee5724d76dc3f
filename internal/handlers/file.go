package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tablechat/tablechat-backend/internal/platform/apierr"
	"github.com/tablechat/tablechat-backend/internal/services"
)

type FileHandler struct {
	fileService services.FileService
}

func NewFileHandler(fileService services.FileService) *FileHandler {
	return &FileHandler{fileService: fileService}
}

func fileIDParam(c *gin.Context) (uuid.UUID, error) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid file id %q", raw)
	}
	return id, nil
}

func (fh *FileHandler) Delete(c *gin.Context) {
	fileID, err := fileIDParam(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_file_id", err)
		return
	}
	if err := fh.fileService.Delete(c.Request.Context(), fileID); err != nil {
		RespondError(c, http.StatusInternalServerError, "file_delete_failed", err)
		return
	}
	RespondOK(c, gin.H{"deleted": true})
}

func (fh *FileHandler) Download(c *gin.Context) {
	fileID, err := fileIDParam(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_file_id", err)
		return
	}
	url, err := fh.fileService.DownloadURL(c.Request.Context(), fileID)
	if err != nil {
		RespondError(c, apierr.StatusOf(err), "file_not_found", err)
		return
	}
	c.Redirect(http.StatusFound, url)
}
