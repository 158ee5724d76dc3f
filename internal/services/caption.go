package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/types"
)

const maxCaptionLength = 200

// CaptionService produces the short intro message attached to each
// generated artifact. Captioning never fails a request: any model
// problem degrades to a deterministic template.
type CaptionService interface {
	CaptionArtifact(ctx context.Context, fileType, userMessage string, tier ModelTier) string
}

type captionService struct {
	log    *logger.Logger
	caller ModelCaller
}

func NewCaptionService(baseLog *logger.Logger, caller ModelCaller) CaptionService {
	return &captionService{
		log:    baseLog.With("service", "CaptionService"),
		caller: caller,
	}
}

func (s *captionService) CaptionArtifact(ctx context.Context, fileType, userMessage string, tier ModelTier) string {
	var kind string
	switch fileType {
	case types.GeneratedFileTypePNG:
		kind = "a chart image"
	case types.GeneratedFileTypeCSV:
		kind = "a CSV data export"
	default:
		kind = "a file"
	}

	prompt := fmt.Sprintf(`A user asked: "%s"

In response, %s was generated for them. Write one short, friendly sentence introducing it. Mention what it shows, not how it was made. Respond with the sentence only.`, userMessage, kind)

	caption, err := s.caller.Call(ctx, prompt, tier)
	if err != nil {
		s.log.Warn("Caption generation failed, using fallback", "file_type", fileType, "error", err)
		return errorFallbackCaption(fileType)
	}

	caption = strings.TrimSpace(caption)
	if caption == "" || len(caption) > maxCaptionLength {
		return fallbackCaption(fileType, userMessage)
	}
	return caption
}

func fallbackCaption(fileType, userMessage string) string {
	switch fileType {
	case types.GeneratedFileTypePNG:
		snippet := userMessage
		if runes := []rune(snippet); len(runes) > 50 {
			snippet = string(runes[:50]) + "..."
		}
		return fmt.Sprintf("I've created a visualization based on your request about %s.", snippet)
	case types.GeneratedFileTypeCSV:
		return "Here's the data analysis you requested, exported as a downloadable file."
	default:
		return "I've generated a file based on your request."
	}
}

func errorFallbackCaption(fileType string) string {
	switch fileType {
	case types.GeneratedFileTypePNG:
		return "I've created a visualization based on your data analysis request."
	case types.GeneratedFileTypeCSV:
		return "Here are the results of your data analysis, ready for download."
	default:
		return "I've generated a file based on your request."
	}
}
