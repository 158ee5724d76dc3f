package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/observability"
	"github.com/tablechat/tablechat-backend/internal/pkg/httpx"
	"github.com/tablechat/tablechat-backend/internal/utils"
)

// Client is the Gemini API client used for code generation and
// captioning. The credential is supplied per call so the key pool can
// rotate between attempts; the client itself holds no retry loop.
type Client interface {
	GenerateText(ctx context.Context, credential, model, prompt string) (string, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimRight(utils.GetEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com", log), "/")
	timeoutSec := utils.GetEnvAsInt("MODEL_CALL_TIMEOUT_SECONDS", 90, log)
	if timeoutSec <= 0 {
		timeoutSec = 90
	}
	return &client{
		log:        log.With("service", "GeminiClient"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

// maxRetryAfter caps how long a server-supplied Retry-After hint can
// push out the caller's rotate delay.
const maxRetryAfter = 30 * time.Second

type HTTPError struct {
	StatusCode int
	Body       string
	// RetryAfter carries the server's Retry-After hint, zero when the
	// response had none.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gemini http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type generateContentRequest struct {
	Contents []requestContent `json:"contents"`
}

type requestContent struct {
	Parts []requestPart `json:"parts"`
}

type requestPart struct {
	Text string `json:"text"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *client) GenerateText(ctx context.Context, credential, model, prompt string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", fmt.Errorf("model required")
	}
	if strings.TrimSpace(credential) == "" {
		return "", fmt.Errorf("credential required")
	}

	body := generateContentRequest{
		Contents: []requestContent{
			{Parts: []requestPart{{Text: prompt}}},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return "", err
	}

	path := "/v1beta/models/" + model + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return "", err
	}
	// Credential goes in a header, never in the URL, so it cannot leak
	// through request logging.
	req.Header.Set("x-goog-api-key", credential)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveLLMRequest(model, path, "error", time.Since(start), 0, 0)
		}
		return "", err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveLLMRequest(model, path, strconv.Itoa(resp.StatusCode), time.Since(start), 0, 0)
		}
		return "", &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: httpx.RetryAfterDuration(resp, 0, maxRetryAfter),
		}
	}

	var out generateContentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("gemini decode error: %w; raw=%s", err, string(raw))
	}
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveLLMRequest(model, path, strconv.Itoa(resp.StatusCode), time.Since(start),
			out.UsageMetadata.PromptTokenCount, out.UsageMetadata.CandidatesTokenCount)
	}

	if out.PromptFeedback != nil && strings.TrimSpace(out.PromptFeedback.BlockReason) != "" {
		return "", fmt.Errorf("gemini blocked prompt: %s", out.PromptFeedback.BlockReason)
	}

	var text strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		break
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", fmt.Errorf("gemini response contained no text")
	}
	return text.String(), nil
}
