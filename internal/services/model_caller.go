package services

import (
	"context"
	"errors"
	"time"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/observability"
	"github.com/tablechat/tablechat-backend/internal/pkg/httpx"
	"github.com/tablechat/tablechat-backend/internal/platform/gemini"
	"github.com/tablechat/tablechat-backend/internal/utils"
)

// ModelTier selects which Gemini model serves a request. Unknown tiers
// fall back to the standard model rather than failing the request.
type ModelTier string

const (
	ModelTierStandard ModelTier = "standard"
	ModelTierPremium  ModelTier = "premium"
)

const (
	defaultMaxModelRetries = 3
	rotateDelay            = 1 * time.Second
)

// ModelCaller wraps the Gemini client with the credential pool and the
// rotate-and-retry policy shared by code generation and captioning.
type ModelCaller interface {
	Call(ctx context.Context, prompt string, tier ModelTier) (string, error)
	ModelFor(tier ModelTier) string
}

type modelCaller struct {
	log           *logger.Logger
	client        gemini.Client
	keys          *gemini.KeyPool
	standardModel string
	premiumModel  string
	maxRetries    int
	retryDelay    time.Duration
}

func NewModelCaller(baseLog *logger.Logger, client gemini.Client, keys *gemini.KeyPool) ModelCaller {
	callerLog := baseLog.With("service", "ModelCaller")
	return &modelCaller{
		log:           callerLog,
		client:        client,
		keys:          keys,
		standardModel: utils.GetEnv("GEMINI_STANDARD_MODEL", "gemini-1.5-flash", baseLog),
		premiumModel:  utils.GetEnv("GEMINI_PREMIUM_MODEL", "gemini-1.5-pro", baseLog),
		maxRetries:    defaultMaxModelRetries,
		retryDelay:    rotateDelay,
	}
}

func (m *modelCaller) ModelFor(tier ModelTier) string {
	switch tier {
	case ModelTierPremium:
		return m.premiumModel
	default:
		return m.standardModel
	}
}

// Call runs up to maxRetries provider calls. Quota errors rotate the
// credential and retry as long as another credential is available,
// even on the last attempt; transient errors rotate only when attempts
// remain. A single-credential quota failure and any non-retryable
// error are terminal immediately.
func (m *modelCaller) Call(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	model := m.ModelFor(tier)

	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		credential := m.keys.Current()
		text, err := m.client.GenerateText(ctx, credential, model, prompt)
		if err == nil {
			m.log.Info("Model call succeeded",
				"model", model,
				"attempt", attempt+1,
				"key_suffix", keySuffix(credential),
			)
			return text, nil
		}
		lastErr = err

		class := httpx.ClassifyProviderError(err.Error())
		if class == httpx.ProviderErrorQuotaExceeded {
			if m.keys.AvailableCount() > 1 {
				m.log.Warn("Quota exhausted on credential, rotating",
					"model", model,
					"attempt", attempt+1,
					"key_suffix", keySuffix(credential),
				)
				m.rotate()
				time.Sleep(httpx.JitterSleep(m.rotateWait(err)))
				continue
			}
			m.log.Error("Quota exhausted with no spare credentials", "model", model, "error", err)
			return "", &CallError{Attempts: attempt + 1, Err: err}
		}

		retryable := class == httpx.ProviderErrorTransient || httpx.IsRetryableError(err)
		if retryable && attempt < m.maxRetries-1 && m.keys.AvailableCount() > 1 {
			m.log.Warn("Model call failed, rotating credential",
				"model", model,
				"attempt", attempt+1,
				"error", err,
			)
			m.rotate()
			time.Sleep(httpx.JitterSleep(m.rotateWait(err)))
			continue
		}

		m.log.Error("Model call failed terminally",
			"model", model,
			"attempt", attempt+1,
			"error", err,
		)
		return "", &CallError{Attempts: attempt + 1, Err: err}
	}

	return "", &CallError{Attempts: m.maxRetries, Err: lastErr}
}

// rotateWait picks the delay before the next attempt. A server-sent
// Retry-After hint wins over the default rotate delay when it is
// longer.
func (m *modelCaller) rotateWait(err error) time.Duration {
	var httpErr *gemini.HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > m.retryDelay {
		return httpErr.RetryAfter
	}
	return m.retryDelay
}

func (m *modelCaller) rotate() {
	m.keys.Rotate()
	if metrics := observability.Current(); metrics != nil {
		metrics.IncKeyRotation()
	}
}

func keySuffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return "..." + key[len(key)-4:]
}
