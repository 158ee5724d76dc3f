package httpx

import "strings"

// ProviderErrorClass is a best-effort classification of a model
// provider error. Providers signal quota exhaustion through error
// text, not structured codes, so classification is substring matching
// kept behind this one function.
type ProviderErrorClass int

const (
	ProviderErrorFatal ProviderErrorClass = iota
	ProviderErrorTransient
	ProviderErrorQuotaExceeded
)

var quotaMarkers = []string{
	"quota",
	"rate limit",
	"too many requests",
	"resource_exhausted",
	"rate_limit_exceeded",
	"429",
	"quota exceeded",
}

var transientMarkers = []string{
	"timeout",
	"deadline exceeded",
	"unavailable",
	"connection reset",
	"internal error",
	"500",
	"502",
	"503",
	"504",
}

func ClassifyProviderError(msg string) ProviderErrorClass {
	s := strings.ToLower(strings.TrimSpace(msg))
	if s == "" {
		return ProviderErrorFatal
	}
	for _, m := range quotaMarkers {
		if strings.Contains(s, m) {
			return ProviderErrorQuotaExceeded
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(s, m) {
			return ProviderErrorTransient
		}
	}
	return ProviderErrorFatal
}
