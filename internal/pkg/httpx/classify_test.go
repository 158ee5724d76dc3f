package httpx

import "testing"

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want ProviderErrorClass
	}{
		{name: "quota_keyword", msg: "Quota exceeded for quota metric", want: ProviderErrorQuotaExceeded},
		{name: "rate_limit", msg: "provider said: rate limit hit", want: ProviderErrorQuotaExceeded},
		{name: "too_many_requests", msg: "HTTP Too Many Requests", want: ProviderErrorQuotaExceeded},
		{name: "resource_exhausted", msg: "rpc error: RESOURCE_EXHAUSTED", want: ProviderErrorQuotaExceeded},
		{name: "status_429", msg: "gemini http 429: slow down", want: ProviderErrorQuotaExceeded},
		{name: "server_error", msg: "gemini http 503: try later", want: ProviderErrorTransient},
		{name: "timeout", msg: "context deadline exceeded (Client.Timeout)", want: ProviderErrorTransient},
		{name: "bad_request", msg: "gemini http 400: invalid argument", want: ProviderErrorFatal},
		{name: "empty", msg: "", want: ProviderErrorFatal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyProviderError(tc.msg); got != tc.want {
				t.Fatalf("ClassifyProviderError(%q) = %d, want %d", tc.msg, got, tc.want)
			}
		})
	}
}
