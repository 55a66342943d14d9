// Package httpx holds helpers shared by the HTTP-backed delivery adapters.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const DefaultTimeout = 30 * time.Second

// NewClient builds a resty client with the adapter defaults. Retries are left to
// the dispatcher, so the client never retries on its own.
func NewClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "vida-delivery/1.0")
}

// NewLimiter returns nil (no throttling) when rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func Wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// IsPermanentStatus reports whether an HTTP status should not be retried.
func IsPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// ParseJSON decodes body leniently; undecodable payloads come back as {"raw": body}.
func ParseJSON(body []byte) map[string]any {
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		var str string
		if json.Unmarshal(body, &str) == nil {
			return map[string]any{"raw": str}
		}
		return map[string]any{"raw": string(body)}
	}
	return out
}

func AsMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

// PickString returns the first non-blank string among keys of m.
func PickString(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// BodySnippet shortens a response body for error messages.
func BodySnippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "<empty>"
	}
	if len(text) > 512 {
		return text[:512]
	}
	return text
}
