package server

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/vida/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey   = "X-API-Key"
	HeaderAdminKey = "X-Admin-Key"

	contextAPIKey = "api_key"
)

// APIKeyRequired accepts X-API-Key or a Bearer token listed in VIDA_API_KEYS.
// With no keys configured the API is open.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := requestAPIKey(c)
		if len(s.apiKeys) == 0 {
			c.Set(contextAPIKey, key)
			c.Next()
			return
		}
		if _, ok := s.apiKeys[key]; !ok || key == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextAPIKey, key)
		c.Next()
	}
}

// AdminKeyRequired guards the operator endpoints with VIDA_ADMIN_KEY.
func (s *Server) AdminKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.Auth.AdminKey
		if expected == "" {
			if s.cfg.Environment == "production" {
				AbortWithError(c, ErrForbidden)
				return
			}
			c.Next()
			return
		}
		provided := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// CreateInvoiceRateLimit throttles invoice creation per API key.
func (s *Server) CreateInvoiceRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := c.GetString(contextAPIKey)
		if key == "" {
			key = c.ClientIP()
		}
		endpoint := normalizeRateLimitEndpoint(c)

		res := s.limiter.Allow(ctx, endpoint, key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(retryAfter, 1)))
			logger.FromContext(ctx).Warn("invoice creation rate limited",
				zap.String("endpoint", endpoint),
				zap.Duration("retry_after", res.RetryAfter),
			)
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func requestAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); key != "" {
		return key
	}
	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
