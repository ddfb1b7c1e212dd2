package api

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/anima-ai/anima/internal/ratelimit"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// healthPath is exempt from rate limiting so probes never starve.
const healthPath = "/v1/system/health"

// RateLimit enforces the per-client token bucket. The client id comes
// from the X-Client-ID header, falling back to the remote IP.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, healthPath) {
			c.Next()
			return
		}
		clientID := c.GetHeader("X-Client-ID")
		if clientID == "" {
			clientID = c.ClientIP()
		}
		ok, retryAfter := limiter.Allow(clientID)
		if !ok {
			apiErr := v1.NewError(v1.ErrorRateLimited, "rate limit exceeded")
			apiErr.RetryAfter = int(retryAfter.Seconds())
			c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfter))
			c.AbortWithStatusJSON(apiErr.Type.HTTPStatus(), apiErr)
			return
		}
		c.Next()
	}
}
