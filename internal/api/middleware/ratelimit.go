package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"study-portal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimitMiddleware limits requests per client and route category. A failing
// limiter lets the request through.
func RateLimitMiddleware(limiter ratelimit.RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		category := ratelimit.Category(c.Request.Method, c.FullPath())
		decision, err := limiter.Allow(c.Request.Context(), getClientID(c), category)
		if err != nil {
			logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Header("X-RateLimit-Error", "Rate limiter unavailable")
			c.Next()
			return
		}

		setRateLimitHeaders(c, decision)
		if !decision.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"message":    fmt.Sprintf("Too many requests. Try again in %v", decision.RetryAfter.Round(time.Second)),
				"error":      "RATE_LIMIT_EXCEEDED",
				"retryAfter": retryAfterSeconds(decision.RetryAfter),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// getClientID prefers the authenticated client, then the caller's IP.
func getClientID(c *gin.Context) string {
	if clientID := c.GetString(ClientIDKey); clientID != "" {
		return "client:" + clientID
	}
	return "ip:" + c.ClientIP()
}

func setRateLimitHeaders(c *gin.Context, decision ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
	if !decision.Allowed {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.RetryAfter).Unix(), 10))
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	return max(seconds, 1)
}
