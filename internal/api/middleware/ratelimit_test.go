package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"study-portal/pkg/jwt"
	"study-portal/pkg/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T, limiter ratelimit.RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(limiter, nil))
	router.GET("/api/v1/records/:entity", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	router.PATCH("/api/v1/records/:entity/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return router
}

func redisLimiter(t *testing.T) *ratelimit.RedisRateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	config := ratelimit.DefaultConfig()
	config.KeyPrefix = "test_ratelimit:"
	config.Limits[ratelimit.CategoryWrite] = ratelimit.RateLimit{RequestsPerMinute: 2, BurstSize: 2, WindowSize: time.Minute}
	return ratelimit.NewRedisRateLimiter(client, config)
}

func TestRateLimitMiddleware_BlocksWritesOverLimit(t *testing.T) {
	router := setupTestRouter(t, redisLimiter(t))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/v1/records/employees/e1", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/v1/records/projects/p1", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// Reads use a separate allowance.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/records/employees", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_SeparatesClients(t *testing.T) {
	router := setupTestRouter(t, redisLimiter(t))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/records/employees/e1", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/records/employees/e1", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func (failingLimiter) GetStats() ratelimit.RateLimiterStats { return ratelimit.RateLimiterStats{} }

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	router := setupTestRouter(t, failingLimiter{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/v1/records/employees/e1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Rate limiter unavailable", w.Header().Get("X-RateLimit-Error"))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	util := jwt.NewJWTUtil("middleware-secret-0123", time.Hour, "")

	router := gin.New()
	router.Use(AuthMiddleware(util))
	router.GET("/read", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ClientIDKey))
	})
	router.PATCH("/write", RequireWrite(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	editor, err := util.GenerateToken("portal-1", jwt.RoleEditor)
	require.NoError(t, err)
	viewer, err := util.GenerateToken("viewer-1", jwt.RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing token", http.MethodGet, "/read", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/read", "Bearer nope", http.StatusUnauthorized},
		{"bearer token", http.MethodGet, "/read", "Bearer " + viewer, http.StatusOK},
		{"bare token", http.MethodGet, "/read", editor, http.StatusOK},
		{"query token", http.MethodGet, "/read?token=" + viewer, "", http.StatusOK},
		{"viewer cannot write", http.MethodPatch, "/write", "Bearer " + viewer, http.StatusForbidden},
		{"editor writes", http.MethodPatch, "/write", "Bearer " + editor, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
