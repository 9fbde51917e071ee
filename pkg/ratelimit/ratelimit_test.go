package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Limits: map[string]RateLimit{
			CategoryWrite:   {RequestsPerMinute: 60, BurstSize: 2, WindowSize: time.Minute},
			CategoryDefault: {RequestsPerMinute: 60, BurstSize: 5, WindowSize: time.Minute},
		},
		KeyPrefix: "test:",
		Enabled:   true,
	}
}

func TestCategory(t *testing.T) {
	assert.Equal(t, CategoryRead, Category(http.MethodGet, "/api/v1/records/:entity/:id"))
	assert.Equal(t, CategoryWrite, Category(http.MethodPatch, "/api/v1/records/:entity/:id"))
	assert.Equal(t, CategoryWrite, Category(http.MethodPost, "/api/v1/records/:entity"))
	assert.Equal(t, CategoryDashboard, Category(http.MethodGet, "/api/v1/dashboard/summary"))
	assert.Equal(t, CategoryFeed, Category(http.MethodGet, "/api/v1/feed"))
	assert.Equal(t, CategoryDefault, Category(http.MethodGet, "/somewhere"))
}

func TestMemoryRateLimiter_BurstThenRefill(t *testing.T) {
	limiter := NewMemoryRateLimiter(testConfig())
	defer limiter.Stop()
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "c1", CategoryWrite)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, "c1", CategoryWrite)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// Other clients and categories have their own buckets.
	d, _ = limiter.Allow(ctx, "c2", CategoryWrite)
	assert.True(t, d.Allowed)
	d, _ = limiter.Allow(ctx, "c1", CategoryRead)
	assert.True(t, d.Allowed)

	now = now.Add(time.Second)
	d, _ = limiter.Allow(ctx, "c1", CategoryWrite)
	assert.True(t, d.Allowed)

	stats := limiter.GetStats()
	assert.Equal(t, int64(6), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
	assert.Equal(t, 3, stats.ActiveBuckets)

	now = now.Add(2 * time.Hour)
	limiter.sweep(time.Hour)
	assert.Equal(t, 0, limiter.GetStats().ActiveBuckets)
}

func TestMemoryRateLimiter_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	limiter := NewMemoryRateLimiter(cfg)
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		d, err := limiter.Allow(context.Background(), "c1", CategoryWrite)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestRedisRateLimiter_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedisRateLimiter(client, testConfig())
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "c1", CategoryWrite)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = limiter.Allow(ctx, "c1", CategoryWrite)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	now = now.Add(10 * time.Second)
	d, err = limiter.Allow(ctx, "c1", CategoryWrite)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 50*time.Second, d.RetryAfter)
	assert.True(t, mr.Exists("test:c1:write"))

	now = now.Add(time.Minute)
	d, err = limiter.Allow(ctx, "c1", CategoryWrite)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Equal(t, int64(1), limiter.GetStats().BlockedRequests)
}

func TestRedisRateLimiter_ErrorWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewRedisRateLimiter(client, testConfig()).Allow(context.Background(), "c1", CategoryWrite)
	assert.Error(t, err)
}
