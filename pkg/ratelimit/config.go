package ratelimit

import (
	"net/http"
	"time"
)

// Categories group routes that share a limit.
const (
	CategoryRead      = "read"
	CategoryWrite     = "write"
	CategoryDashboard = "dashboard"
	CategoryFeed      = "feed"
	CategoryHealth    = "health"
	CategoryDefault   = "default"
)

// Config holds the configuration for rate limiting
type Config struct {
	Limits          map[string]RateLimit `json:"limits"`
	KeyPrefix       string               `json:"keyPrefix"`       // Redis key prefix
	CleanupInterval time.Duration        `json:"cleanupInterval"` // idle bucket sweep
	Enabled         bool                 `json:"enabled"`
}

// DefaultConfig returns a default rate limiting configuration
func DefaultConfig() *Config {
	return &Config{
		Limits: map[string]RateLimit{
			CategoryRead:      {RequestsPerMinute: 600, BurstSize: 100, WindowSize: time.Minute},
			CategoryWrite:     {RequestsPerMinute: 120, BurstSize: 30, WindowSize: time.Minute},
			CategoryDashboard: {RequestsPerMinute: 120, BurstSize: 20, WindowSize: time.Minute},
			CategoryFeed:      {RequestsPerMinute: 10, BurstSize: 5, WindowSize: time.Minute},
			CategoryHealth:    {RequestsPerMinute: 1000, BurstSize: 100, WindowSize: time.Minute},
			CategoryDefault:   {RequestsPerMinute: 60, BurstSize: 15, WindowSize: time.Minute},
		},
		KeyPrefix:       "ratelimit:",
		CleanupInterval: 5 * time.Minute,
		Enabled:         true,
	}
}

// Category maps a method and gin route pattern to a limit category.
func Category(method, route string) string {
	switch route {
	case "/api/v1/records/:entity", "/api/v1/records/:entity/:id":
		if method == http.MethodGet || method == http.MethodHead {
			return CategoryRead
		}
		return CategoryWrite
	case "/api/v1/dashboard/summary":
		return CategoryDashboard
	case "/api/v1/feed":
		return CategoryFeed
	case "/health":
		return CategoryHealth
	default:
		return CategoryDefault
	}
}

// LimitFor returns the limit of category, falling back to the default one.
func (c *Config) LimitFor(category string) RateLimit {
	if limit, ok := c.Limits[category]; ok {
		return limit
	}
	if limit, ok := c.Limits[CategoryDefault]; ok {
		return limit
	}
	return RateLimit{RequestsPerMinute: 60, BurstSize: 15, WindowSize: time.Minute}
}
