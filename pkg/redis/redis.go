package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"study-portal/internal/config"
	"study-portal/pkg/feed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const healthCheckInterval = 30 * time.Second

type Client struct {
	client        *redis.Client
	config        config.RedisConfig
	logger        *zap.Logger
	mu            sync.RWMutex
	isConnected   bool
	reconnectChan chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

type HealthStatus struct {
	IsConnected    bool          `json:"isConnected"`
	LastPing       time.Time     `json:"lastPing"`
	ResponseTime   time.Duration `json:"responseTime"`
	ConnectionInfo string        `json:"connectionInfo"`
	Error          string        `json:"error,omitempty"`
}

// NewClient creates a Redis client with connection pooling, periodic health
// checks and automatic reconnection.
func NewClient(cfg config.RedisConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		config:        cfg,
		logger:        logger,
		reconnectChan: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	client.connect()
	client.wg.Add(2)
	go client.healthCheckLoop()
	go client.reconnectLoop()

	return client
}

// connect establishes the Redis connection with configured options
func (c *Client) connect() {
	opt, err := c.options()
	if err != nil {
		c.logger.Warn("Failed to parse Redis URL, falling back to host:port", zap.Error(err))
		opt = c.hostPortOptions()
	}

	c.mu.Lock()
	c.client = redis.NewClient(opt)
	client := c.client
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(ctx).Err()
	c.mu.Lock()
	c.isConnected = err == nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Redis connection test failed", zap.String("addr", opt.Addr), zap.Error(err))
	} else {
		c.logger.Info("Redis connected", zap.String("addr", opt.Addr))
	}
}

func (c *Client) options() (*redis.Options, error) {
	if c.config.URL == "" {
		return c.hostPortOptions(), nil
	}
	opt, err := redis.ParseURL(c.config.URL)
	if err != nil {
		return nil, err
	}
	c.applyPool(opt)
	return opt, nil
}

func (c *Client) hostPortOptions() *redis.Options {
	opt := &redis.Options{
		Addr:     c.config.Addr(),
		Password: c.config.Password,
		DB:       c.config.DB,
	}
	c.applyPool(opt)
	return opt
}

func (c *Client) applyPool(opt *redis.Options) {
	opt.PoolSize = c.config.PoolSize
	opt.MinIdleConns = c.config.MinIdleConns
	opt.MaxRetries = c.config.MaxRetries
	opt.MinRetryBackoff = c.config.RetryDelay
	opt.DialTimeout = c.config.DialTimeout
	opt.ReadTimeout = c.config.ReadTimeout
	opt.WriteTimeout = c.config.WriteTimeout
	opt.PoolTimeout = c.config.PoolTimeout
	opt.ConnMaxIdleTime = c.config.IdleTimeout
}

// GetClient returns the Redis client instance (thread-safe)
func (c *Client) GetClient() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// IsConnected returns the current connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// Publish sends a change message on the configured channel.
func (c *Client) Publish(ctx context.Context, msg feed.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode change message: %w", err)
	}
	if err := c.GetClient().Publish(ctx, c.Channel(), payload).Err(); err != nil {
		c.markDisconnected()
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Subscribe lets the client serve as a feed.Subscriber across reconnects.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.GetClient().Subscribe(ctx, channels...)
}

// Channel is the change-feed channel.
func (c *Client) Channel() string {
	if c.config.Channel == "" {
		return feed.DefaultChannel
	}
	return c.config.Channel
}

// HealthCheck performs a health check and returns detailed status
func (c *Client) HealthCheck() HealthStatus {
	client := c.GetClient()
	status := HealthStatus{
		IsConnected:    c.IsConnected(),
		ConnectionInfo: client.Options().Addr,
	}

	ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx).Err()
	status.ResponseTime = time.Since(start)
	status.LastPing = time.Now()

	if err != nil {
		status.IsConnected = false
		status.Error = err.Error()
		c.markDisconnected()
		return status
	}

	c.mu.Lock()
	c.isConnected = true
	c.mu.Unlock()
	status.IsConnected = true
	return status
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()
	c.triggerReconnect()
}

// triggerReconnect signals the reconnection goroutine
func (c *Client) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
		// reconnection already pending
	}
}

func (c *Client) healthCheckLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if status := c.HealthCheck(); !status.IsConnected {
				c.logger.Warn("Redis health check failed", zap.String("error", status.Error))
			}
		}
	}
}

// reconnectLoop reconnects with exponential backoff.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
		}
		if c.IsConnected() {
			continue
		}

		c.logger.Info("Attempting to reconnect to Redis")
		if old := c.GetClient(); old != nil {
			_ = old.Close()
		}
		c.connect()

		if c.IsConnected() {
			c.logger.Info("Reconnected to Redis")
			backoff = time.Second
			continue
		}

		c.logger.Warn("Redis reconnection failed", zap.Duration("retryIn", backoff))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
		c.triggerReconnect()
	}
}

// Close gracefully shuts down the Redis client
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GetConnectionStats returns connection pool statistics
func (c *Client) GetConnectionStats() map[string]interface{} {
	stats := c.GetClient().PoolStats()
	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"totalConns":  stats.TotalConns,
		"idleConns":   stats.IdleConns,
		"staleConns":  stats.StaleConns,
		"isConnected": c.IsConnected(),
	}
}
