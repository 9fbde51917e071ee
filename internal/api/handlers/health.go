package handlers

import (
	"context"
	"net/http"
	"time"

	"study-portal/internal/websocket"
	"study-portal/pkg/redis"

	"github.com/gin-gonic/gin"
)

// StoragePinger checks the record store.
type StoragePinger interface {
	Ping(ctx context.Context) error
	Name() string
}

// PingFunc adapts a function to StoragePinger.
type PingFunc struct {
	Driver string
	Fn     func(ctx context.Context) error
}

func (p PingFunc) Ping(ctx context.Context) error { return p.Fn(ctx) }
func (p PingFunc) Name() string                   { return p.Driver }

type HealthHandler struct {
	storage     StoragePinger
	redisClient *redis.Client
	hub         *websocket.Hub
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
}

// NewHealthHandler builds the handler; redisClient and hub may be nil.
func NewHealthHandler(storage StoragePinger, redisClient *redis.Client, hub *websocket.Hub) *HealthHandler {
	return &HealthHandler{
		storage:     storage,
		redisClient: redisClient,
		hub:         hub,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Timestamp: time.Now(),
		Services:  make(map[string]interface{}),
	}

	overallHealthy := true

	storageStatus := h.checkStorage(c.Request.Context())
	response.Services["storage"] = storageStatus
	if !storageStatus["healthy"].(bool) {
		overallHealthy = false
	}

	// Redis only carries the fan-out; the API keeps working without it.
	if h.redisClient != nil {
		response.Services["redis"] = h.checkRedis()
	}
	if h.hub != nil {
		response.Services["feed"] = h.hub.GetClientStats()
	}

	if overallHealthy {
		response.Status = "healthy"
		c.JSON(http.StatusOK, response)
	} else {
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
	}
}

func (h *HealthHandler) checkStorage(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"service": "storage",
		"healthy": false,
	}
	if h.storage == nil {
		status["error"] = "Storage not initialized"
		return status
	}

	status["driver"] = h.storage.Name()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.storage.Ping(ctx); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["healthy"] = true
	status["message"] = "Connected"
	return status
}

func (h *HealthHandler) checkRedis() map[string]interface{} {
	healthStatus := h.redisClient.HealthCheck()
	status := map[string]interface{}{
		"service":         "redis",
		"healthy":         healthStatus.IsConnected,
		"connectionInfo":  healthStatus.ConnectionInfo,
		"responseTime":    healthStatus.ResponseTime.String(),
		"lastPing":        healthStatus.LastPing,
		"connectionStats": h.redisClient.GetConnectionStats(),
	}
	if healthStatus.Error != "" {
		status["error"] = healthStatus.Error
	}
	return status
}
