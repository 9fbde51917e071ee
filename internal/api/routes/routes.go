package routes

import (
	"study-portal/internal/api/handlers"
	"study-portal/internal/api/middleware"
	"study-portal/internal/services"
	"study-portal/internal/websocket"
	"study-portal/pkg/jwt"
	"study-portal/pkg/metrics"
	"study-portal/pkg/ratelimit"
	"study-portal/pkg/redis"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dependencies are the components the backing-store API is built from.
// Limiter, Metrics, Redis and Logger are optional.
type Dependencies struct {
	Records *services.RecordService
	Hub     *websocket.Hub
	JWT     *jwt.JWTUtil
	Storage handlers.StoragePinger
	Limiter ratelimit.RateLimiter
	Metrics *metrics.Collector
	Redis   *redis.Client
	Logger  *zap.Logger
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	recordHandler := handlers.NewRecordHandler(deps.Records)
	dashboardHandler := handlers.NewDashboardHandler(deps.Records)
	feedHandler := handlers.NewFeedHandler(deps.Hub, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.Storage, deps.Redis, deps.Hub)
	authHandler := handlers.NewAuthHandler(deps.JWT)

	router.GET("/health", healthHandler.HealthCheck)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// API routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(deps.JWT))
	if deps.Limiter != nil {
		api.Use(middleware.RateLimitMiddleware(deps.Limiter, deps.Logger))
	}

	api.POST("/auth/refresh", authHandler.RefreshToken)

	records := api.Group("/records/:entity")
	{
		records.GET("", recordHandler.ListRecords)
		records.POST("", middleware.RequireWrite(), recordHandler.CreateRecord)
		records.GET("/:id", recordHandler.GetRecord)
		records.PATCH("/:id", middleware.RequireWrite(), recordHandler.UpdateRecord)
		records.DELETE("/:id", middleware.RequireWrite(), recordHandler.DeleteRecord)
	}

	api.GET("/dashboard/summary", dashboardHandler.GetSummary)

	api.GET("/feed", feedHandler.Subscribe)
	api.GET("/feed/stats", feedHandler.GetStats)
}
