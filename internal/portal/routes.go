package portal

import (
	"study-portal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Register mounts the portal endpoints. collector may be nil.
func (h *Handler) Register(router *gin.Engine, collector *metrics.Collector) {
	router.NoRoute(notFound)

	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	if collector != nil {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}

	entries := router.Group("/cache/:entity/:scope")
	{
		entries.GET("", h.GetEntry)
		entries.GET("/peek", h.PeekEntry)
		entries.GET("/watch", h.Watch)
	}

	router.POST("/mutations", h.Mutate)
	router.POST("/prefetch", h.SchedulePrefetch)
	router.DELETE("/prefetch", h.CancelPrefetch)
	router.POST("/invalidate", h.Invalidate)
	router.POST("/changes", h.ApplyChange)
}
