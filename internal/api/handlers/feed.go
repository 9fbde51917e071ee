package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"study-portal/internal/api/middleware"
	"study-portal/internal/websocket"
	"study-portal/pkg/invalidation"
	"study-portal/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FeedHandler upgrades authenticated requests to change-feed websockets.
type FeedHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

func NewFeedHandler(hub *websocket.Hub, logger *zap.Logger) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedHandler{hub: hub, logger: logger}
}

// Subscribe serves GET /api/v1/feed?tables=a,b. Authentication happens in
// middleware; every connection gets its own id.
func (h *FeedHandler) Subscribe(c *gin.Context) {
	filters, err := parseTables(c.Query("tables"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid table filter", err)
		return
	}

	clientID := uuid.NewString()
	if err := h.hub.Serve(c.Writer, c.Request, clientID, filters); err != nil {
		// The upgrader has already written the handshake error.
		h.logger.Warn("Feed connection rejected",
			zap.String("client", c.GetString(middleware.ClientIDKey)),
			zap.Error(err),
		)
		return
	}
	h.logger.Info("Feed client connected",
		zap.String("clientId", clientID),
		zap.String("client", c.GetString(middleware.ClientIDKey)),
		zap.Strings("tables", filters.Tables),
	)
}

// GetStats returns hub statistics.
func (h *FeedHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Feed statistics retrieved successfully", h.hub.GetClientStats())
}

func parseTables(raw string) (websocket.TableFilters, error) {
	var filters websocket.TableFilters
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		entity, ok := invalidation.ParseEntityType(name)
		if !ok {
			return filters, fmt.Errorf("unknown table %q", name)
		}
		filters.Tables = append(filters.Tables, entity.String())
	}
	return filters, nil
}
