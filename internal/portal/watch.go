package portal

import (
	"net/http"
	"time"

	"study-portal/pkg/cache"
	"study-portal/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	watchBuffer = 64
)

// Watch streams the events of one key over a websocket. The current entry,
// when cached, is sent first as an updated event.
func (h *Handler) Watch(c *gin.Context) {
	key := keyFromRequest(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("Watch upgrade failed", zap.Error(err))
		return
	}

	watcherID := uuid.NewString()
	sub := h.workspace.Watch(key, watchBuffer)
	logger := h.logger.With(zap.String("watcherId", watcherID), zap.String("key", key.String()))
	logger.Debug("Watcher connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			sub.Close()
			conn.Close()
			logger.Debug("Watcher disconnected", zap.Int64("dropped", sub.Dropped()))
		}()

		if entry, ok := h.workspace.Peek(key); ok {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(cache.Event{Kind: cache.EventUpdated, Key: key.String(), Entry: entry}); err != nil {
				return
			}
		}

		for {
			select {
			case ev, ok := <-sub.C():
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					logger.Info("Error writing to watcher", zap.Error(err))
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}()
}

// Health reports whether the workspace is serving. A degraded feed is
// reported but does not fail the check.
func (h *Handler) Health(c *gin.Context) {
	status := h.workspace.Status()
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"cache":     status.Cache,
	}
	if status.Feed != nil {
		body["feed"] = status.Feed
	}
	c.JSON(http.StatusOK, body)
}

// notFound answers unknown routes in the standard envelope.
func notFound(c *gin.Context) {
	utils.ErrorResponse(c, http.StatusNotFound, "Route not found", nil)
}
