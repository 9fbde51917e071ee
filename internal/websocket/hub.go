// Package websocket fans change messages out to feed subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"study-portal/pkg/feed"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrHubClosed = errors.New("websocket hub is closed")

// Hub keeps the connected feed clients and broadcasts change messages to the
// ones whose filters match.
type Hub struct {
	clients   map[string]*Client
	broadcast chan feed.Message
	mutex     sync.RWMutex
	upgrader  websocket.Upgrader
	done      chan struct{}
	stopOnce  sync.Once
	dropped   atomic.Int64
	logger    *zap.Logger
}

// NewHub creates a hub. allowedOrigins empty accepts any origin.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:   make(map[string]*Client),
		broadcast: make(chan feed.Message, broadcastBuffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     OriginChecker(allowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// OriginChecker allows requests without an Origin header, any origin when the
// list is empty or holds "*", and otherwise only the listed origins.
func OriginChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Start begins the hub's main loop
func (h *Hub) Start() {
	go h.run()
	h.logger.Info("WebSocket hub started")
}

// Stop disconnects every client. Publish fails afterwards.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mutex.Lock()
		for id, client := range h.clients {
			delete(h.clients, id)
			close(client.Send)
		}
		h.mutex.Unlock()
		h.logger.Info("WebSocket hub stopped")
	})
}

func (h *Hub) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		case <-ticker.C:
			h.healthCheck(time.Now())
		case <-h.done:
			return
		}
	}
}

// Publish queues msg for every matching client. It never blocks on slow
// clients.
func (h *Hub) Publish(_ context.Context, msg feed.Message) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- msg:
		return nil
	default:
		h.dropped.Add(1)
		return fmt.Errorf("broadcast channel full, dropping %s change", msg.Table)
	}
}

// Serve upgrades the request and registers the connection under clientID.
// It returns once the client is registered; the connection is then served by
// its own goroutines.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, clientID string, filters TableFilters) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       clientID,
		Conn:     conn,
		Filters:  filters,
		Send:     make(chan []byte, sendBuffer),
		LastPing: time.Now(),
		IsActive: true,
	}

	if hello, err := json.Marshal(controlMessage{Type: MessageTypeConnected, ClientID: clientID, Filters: filters}); err == nil {
		client.Send <- hello
	}

	h.mutex.Lock()
	select {
	case <-h.done:
		h.mutex.Unlock()
		conn.Close()
		return ErrHubClosed
	default:
	}
	if old, ok := h.clients[clientID]; ok {
		close(old.Send)
	}
	h.clients[clientID] = client
	h.mutex.Unlock()

	h.logger.Debug("Feed client registered",
		zap.String("clientId", clientID),
		zap.Strings("tables", filters.Tables),
	)

	go h.writeMessages(client)
	go h.readMessages(client)
	return nil
}

// unregister removes client if it is still the registered connection for its id.
func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if current, ok := h.clients[client.ID]; ok && current == client {
		delete(h.clients, client.ID)
		close(client.Send)
		h.logger.Debug("Feed client unregistered", zap.String("clientId", client.ID))
	}
}

// GetConnectedClients returns the number of connected clients
func (h *Hub) GetConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// GetClientStats returns detailed client statistics
func (h *Hub) GetClientStats() ClientStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats := ClientStats{
		TotalClients: len(h.clients),
		Dropped:      h.dropped.Load(),
	}
	for _, client := range h.clients {
		if client.IsActive {
			stats.ActiveClients++
		} else {
			stats.InactiveClients++
		}
	}
	return stats
}

func (h *Hub) broadcastToClients(msg feed.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode change message", zap.Error(err))
		return
	}

	var slow []*Client
	h.mutex.RLock()
	for _, client := range h.clients {
		if !client.Filters.Matches(msg) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mutex.RUnlock()

	// A client that cannot keep up has lost messages; dropping it makes it
	// reconnect and resync.
	for _, client := range slow {
		h.dropped.Add(1)
		h.logger.Warn("Feed client send buffer full, disconnecting", zap.String("clientId", client.ID))
		h.unregister(client)
	}
}

// readMessages handles pongs and filter updates until the connection fails.
func (h *Hub) readMessages(client *Client) {
	defer h.unregister(client)

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		h.touch(client)
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var message controlMessage
		if err := client.Conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("Feed client read error", zap.String("clientId", client.ID), zap.Error(err))
			}
			return
		}
		h.touch(client)

		if message.Type == MessageTypeUpdateFilters {
			h.mutex.Lock()
			client.Filters = message.Filters
			h.mutex.Unlock()
			h.logger.Debug("Updated feed filters",
				zap.String("clientId", client.ID),
				zap.Strings("tables", message.Filters.Tables),
			)
		}
	}
}

func (h *Hub) touch(client *Client) {
	h.mutex.Lock()
	client.LastPing = time.Now()
	client.IsActive = true
	h.mutex.Unlock()
}

// writeMessages drains the client's queue and pings it periodically.
func (h *Hub) writeMessages(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Info("Error writing to feed client", zap.String("clientId", client.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// healthCheck removes clients that have not answered a ping in time.
func (h *Hub) healthCheck(now time.Time) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for clientID, client := range h.clients {
		idle := now.Sub(client.LastPing)
		if idle > staleAfter {
			h.logger.Info("Feed client timed out", zap.String("clientId", clientID))
			delete(h.clients, clientID)
			close(client.Send)
			continue
		}
		client.IsActive = idle <= pongWait
	}
}
