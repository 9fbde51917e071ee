package websocket

import (
	"slices"
	"time"

	"study-portal/pkg/feed"

	"github.com/gorilla/websocket"
)

// TableFilters limits the tables a client receives changes for. An empty
// filter receives everything.
type TableFilters struct {
	Tables []string `json:"tables,omitempty"`
}

// Matches reports whether msg passes the filter.
func (f TableFilters) Matches(msg feed.Message) bool {
	return len(f.Tables) == 0 || slices.Contains(f.Tables, msg.Table)
}

// Client represents a WebSocket client connection
type Client struct {
	ID       string
	Conn     *websocket.Conn
	Filters  TableFilters
	Send     chan []byte
	LastPing time.Time
	IsActive bool
}

// ClientStats provides statistics about connected clients
type ClientStats struct {
	TotalClients    int   `json:"totalClients"`
	ActiveClients   int   `json:"activeClients"`
	InactiveClients int   `json:"inactiveClients"`
	Dropped         int64 `json:"dropped"`
}

// Message types for WebSocket communication
const (
	MessageTypeConnected     = "connected"
	MessageTypeUpdateFilters = "update_filters"
	MessageTypeError         = "error"
)

// controlMessage is any frame that is not a change message.
type controlMessage struct {
	Type     string       `json:"type"`
	ClientID string       `json:"clientId,omitempty"`
	Filters  TableFilters `json:"filters"`
	Error    string       `json:"error,omitempty"`
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Clients silent for longer than this are dropped by the health check.
	staleAfter = 90 * time.Second

	sendBuffer      = 256
	broadcastBuffer = 1000
)
