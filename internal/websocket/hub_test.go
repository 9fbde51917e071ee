package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"study-portal/pkg/feed"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var filters TableFilters
		if tables := r.URL.Query().Get("tables"); tables != "" {
			filters.Tables = strings.Split(tables, ",")
		}
		if err := hub.Serve(w, r, r.URL.Query().Get("id"), filters); err != nil {
			t.Logf("serve: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello controlMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, MessageTypeConnected, hello.Type)
	return conn
}

func readChange(t *testing.T, conn *websocket.Conn) feed.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := feed.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func TestTableFilters_Matches(t *testing.T) {
	msg := feed.Message{Table: "projects", EventType: "UPDATE"}
	assert.True(t, TableFilters{}.Matches(msg))
	assert.True(t, TableFilters{Tables: []string{"employees", "projects"}}.Matches(msg))
	assert.False(t, TableFilters{Tables: []string{"employees"}}.Matches(msg))
}

func TestHub_BroadcastRespectsFilters(t *testing.T) {
	hub, server := newTestHub(t)
	ctx := context.Background()

	projects := dial(t, server, "id=a&tables=projects")
	everything := dial(t, server, "id=b")
	require.Eventually(t, func() bool { return hub.GetConnectedClients() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, feed.Message{Table: "employees", EventType: "INSERT"}))
	require.NoError(t, hub.Publish(ctx, feed.Message{Table: "projects", EventType: "UPDATE"}))

	assert.Equal(t, "projects", readChange(t, projects).Table)

	assert.Equal(t, "employees", readChange(t, everything).Table)
	assert.Equal(t, "projects", readChange(t, everything).Table)
}

func TestHub_UpdateFilters(t *testing.T) {
	hub, server := newTestHub(t)
	conn := dial(t, server, "id=a&tables=projects")
	require.Eventually(t, func() bool { return hub.GetConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(controlMessage{
		Type:    MessageTypeUpdateFilters,
		Filters: TableFilters{Tables: []string{"timesheets"}},
	}))
	require.Eventually(t, func() bool {
		hub.mutex.RLock()
		defer hub.mutex.RUnlock()
		c := hub.clients["a"]
		return c != nil && len(c.Filters.Tables) == 1 && c.Filters.Tables[0] == "timesheets"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), feed.Message{Table: "projects", EventType: "UPDATE"}))
	require.NoError(t, hub.Publish(context.Background(), feed.Message{Table: "timesheets", EventType: "DELETE"}))
	assert.Equal(t, "timesheets", readChange(t, conn).Table)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, server := newTestHub(t)
	conn := dial(t, server, "id=a")
	require.Eventually(t, func() bool { return hub.GetConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.GetConnectedClients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_HealthCheckDropsSilentClients(t *testing.T) {
	hub, server := newTestHub(t)
	dial(t, server, "id=a")
	require.Eventually(t, func() bool { return hub.GetConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	hub.healthCheck(time.Now().Add(pongWait + time.Second))
	stats := hub.GetClientStats()
	assert.Equal(t, 1, stats.InactiveClients)

	hub.healthCheck(time.Now().Add(staleAfter + time.Second))
	assert.Equal(t, 0, hub.GetConnectedClients())
}

func TestHub_StopClosesClientsAndRejectsPublish(t *testing.T) {
	hub, server := newTestHub(t)
	conn := dial(t, server, "id=a")
	require.Eventually(t, func() bool { return hub.GetConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	hub.Stop()
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.ErrorIs(t, hub.Publish(context.Background(), feed.Message{Table: "projects"}), ErrHubClosed)
}

func TestControlFramesAreNotChanges(t *testing.T) {
	data, err := json.Marshal(controlMessage{Type: MessageTypeConnected, ClientID: "a"})
	require.NoError(t, err)
	_, err = feed.DecodeMessage(data)
	assert.Error(t, err)
}
