package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel the backing store publishes changes on.
const DefaultChannel = "study-portal:changes"

// Source opens subscriptions to the change feed.
type Source interface {
	Open(ctx context.Context) (Stream, error)
	Name() string
}

// Stream is one live subscription. Recv blocks until a message arrives, the
// stream fails or ctx is done.
type Stream interface {
	Recv(ctx context.Context) (Message, error)
	Close() error
}

const (
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// WebSocketSource subscribes to the backing store's websocket feed.
type WebSocketSource struct {
	URL    string   // ws:// or wss:// endpoint of the feed
	Token  string   // bearer token, sent as Authorization header
	Tables []string // optional table filter
	Dialer *websocket.Dialer
}

func (s *WebSocketSource) Name() string { return "websocket" }

func (s *WebSocketSource) Open(ctx context.Context) (Stream, error) {
	target, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	if len(s.Tables) > 0 {
		q := target.Query()
		q.Set("tables", strings.Join(s.Tables, ","))
		target.RawQuery = q.Encode()
	}

	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("feed handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stream := &wsStream{conn: conn, done: make(chan struct{})}
	go stream.pingLoop()
	return stream, nil
}

type wsStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsStream) Recv(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, err
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			// Control and status frames from the hub are not change messages.
			continue
		}
		return msg, nil
	}
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Subscriber is satisfied by *redis.Client.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisSource subscribes to change messages published on a Redis channel.
type RedisSource struct {
	Client  Subscriber
	Channel string
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Open(ctx context.Context) (Stream, error) {
	channel := s.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	ps := s.Client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &redisStream{ps: ps}, nil
}

type redisStream struct {
	ps *redis.PubSub
}

func (s *redisStream) Recv(ctx context.Context) (Message, error) {
	for {
		raw, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			return Message{}, err
		}
		msg, err := DecodeMessage([]byte(raw.Payload))
		if err != nil {
			continue
		}
		return msg, nil
	}
}

func (s *redisStream) Close() error {
	return s.ps.Close()
}
