// Package feed keeps one long-lived subscription to the backend change feed
// and turns every change into cache invalidations.
//
// Delivery order and duplicates do not matter because invalidation is
// idempotent. Changes missed while disconnected are compensated for by
// marking every known key stale after a reconnection.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"study-portal/pkg/cache"
	"study-portal/pkg/invalidation"
	"study-portal/pkg/pubsub"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Status of the feed subscription.
type Status int

const (
	StatusConnecting Status = iota
	StatusLive
	StatusReconnecting
	// StatusDegraded means reconnection keeps failing; live updates may be delayed.
	StatusDegraded
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDegraded:
		return "degraded"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds listener settings
type Config struct {
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initialBackoff"` // first reconnect delay
	MaxBackoff     time.Duration `json:"maxBackoff" yaml:"maxBackoff"`         // reconnect delay cap
	DegradedAfter  int           `json:"degradedAfter" yaml:"degradedAfter"`   // consecutive failures before degraded
}

// DefaultConfig returns default listener configuration
func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		DegradedAfter:  3,
	}
}

// ChangeHandler resolves change events into invalidations.
type ChangeHandler interface {
	OnChange(ev invalidation.ChangeEvent) []cache.Key
}

// StaleMarker marks every cached key stale.
type StaleMarker interface {
	MarkAllStale() []cache.Key
}

// Observer receives feed activity, typically to feed metrics.
type Observer interface {
	ObserveFeedMessage(table string)
	ObserveFeedStatus(status string)
}

type nopObserver struct{}

func (nopObserver) ObserveFeedMessage(string) {}
func (nopObserver) ObserveFeedStatus(string) {}

type Option func(*Listener)

func WithObserver(o Observer) Option {
	return func(l *Listener) {
		if o != nil {
			l.observer = o
		}
	}
}

type statusTopic struct{}

// Listener forwards change messages from a Source to the invalidation router.
type Listener struct {
	source   Source
	handler  ChangeHandler
	store    StaleMarker
	config   Config
	logger   *zap.Logger
	observer Observer
	statuses *pubsub.Broker[statusTopic, Status]

	mu       sync.RWMutex
	status   Status
	failures int
	lastErr  error
}

func NewListener(source Source, handler ChangeHandler, store StaleMarker, config Config, logger *zap.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = DefaultConfig().DegradedAfter
	}
	l := &Listener{
		source:   source,
		handler:  handler,
		store:    store,
		config:   config,
		logger:   logger,
		observer: nopObserver{},
		statuses: pubsub.NewBroker[statusTopic, Status](8),
		status:   StatusConnecting,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run keeps the subscription alive until ctx is done. It returns nil after a
// clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.config.InitialBackoff
	bo.MaxInterval = l.config.MaxBackoff
	bo.Reset()

	connected := false
	defer l.setStatus(StatusStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := l.source.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.recordFailure(err, connected)
			if !l.sleep(ctx, bo) {
				return nil
			}
			continue
		}

		if connected {
			stale := l.store.MarkAllStale()
			l.logger.Info("Change feed reconnected, marked cache stale",
				zap.String("source", l.source.Name()),
				zap.Int("keys", len(stale)),
			)
		} else {
			l.logger.Info("Change feed connected", zap.String("source", l.source.Name()))
		}
		connected = true
		bo.Reset()
		l.mu.Lock()
		l.failures = 0
		l.lastErr = nil
		l.mu.Unlock()
		l.setStatus(StatusLive)

		err = l.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return nil
		}

		l.logger.Warn("Change feed disconnected",
			zap.String("source", l.source.Name()),
			zap.Error(err),
		)
		l.recordFailure(err, connected)
		if !l.sleep(ctx, bo) {
			return nil
		}
	}
}

func (l *Listener) consume(ctx context.Context, stream Stream) error {
	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		if _, err := l.Deliver(msg); err != nil {
			l.logger.Warn("Ignoring malformed change message",
				zap.String("table", msg.Table),
				zap.String("eventType", msg.EventType),
				zap.Error(err),
			)
		}
	}
}

// Deliver routes one message as if it had arrived on the feed and returns the
// keys it marked stale.
func (l *Listener) Deliver(msg Message) ([]cache.Key, error) {
	ev, err := msg.ChangeEvent()
	if err != nil {
		return nil, err
	}
	l.observer.ObserveFeedMessage(msg.Table)
	return l.handler.OnChange(ev), nil
}

func (l *Listener) recordFailure(err error, connected bool) {
	l.mu.Lock()
	l.failures++
	l.lastErr = err
	failures := l.failures
	l.mu.Unlock()

	switch {
	case failures >= l.config.DegradedAfter:
		l.setStatus(StatusDegraded)
	case connected:
		l.setStatus(StatusReconnecting)
	default:
		l.setStatus(StatusConnecting)
	}
	l.logger.Debug("Change feed attempt failed",
		zap.Int("failures", failures),
		zap.Error(err),
	)
}

func (l *Listener) sleep(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = l.config.MaxBackoff
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Listener) setStatus(s Status) {
	l.mu.Lock()
	changed := l.status != s
	l.status = s
	l.mu.Unlock()

	if changed {
		l.observer.ObserveFeedStatus(s.String())
		l.statuses.Publish(statusTopic{}, s)
	}
}

// Status returns the current subscription status.
func (l *Listener) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Health summarises the subscription for status endpoints.
type Health struct {
	Status   Status `json:"status"`
	Source   string `json:"source"`
	Failures int    `json:"failures"`
	Error    string `json:"error,omitempty"`
}

func (l *Listener) Health() Health {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h := Health{Status: l.status, Source: l.source.Name(), Failures: l.failures}
	if l.lastErr != nil {
		h.Error = l.lastErr.Error()
	}
	return h
}

// WatchStatus returns a queue of status changes.
func (l *Listener) WatchStatus(buffer int) *pubsub.Subscription[Status] {
	return l.statuses.SubscribeBuffered(statusTopic{}, buffer)
}

// Close releases status subscriptions.
func (l *Listener) Close() {
	l.statuses.Close()
}
