// Package workspace is the cache consumer interface of the sync layer. A
// Client owns one cache store and the components that keep it consistent.
package workspace

import (
	"context"
	"errors"
	"sync"

	"study-portal/pkg/apperror"
	"study-portal/pkg/cache"
	"study-portal/pkg/feed"
	"study-portal/pkg/invalidation"
	"study-portal/pkg/metrics"
	"study-portal/pkg/mutation"
	"study-portal/pkg/prefetch"
	"study-portal/pkg/pubsub"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver maps keys to the loaders that fetch them.
type Resolver interface {
	LoaderFor(key cache.Key) (cache.Loader, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(key cache.Key) (cache.Loader, bool)

func (f ResolverFunc) LoaderFor(key cache.Key) (cache.Loader, bool) { return f(key) }

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("workspace is closed")

type options struct {
	source    feed.Source
	collector *metrics.Collector
}

// Option customises a Client.
type Option func(*options)

// WithFeed subscribes the client to a change feed once started.
func WithFeed(source feed.Source) Option {
	return func(o *options) { o.source = source }
}

// WithMetrics reports the activity of every component to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// Client is one user's view of the portal data.
type Client struct {
	config    Config
	store     *cache.Store
	router    *invalidation.Router
	executor  *mutation.Executor
	scheduler *prefetch.Scheduler
	listener  *feed.Listener
	janitor   *cache.Janitor
	resolver  Resolver
	fetches   singleflight.Group
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a client. Nothing runs in the background until Start.
func New(resolver Resolver, remote mutation.RemoteAPI, config Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		storeOpts    []cache.Option
		execOpts     []mutation.Option
		schedOpts    []prefetch.Option
		listenerOpts []feed.Option
	)
	if o.collector != nil {
		storeOpts = append(storeOpts, cache.WithObserver(o.collector))
		execOpts = append(execOpts, mutation.WithObserver(o.collector))
		schedOpts = append(schedOpts, prefetch.WithObserver(o.collector))
		listenerOpts = append(listenerOpts, feed.WithObserver(o.collector))
	}

	c := &Client{
		config:   config,
		resolver: resolver,
		logger:   logger,
	}
	c.store = cache.NewStore(config.Store, logger.Named("cache"), storeOpts...)
	c.router = invalidation.NewRouter(c.store, invalidation.DefaultRules(), logger.Named("invalidation"))
	c.executor = mutation.NewExecutor(c.store, remote, c.router, config.Mutation, logger.Named("mutation"), execOpts...)

	schedOpts = append(schedOpts, prefetch.WithRebase(c.executor.Reconcile))
	c.scheduler = prefetch.NewScheduler(c.store, config.Prefetch, logger.Named("prefetch"), schedOpts...)
	c.janitor = cache.NewJanitor(c.store, config.Store.JanitorInterval, logger.Named("janitor"))
	if o.source != nil {
		c.listener = feed.NewListener(o.source, c.router, c.store, config.Feed, logger.Named("feed"), listenerOpts...)
	}
	return c
}

// Start runs the janitor and, when configured, the change-feed listener.
// They stop when ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.janitor.Start()
	}()
	go func() {
		<-runCtx.Done()
		c.janitor.Stop()
	}()

	if c.listener != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.listener.Run(runCtx); err != nil {
				c.logger.Error("Change feed listener stopped", zap.Error(err))
			}
		}()
	}
	c.logger.Info("Workspace started", zap.Bool("feed", c.listener != nil))
	return nil
}

// Close cancels every prefetch, stops the background work and releases all
// subscriptions. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.janitor.Stop()
	c.scheduler.Close()
	c.wg.Wait()
	if c.listener != nil {
		c.listener.Close()
	}
	c.store.Close()
	c.logger.Info("Workspace closed")
}

// Read returns the entry for key. Fresh entries are served from the cache.
// Stale entries follow the stale policy. Misses are fetched, and concurrent
// reads of the same key share one fetch.
func (c *Client) Read(ctx context.Context, key cache.Key) (cache.Entry, error) {
	entry, ok := c.store.Get(key)
	switch {
	case ok && entry.Staleness == cache.Fresh:
		return entry, nil
	case ok && entry.Staleness == cache.Stale && c.config.StalePolicy == StaleWhileRevalidate:
		c.revalidate(key)
		return entry, nil
	case ok && entry.Staleness == cache.Pending && entry.Value != nil && c.config.StalePolicy == StaleWhileRevalidate:
		// A refetch is already in flight; keep serving what we have.
		return entry, nil
	}
	return c.fetch(ctx, key)
}

// Peek returns the cached entry without fetching.
func (c *Client) Peek(key cache.Key) (cache.Entry, bool) {
	return c.store.Peek(key)
}

func (c *Client) revalidate(key cache.Key) {
	loader, ok := c.resolver.LoaderFor(key)
	if !ok {
		return
	}
	c.scheduler.Schedule(key, prefetch.High, loader)
}

func (c *Client) fetch(ctx context.Context, key cache.Key) (cache.Entry, error) {
	loader, ok := c.resolver.LoaderFor(key)
	if !ok {
		return cache.Entry{}, apperror.NewNotFoundError("loader for " + key.Entity).WithKey(key)
	}

	v, err, _ := c.fetches.Do(key.String(), func() (interface{}, error) {
		t := c.store.BeginFetch(key)
		snap, err := loader(ctx, key)
		if err != nil {
			c.store.Abort(t)
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			c.store.Abort(t)
			return nil, err
		}

		value, version, _ := c.executor.Reconcile(key, snap)
		if c.store.SetIfCurrent(t, value, version, cache.Fresh) {
			if entry, ok := c.store.Peek(key); ok {
				return entry, nil
			}
		}
		// Superseded by a newer write; the caller still gets what it asked for.
		return cache.Entry{Key: key, Value: value, Version: version, Staleness: cache.Fresh}, nil
	})
	if err != nil {
		if !apperror.Surface(err) {
			c.logger.Debug("Fetch cancelled", zap.String("key", key.String()))
		}
		return cache.Entry{}, apperror.Wrap(err, "failed to load "+key.String()).WithKey(key)
	}
	return v.(cache.Entry), nil
}

// Subscribe calls fn for every change of key until cancel is called.
func (c *Client) Subscribe(key cache.Key, fn func(cache.Event)) (cancel func()) {
	return c.store.Subscribe(key, fn)
}

// Watch returns a bounded queue of changes of key.
func (c *Client) Watch(key cache.Key, buffer int) *pubsub.Subscription[cache.Event] {
	return c.store.Watch(key, buffer)
}

// Mutate applies an optimistic edit. See mutation.Executor.Apply.
func (c *Client) Mutate(ctx context.Context, intent mutation.Intent) (mutation.Result, error) {
	return c.executor.Apply(ctx, intent)
}

// Prefetch schedules a background load of key. A nil loader uses the
// resolver's loader. It reports whether a task was queued.
func (c *Client) Prefetch(key cache.Key, priority prefetch.Priority, loader cache.Loader) bool {
	if loader == nil {
		var ok bool
		if loader, ok = c.resolver.LoaderFor(key); !ok {
			return false
		}
	}
	return c.scheduler.Schedule(key, priority, loader)
}

// CancelPrefetch cancels the task for key, if any.
func (c *Client) CancelPrefetch(key cache.Key) bool {
	return c.scheduler.Cancel(key)
}

// CancelAllPrefetches cancels every queued and running prefetch.
func (c *Client) CancelAllPrefetches() {
	c.scheduler.CancelAll()
}

// Invalidate marks every entry matching p stale.
func (c *Client) Invalidate(p cache.Pattern) []cache.Key {
	return c.store.MarkStale(p)
}

// ApplyChange routes a change message from an in-process feed.
func (c *Client) ApplyChange(msg feed.Message) ([]cache.Key, error) {
	if c.listener != nil {
		return c.listener.Deliver(msg)
	}
	ev, err := msg.ChangeEvent()
	if err != nil {
		return nil, apperror.NewValidationError("invalid change message").WithCause(err)
	}
	return c.router.OnChange(ev), nil
}

// WatchFeed returns a queue of change-feed status changes, or nil without a feed.
func (c *Client) WatchFeed(buffer int) *pubsub.Subscription[feed.Status] {
	if c.listener == nil {
		return nil
	}
	return c.listener.WatchStatus(buffer)
}

// Store exposes the underlying cache, for metrics and diagnostics.
func (c *Client) Store() *cache.Store {
	return c.store
}

// PrefetchStatus reports the scheduler load.
type PrefetchStatus struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// Status summarises the workspace for status endpoints.
type Status struct {
	Feed                 *feed.Health   `json:"feed,omitempty"`
	Cache                cache.Stats    `json:"cache"`
	Prefetch             PrefetchStatus `json:"prefetch"`
	OutstandingMutations int            `json:"outstandingMutations"`
	StalePolicy          string         `json:"stalePolicy"`
}

func (c *Client) Status() Status {
	s := Status{
		Cache:                c.store.Stats(),
		Prefetch:             PrefetchStatus{Active: c.scheduler.Active(), Queued: c.scheduler.Queued()},
		OutstandingMutations: c.executor.Outstanding(),
		StalePolicy:          c.config.StalePolicy.String(),
	}
	if c.listener != nil {
		h := c.listener.Health()
		s.Feed = &h
	}
	return s
}
