// Package prefetch runs speculative background loads with bounded concurrency.
// Results are written to the cache only while the task is still the latest
// request for its key; cancelled and superseded tasks never write.
package prefetch

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"study-portal/pkg/cache"

	"go.uber.org/zap"
)

// Config holds scheduler settings
type Config struct {
	MaxConcurrent int           `json:"maxConcurrent" yaml:"maxConcurrent"` // loads in flight at once
	TaskTimeout   time.Duration `json:"taskTimeout" yaml:"taskTimeout"`     // a stuck loader frees its slot after this
	SkipFresh     bool          `json:"skipFresh" yaml:"skipFresh"`         // ignore keys already fresh in the cache
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		TaskTimeout:   30 * time.Second,
		SkipFresh:     true,
	}
}

// Sink is the part of the cache store the scheduler writes through.
type Sink interface {
	Peek(key cache.Key) (cache.Entry, bool)
	BeginFetch(key cache.Key) cache.Ticket
	SetIfCurrent(t cache.Ticket, value any, version int64, staleness cache.Staleness) bool
	Abort(t cache.Ticket)
}

// RebaseFunc adjusts a loaded snapshot before it is stored, for example to
// keep outstanding optimistic edits visible.
type RebaseFunc func(key cache.Key, snap cache.Snapshot) (any, int64, bool)

// Observer receives task results, typically to feed metrics.
type Observer interface {
	ObservePrefetch(entity string, result string)
}

type nopObserver struct{}

func (nopObserver) ObservePrefetch(string, string) {}

// Task results reported to the Observer.
const (
	ResultLoaded     = "loaded"
	ResultSuperseded = "superseded"
	ResultCancelled  = "cancelled"
	ResultFailed     = "failed"
	ResultSkipped    = "skipped"
)

// Option customises a Scheduler.
type Option func(*Scheduler)

func WithRebase(fn RebaseFunc) Option {
	return func(s *Scheduler) { s.rebase = fn }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// Scheduler is a priority queue of loads with a fixed number of slots.
type Scheduler struct {
	mu       sync.Mutex
	queue    taskQueue
	tasks    map[cache.Key]*task
	running  int
	seq      uint64
	closed   bool
	sink     Sink
	config   Config
	rebase   RebaseFunc
	observer Observer
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler(sink Sink, config Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultConfig().TaskTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:    make(map[cache.Key]*task),
		sink:     sink,
		config:   config,
		observer: nopObserver{},
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues a load of key. A High task starts at once when a slot is
// free and otherwise goes ahead of every queued Normal and Low task. Scheduling
// a key again cancels its previous task, queued or running. It returns false
// if the task was skipped because the key is already fresh or the scheduler is
// closed.
func (s *Scheduler) Schedule(key cache.Key, priority Priority, loader cache.Loader) bool {
	if loader == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.config.SkipFresh {
		if entry, ok := s.sink.Peek(key); ok && entry.IsFresh() {
			s.observer.ObservePrefetch(key.Entity, ResultSkipped)
			return false
		}
	}
	if prev, ok := s.tasks[key]; ok {
		s.cancelLocked(prev)
	}

	s.seq++
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		key:      key,
		priority: priority,
		seq:      s.seq,
		loader:   loader,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.tasks[key] = t
	heap.Push(&s.queue, t)
	s.dispatchLocked()
	return true
}

// Cancel cancels the task for key. It reports whether there was one.
func (s *Scheduler) Cancel(key cache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	s.cancelLocked(t)
	return true
}

// CancelAll cancels every queued and running task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		s.cancelLocked(t)
	}
}

// Close cancels every task and waits for running loaders to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.tasks {
		s.cancelLocked(t)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Active returns the number of loads in flight.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Queued returns the number of tasks waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) cancelLocked(t *task) {
	t.cancel()
	if t.index >= 0 && !t.running {
		heap.Remove(&s.queue, t.index)
		s.observer.ObservePrefetch(t.key.Entity, ResultCancelled)
	}
	if s.tasks[t.key] == t {
		delete(s.tasks, t.key)
	}
}

// dispatchLocked starts queued tasks while slots are free. Tickets are issued
// here, under s.mu, so a replacement task always holds a newer ticket than the
// task it cancelled.
func (s *Scheduler) dispatchLocked() {
	for s.running < s.config.MaxConcurrent && s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*task)
		t.running = true
		s.running++
		s.wg.Add(1)
		go s.run(t, s.sink.BeginFetch(t.key))
	}
}

func (s *Scheduler) run(t *task, ticket cache.Ticket) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running--
		if s.tasks[t.key] == t {
			delete(s.tasks, t.key)
		}
		t.cancel()
		s.dispatchLocked()
		s.mu.Unlock()
	}()

	if t.ctx.Err() != nil {
		s.sink.Abort(ticket)
		s.observer.ObservePrefetch(t.key.Entity, ResultCancelled)
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, s.config.TaskTimeout)
	snap, err := t.loader(ctx, t.key)
	cancel()

	if t.ctx.Err() != nil {
		s.sink.Abort(ticket)
		s.observer.ObservePrefetch(t.key.Entity, ResultCancelled)
		s.logger.Debug("Prefetch cancelled", zap.String("key", t.key.String()))
		return
	}
	if err != nil {
		s.sink.Abort(ticket)
		s.observer.ObservePrefetch(t.key.Entity, ResultFailed)
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("Prefetch timed out",
				zap.String("key", t.key.String()),
				zap.Duration("timeout", s.config.TaskTimeout),
			)
			return
		}
		s.logger.Warn("Prefetch failed", zap.String("key", t.key.String()), zap.Error(err))
		return
	}

	value, version := snap.Value, snap.Version
	if s.rebase != nil {
		value, version, _ = s.rebase(t.key, snap)
	}

	// Cancel holds s.mu, so a task cancelled from here on cannot write.
	s.mu.Lock()
	cancelled := t.ctx.Err() != nil
	written := !cancelled && s.sink.SetIfCurrent(ticket, value, version, cache.Fresh)
	s.mu.Unlock()

	if cancelled {
		s.sink.Abort(ticket)
		s.observer.ObservePrefetch(t.key.Entity, ResultCancelled)
		return
	}
	if !written {
		s.observer.ObservePrefetch(t.key.Entity, ResultSuperseded)
		return
	}
	s.observer.ObservePrefetch(t.key.Entity, ResultLoaded)
}
