// Package pubsub provides a topic-keyed publish/subscribe broker with a bounded
// queue per subscriber. Publishing never blocks: when a subscriber's queue is
// full the oldest queued message is dropped to make room, so a slow listener
// always ends up with the most recent state.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is used when a broker is created with a non-positive buffer.
const DefaultBuffer = 16

// Subscription is a single listener's queue on one topic.
type Subscription[M any] struct {
	id      uint64
	ch      chan M
	dropped atomic.Int64
	closed  atomic.Bool
	cancel  func()
}

// C returns the channel messages are delivered on. It is closed when the
// subscription or the broker is closed.
func (s *Subscription[M]) C() <-chan M {
	return s.ch
}

// Dropped returns how many messages were discarded because the queue was full.
func (s *Subscription[M]) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its broker. Safe to call more than once.
func (s *Subscription[M]) Close() {
	s.cancel()
}

// offer enqueues msg, evicting the oldest queued message while the queue is full.
func (s *Subscription[M]) offer(msg M) {
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Broker fans messages out to the subscribers of a topic.
type Broker[K comparable, M any] struct {
	mu     sync.RWMutex
	topics map[K]map[uint64]*Subscription[M]
	nextID uint64
	buffer int
	closed bool
}

// NewBroker creates a broker whose subscriptions queue up to buffer messages.
func NewBroker[K comparable, M any](buffer int) *Broker[K, M] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker[K, M]{
		topics: make(map[K]map[uint64]*Subscription[M]),
		buffer: buffer,
	}
}

// Subscribe registers a new queue on topic. Subscribing to a closed broker
// returns an already closed subscription.
func (b *Broker[K, M]) Subscribe(topic K) *Subscription[M] {
	return b.SubscribeBuffered(topic, b.buffer)
}

// SubscribeBuffered is Subscribe with an explicit queue size.
func (b *Broker[K, M]) SubscribeBuffered(topic K, buffer int) *Subscription[M] {
	if buffer <= 0 {
		buffer = b.buffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription[M]{
		id: b.nextID,
		ch: make(chan M, buffer),
	}
	sub.cancel = func() { b.remove(topic, sub) }

	if b.closed {
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription[M])
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub
}

// SubscribeFunc calls fn for every message on topic from a dedicated goroutine,
// in publish order. The returned function stops delivery.
func (b *Broker[K, M]) SubscribeFunc(topic K, fn func(M)) (cancel func()) {
	sub := b.Subscribe(topic)
	go func() {
		for msg := range sub.C() {
			fn(msg)
		}
	}()
	return sub.Close
}

// Publish delivers msg to every subscriber of topic and returns how many
// subscribers it was offered to.
func (b *Broker[K, M]) Publish(topic K, msg M) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	subs := b.topics[topic]
	for _, sub := range subs {
		sub.offer(msg)
	}
	return len(subs)
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker[K, M]) Subscribers(topic K) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close closes every subscription. Later publishes are ignored.
func (b *Broker[K, M]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
		delete(b.topics, topic)
	}
}

func (b *Broker[K, M]) remove(topic K, sub *Subscription[M]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}
