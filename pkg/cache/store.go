// Package cache holds the in-memory entity cache shared by reads, optimistic
// mutations, change-feed invalidation and prefetching.
//
// Every write goes through a Ticket issued by the store's Generations counter.
// A write whose ticket has been superseded is dropped, which keeps a slow
// response from overwriting the result of a newer request for the same key.
package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"study-portal/pkg/pubsub"

	"go.uber.org/zap"
)

type item struct {
	entry       Entry
	elem        *list.Element
	expiresAt   time.Time
	prior       Staleness // staleness to restore when a pending fetch is aborted
	placeholder bool      // created by a fetch for a key that had no entry
}

// Store is a key-addressed snapshot cache with per-key staleness, TTL and an
// LRU bound. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	items    map[Key]*item
	lru      *list.List
	gens     *Generations
	config   StoreConfig
	events   *pubsub.Broker[Key, Event]
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64
}

// Option customises a Store.
type Option func(*Store)

// WithObserver reports store activity to o.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock replaces time.Now, mostly for retention tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(config StoreConfig, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		items:    make(map[Key]*item),
		lru:      list.New(),
		gens:     NewGenerations(),
		config:   config,
		events:   pubsub.NewBroker[Key, Event](config.EventBuffer),
		observer: nopObserver{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry for key. Reading refreshes the key's LRU position;
// an expired entry is dropped and reported as a miss.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	var events []Event
	defer func() {
		s.mu.Unlock()
		s.publish(events)
	}()

	it, ok := s.items[key]
	if !ok {
		s.misses++
		s.observer.ObserveRead(key.Entity, false)
		return Entry{}, false
	}
	if it.entry.Staleness != Pending && s.expired(it) {
		events = append(events, s.removeLocked(it, EvictExpired))
		s.misses++
		s.observer.ObserveRead(key.Entity, false)
		return Entry{}, false
	}

	s.lru.MoveToFront(it.elem)
	if it.placeholder {
		s.misses++
		s.observer.ObserveRead(key.Entity, false)
	} else {
		s.hits++
		s.observer.ObserveRead(key.Entity, true)
	}
	return it.entry, true
}

// Peek returns the entry for key without touching LRU order or statistics.
func (s *Store) Peek(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	return it.entry, true
}

// Put writes value unconditionally, superseding any request in flight for key.
func (s *Store) Put(key Key, value any, version int64, staleness Staleness) {
	s.mu.Lock()
	t := s.gens.Next(key)
	ev := s.writeLocked(t, value, version, staleness)
	s.mu.Unlock()

	s.publish(ev)
}

// Begin issues a ticket for a write that does not go through a fetch, such as
// an optimistic mutation. A fetch in flight for key is superseded.
func (s *Store) Begin(key Key) Ticket {
	s.mu.Lock()
	var events []Event
	defer func() {
		s.mu.Unlock()
		s.publish(events)
	}()

	t := s.gens.Next(key)
	if it, ok := s.items[key]; ok && it.entry.Staleness == Pending {
		if it.placeholder {
			events = append(events, s.removeLocked(it, ""))
		} else {
			it.entry.Staleness = it.prior
			events = append(events, Event{Kind: EventUpdated, Key: key.String(), Entry: it.entry})
		}
	}
	return t
}

// BeginFetch issues a ticket for a fetch and marks the key pending. A key with
// no entry gets a placeholder so the fetch is visible to readers.
func (s *Store) BeginFetch(key Key) Ticket {
	s.mu.Lock()
	var events []Event
	defer func() {
		s.mu.Unlock()
		s.publish(events)
	}()

	t := s.gens.Next(key)
	it, ok := s.items[key]
	if !ok {
		it = &item{
			entry:       Entry{Key: key, Staleness: Pending, UpdatedAt: s.now()},
			placeholder: true,
			prior:       Stale,
		}
		it.elem = s.lru.PushFront(key)
		s.items[key] = it
		events = append(events, s.evictLocked(key)...)
	} else {
		if it.entry.Staleness != Pending {
			it.prior = it.entry.Staleness
			it.entry.Staleness = Pending
		}
		s.lru.MoveToFront(it.elem)
	}
	events = append(events, Event{Kind: EventUpdated, Key: key.String(), Entry: it.entry})
	return t
}

// SetIfCurrent writes the result of the request identified by t. It returns
// false without writing if a newer request for the key has been issued. A
// fresh result for a request that was in flight when the key was invalidated
// is stored as stale.
func (s *Store) SetIfCurrent(t Ticket, value any, version int64, staleness Staleness) bool {
	s.mu.Lock()
	if !s.gens.IsCurrent(t) {
		s.mu.Unlock()
		s.logger.Debug("Dropping superseded write",
			zap.String("key", t.Key.String()),
			zap.Uint64("generation", t.Gen),
		)
		return false
	}
	if staleness == Fresh && s.gens.IsTainted(t) {
		staleness = Stale
	}
	ev := s.writeLocked(t, value, version, staleness)
	s.mu.Unlock()

	s.publish(ev)
	return true
}

// Abort ends the request identified by t without a result. If it is still
// current, the entry returns to the staleness it had before the fetch.
func (s *Store) Abort(t Ticket) {
	s.mu.Lock()
	var events []Event
	defer func() {
		s.mu.Unlock()
		s.publish(events)
	}()

	if !s.gens.IsCurrent(t) {
		return
	}
	it, ok := s.items[t.Key]
	if !ok || it.entry.Staleness != Pending {
		return
	}
	if it.placeholder {
		events = append(events, s.removeLocked(it, ""))
		return
	}
	it.entry.Staleness = it.prior
	events = append(events, Event{Kind: EventUpdated, Key: t.Key.String(), Entry: it.entry})
}

// IsCurrent reports whether t is still the latest request for its key.
func (s *Store) IsCurrent(t Ticket) bool {
	return s.gens.IsCurrent(t)
}

// MarkStale marks every entry matching p as stale and returns the matched keys.
func (s *Store) MarkStale(p Pattern) []Key {
	return s.MarkStaleMatching(p.Matches)
}

// MarkStaleMatching marks every entry whose key satisfies match as stale.
// Values are left untouched. Pending entries stay pending, but the fetch in
// flight is tainted so its result lands as stale. Marking an already stale
// entry is a no-op.
func (s *Store) MarkStaleMatching(match func(Key) bool) []Key {
	s.mu.Lock()
	var (
		affected []Key
		events   []Event
	)
	for key, it := range s.items {
		if !match(key) {
			continue
		}
		affected = append(affected, key)
		switch it.entry.Staleness {
		case Fresh:
			it.entry.Staleness = Stale
			s.invalidations++
			s.observer.ObserveInvalidation(key.Entity)
			events = append(events, Event{Kind: EventInvalidated, Key: key.String(), Entry: it.entry})
		case Pending:
			s.gens.Taint(key)
			it.prior = Stale
		}
	}
	s.mu.Unlock()

	s.publish(events)
	sortKeys(affected)
	return affected
}

// MarkAllStale marks every known key stale.
func (s *Store) MarkAllStale() []Key {
	return s.MarkStaleMatching(func(Key) bool { return true })
}

// Subscribe calls listener for every event on key until the returned function is called.
func (s *Store) Subscribe(key Key, listener func(Event)) (cancel func()) {
	return s.events.SubscribeFunc(key, listener)
}

// Watch returns a bounded queue of events on key. A slow reader loses the
// oldest events first.
func (s *Store) Watch(key Key, buffer int) *pubsub.Subscription[Event] {
	return s.events.SubscribeBuffered(key, buffer)
}

// Delete removes key and invalidates every request in flight for it.
func (s *Store) Delete(key Key) bool {
	s.mu.Lock()
	s.gens.Forget(key)
	it, ok := s.items[key]
	var ev Event
	if ok {
		ev = s.removeLocked(it, "")
	}
	s.mu.Unlock()

	if ok {
		s.publish([]Event{ev})
	}
	return ok
}

// Clear removes every entry. Requests in flight are invalidated.
func (s *Store) Clear() {
	s.mu.Lock()
	s.gens.Reset()
	events := make([]Event, 0, len(s.items))
	for _, it := range s.items {
		events = append(events, s.removeLocked(it, ""))
	}
	s.mu.Unlock()

	s.publish(events)
	s.logger.Info("Cleared cache", zap.Int("count", len(events)))
}

// Keys returns every key held, sorted.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	sortKeys(keys)
	return keys
}

// Len returns the number of entries, placeholders included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats returns cache statistics
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Entries:       len(s.items),
		TotalHits:     s.hits,
		TotalMisses:   s.misses,
		EvictionCount: s.evictions,
		Invalidations: s.invalidations,
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
		stats.MissRate = float64(s.misses) / float64(total)
	}
	for _, it := range s.items {
		switch it.entry.Staleness {
		case Fresh:
			stats.Fresh++
		case Stale:
			stats.Stale++
		case Pending:
			stats.Pending++
		}
	}
	return stats
}

// PurgeExpired drops entries whose TTL has elapsed and returns how many were
// removed. Pending entries are kept until their fetch settles.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	var events []Event
	for _, it := range s.items {
		if it.entry.Staleness != Pending && s.expired(it) {
			events = append(events, s.removeLocked(it, EvictExpired))
		}
	}
	s.mu.Unlock()

	s.publish(events)
	return len(events)
}

// Close releases every subscription.
func (s *Store) Close() {
	s.events.Close()
}

func (s *Store) writeLocked(t Ticket, value any, version int64, staleness Staleness) []Event {
	now := s.now()
	var events []Event

	it, ok := s.items[t.Key]
	if !ok {
		it = &item{}
		it.elem = s.lru.PushFront(t.Key)
		s.items[t.Key] = it
	} else {
		s.lru.MoveToFront(it.elem)
	}

	it.entry = Entry{
		Key:       t.Key,
		Value:     value,
		Version:   version,
		Staleness: staleness,
		UpdatedAt: now,
	}
	it.prior = staleness
	it.placeholder = false
	it.expiresAt = now.Add(s.config.TTLFor(t.Key.Entity))

	if !ok {
		events = append(events, s.evictLocked(t.Key)...)
	}
	return append(events, Event{Kind: EventUpdated, Key: t.Key.String(), Entry: it.entry})
}

// evictLocked enforces MaxEntries, oldest first. Pending entries and the key
// being written are skipped.
func (s *Store) evictLocked(keep Key) []Event {
	if s.config.MaxEntries <= 0 {
		return nil
	}
	var events []Event
	for elem := s.lru.Back(); elem != nil && len(s.items) > s.config.MaxEntries; {
		prev := elem.Prev()
		key := elem.Value.(Key)
		it := s.items[key]
		if key != keep && it.entry.Staleness != Pending {
			events = append(events, s.removeLocked(it, EvictLRU))
		}
		elem = prev
	}
	return events
}

// removeLocked drops it from the store. A non-empty reason counts as an eviction.
func (s *Store) removeLocked(it *item, reason string) Event {
	key := it.entry.Key
	s.lru.Remove(it.elem)
	delete(s.items, key)
	if reason != "" {
		s.gens.Forget(key)
		s.evictions++
		s.observer.ObserveEviction(reason)
	}
	return Event{Kind: EventRemoved, Key: key.String(), Entry: it.entry}
}

func (s *Store) expired(it *item) bool {
	return !it.expiresAt.IsZero() && s.now().After(it.expiresAt)
}

func (s *Store) publish(events []Event) {
	for _, ev := range events {
		s.events.Publish(ev.Entry.Key, ev)
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
