package cache

import "sync"

// Ticket identifies one request (fetch or mutation) issued for a key. Only the
// most recently issued ticket for a key may write to it.
type Ticket struct {
	Key Key
	Gen uint64
}

// Generations is the per-key request-generation counter. Generation numbers
// come from a single monotonic counter so a ticket is never reissued, even
// after Forget or Reset.
type Generations struct {
	mu      sync.Mutex
	counter uint64
	latest  map[Key]uint64
	tainted map[Key]uint64
}

// NewGenerations creates an empty counter.
func NewGenerations() *Generations {
	return &Generations{
		latest:  make(map[Key]uint64),
		tainted: make(map[Key]uint64),
	}
}

// Next issues a ticket for key and supersedes every earlier ticket for it.
func (g *Generations) Next(key Key) Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.counter++
	g.latest[key] = g.counter
	return Ticket{Key: key, Gen: g.counter}
}

// IsCurrent reports whether t is still the latest ticket for its key.
func (g *Generations) IsCurrent(t Ticket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t.Gen != 0 && g.latest[t.Key] == t.Gen
}

// Latest returns the latest generation issued for key, or 0.
func (g *Generations) Latest(key Key) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest[key]
}

// Taint records that everything issued for key so far was in flight when the
// key was invalidated. Responses to those tickets must be stored as stale.
func (g *Generations) Taint(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen, ok := g.latest[key]; ok {
		g.tainted[key] = gen
	}
}

// IsTainted reports whether t was issued before the key's last invalidation.
func (g *Generations) IsTainted(t Ticket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t.Gen <= g.tainted[t.Key]
}

// Forget drops key; outstanding tickets for it stop being current.
func (g *Generations) Forget(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.latest, key)
	delete(g.tainted, key)
}

// Reset forgets every key without rewinding the counter.
func (g *Generations) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.latest = make(map[Key]uint64)
	g.tainted = make(map[Key]uint64)
}
