// Package invalidation maps backend changes to the cached views they make
// stale. It never performs I/O: it only marks entries stale and leaves the
// refetch to whoever reads the key next.
package invalidation

import (
	"fmt"
	"strings"

	"study-portal/pkg/cache"

	"go.uber.org/zap"
)

// ChangeKind is the kind of row change reported by the feed.
type ChangeKind int

const (
	Insert ChangeKind = iota
	Update
	Delete
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("CHANGE(%d)", int(k))
	}
}

// ParseChangeKind accepts INSERT, UPDATE and DELETE in any case.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return Insert, nil
	case "UPDATE":
		return Update, nil
	case "DELETE":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown change kind %q", s)
	}
}

// ChangeEvent is a backend-originated change to one row.
type ChangeEvent struct {
	Entity EntityType
	Table  string // source table; takes precedence over Entity when set
	Kind   ChangeKind
	Before map[string]any
	After  map[string]any
}

// NewChangeEvent builds an event for table, resolving its entity type when known.
func NewChangeEvent(table string, kind ChangeKind, before, after map[string]any) ChangeEvent {
	ev := ChangeEvent{Table: table, Kind: kind, Before: before, After: after}
	if entity, ok := ParseEntityType(table); ok {
		ev.Entity = entity
	}
	return ev
}

// Invalidator is the part of the cache store the router writes through.
type Invalidator interface {
	MarkStaleMatching(match func(cache.Key) bool) []cache.Key
}

// Router resolves change events against a RuleTable.
type Router struct {
	store  Invalidator
	rules  RuleTable
	logger *zap.Logger
}

func NewRouter(store Invalidator, rules RuleTable, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{store: store, rules: rules, logger: logger}
}

// Rule returns the rule for entity. An entity without declared patterns still
// invalidates its own keys.
func (r *Router) Rule(entity EntityType) Rule {
	if !entity.Valid() {
		return Rule{}
	}
	rule := r.rules[entity]
	if len(rule.Patterns) == 0 {
		rule.Patterns = []cache.Pattern{cache.EntityPattern(entity.String())}
	}
	return rule
}

// PatternsFor returns every pattern a change event invalidates. A table with
// no entity type still invalidates table:*.
func (r *Router) PatternsFor(ev ChangeEvent) []cache.Pattern {
	entity := ev.Entity
	if ev.Table != "" {
		known, ok := ParseEntityType(ev.Table)
		if !ok {
			return []cache.Pattern{cache.EntityPattern(strings.ToLower(ev.Table))}
		}
		entity = known
	}
	if !entity.Valid() {
		return nil
	}
	return r.Rule(entity).All()
}

// OnChange marks every key affected by ev stale and returns them.
// Applying the same event twice leaves the store in the same state.
func (r *Router) OnChange(ev ChangeEvent) []cache.Key {
	pats := r.PatternsFor(ev)
	if len(pats) == 0 {
		return nil
	}
	affected := r.store.MarkStaleMatching(anyMatch(pats))

	r.logger.Debug("Applied change event",
		zap.String("table", ev.Table),
		zap.String("entity", ev.Entity.String()),
		zap.String("kind", ev.Kind.String()),
		zap.Int("affected", len(affected)),
	)
	return affected
}

// OnCommit invalidates the views derived from a locally committed edit of key.
// The committed key itself holds the canonical value and is left fresh. List
// views of the entity are always marked; dependents only when a changed field
// feeds an aggregate.
func (r *Router) OnCommit(key cache.Key, entity EntityType, changed []string) []cache.Key {
	rule := r.Rule(entity)
	pats := append([]cache.Pattern(nil), rule.Patterns...)
	if rule.AffectsAggregates(changed) {
		pats = append(pats, rule.Dependents...)
	}
	match := anyMatch(pats)
	affected := r.store.MarkStaleMatching(func(k cache.Key) bool {
		return k != key && match(k)
	})

	r.logger.Debug("Invalidated views after commit",
		zap.String("key", key.String()),
		zap.Strings("fields", changed),
		zap.Int("affected", len(affected)),
	)
	return affected
}

func anyMatch(pats []cache.Pattern) func(cache.Key) bool {
	return func(k cache.Key) bool {
		for _, p := range pats {
			if p.Matches(k) {
				return true
			}
		}
		return false
	}
}
