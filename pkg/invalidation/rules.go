package invalidation

import "study-portal/pkg/cache"

// Rule declares which cached views go stale when an entity changes.
type Rule struct {
	// Patterns are the entity's own keys.
	Patterns []cache.Pattern
	// Dependents are derived views of other entities, such as aggregate QRE
	// figures on the dashboard.
	Dependents []cache.Pattern
	// AggregateFields limits dependent invalidation after a local commit to
	// edits touching one of these fields. Empty means every field counts.
	AggregateFields []string
}

// RuleTable is indexed by EntityType; its length follows the enum count.
type RuleTable [numEntityTypes]Rule

func patterns(raw ...string) []cache.Pattern {
	out := make([]cache.Pattern, len(raw))
	for i, s := range raw {
		out[i] = cache.ParsePattern(s)
	}
	return out
}

// DefaultRules is the dependency table of the portal domain.
func DefaultRules() RuleTable {
	return RuleTable{
		Employees: {
			Patterns:        patterns("employees:*"),
			Dependents:      patterns("projects:list", "dashboard:*"),
			AggregateFields: []string{"wages", "qre_percentage", "role", "allocations"},
		},
		Projects: {
			Patterns:   patterns("projects:*"),
			Dependents: patterns("dashboard:*"),
		},
		Timesheets: {
			Patterns:   patterns("timesheets:*"),
			Dependents: patterns("employees:*", "projects:*", "dashboard:*"),
		},
		Contractors: {
			Patterns:        patterns("contractors:*"),
			Dependents:      patterns("projects:list", "dashboard:*"),
			AggregateFields: []string{"amount", "qualified"},
		},
		Supplies: {
			Patterns:        patterns("supplies:*"),
			Dependents:      patterns("projects:list", "dashboard:*"),
			AggregateFields: []string{"amount", "qualified"},
		},
		Contracts: {
			Patterns: patterns("contracts:*"),
		},
		Studies: {
			Patterns:   patterns("studies:*"),
			Dependents: patterns("dashboard:*"),
		},
		Documents: {
			Patterns:   patterns("documents:*"),
			Dependents: patterns("studies:*"),
		},
		Dashboard: {
			Patterns: patterns("dashboard:*"),
		},
	}
}

// All returns own and dependent patterns.
func (r Rule) All() []cache.Pattern {
	out := make([]cache.Pattern, 0, len(r.Patterns)+len(r.Dependents))
	out = append(out, r.Patterns...)
	return append(out, r.Dependents...)
}

// AffectsAggregates reports whether an edit of changed fields can alter a
// dependent view.
func (r Rule) AffectsAggregates(changed []string) bool {
	if len(r.AggregateFields) == 0 {
		return true
	}
	for _, field := range changed {
		for _, agg := range r.AggregateFields {
			if field == agg {
				return true
			}
		}
	}
	return false
}
