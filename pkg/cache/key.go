package cache

import (
	"fmt"
	"net/url"
	"strings"
)

// Wildcard matches any entity or scope in a Pattern.
const Wildcard = "*"

// Key identifies one cached snapshot, e.g. employees:123 or
// projects:list?status=active. Keys are comparable and safe to use as map keys.
type Key struct {
	Entity string
	Scope  string
	Params string // canonical, sorted query encoding
}

// NewKey builds a key with canonical parameters so that equal parameter sets
// produce equal keys regardless of map order.
func NewKey(entity, scope string, params map[string]string) Key {
	return Key{Entity: entity, Scope: scope, Params: encodeParams(params)}
}

// ParseKey parses the String form of a key.
func ParseKey(s string) (Key, error) {
	base, rawParams, _ := strings.Cut(s, "?")
	entity, scope, ok := strings.Cut(base, ":")
	if !ok || entity == "" || scope == "" {
		return Key{}, fmt.Errorf("invalid cache key %q: expected entity:scope", s)
	}
	if strings.Contains(entity, Wildcard) || strings.Contains(scope, Wildcard) {
		return Key{}, fmt.Errorf("invalid cache key %q: wildcards are only allowed in patterns", s)
	}
	values, err := url.ParseQuery(rawParams)
	if err != nil {
		return Key{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	return Key{Entity: entity, Scope: scope, Params: values.Encode()}, nil
}

// String renders entity:scope or entity:scope?params.
func (k Key) String() string {
	if k.Params == "" {
		return k.Entity + ":" + k.Scope
	}
	return k.Entity + ":" + k.Scope + "?" + k.Params
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// ParamMap decodes the key parameters. Multi-valued parameters keep their first value.
func (k Key) ParamMap() map[string]string {
	out := make(map[string]string)
	values, err := url.ParseQuery(k.Params)
	if err != nil {
		return out
	}
	for name, vals := range values {
		if len(vals) > 0 {
			out[name] = vals[0]
		}
	}
	return out
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	values := make(url.Values, len(params))
	for name, v := range params {
		values.Set(name, v)
	}
	return values.Encode()
}

// Pattern selects a set of keys. Entity and Scope may be "*"; a Scope ending
// in "*" is a prefix match. Empty Params match every parameter set.
type Pattern struct {
	Entity string
	Scope  string
	Params string
}

// ParsePattern parses "employees:*", "projects:list", "dashboard:*", "*" or a
// bare entity name, which is shorthand for entity:*.
func ParsePattern(s string) Pattern {
	s = strings.TrimSpace(s)
	if s == "" || s == Wildcard {
		return Pattern{Entity: Wildcard, Scope: Wildcard}
	}
	base, rawParams, _ := strings.Cut(s, "?")
	entity, scope, ok := strings.Cut(base, ":")
	if !ok || scope == "" {
		scope = Wildcard
	}
	if entity == "" {
		entity = Wildcard
	}
	p := Pattern{Entity: entity, Scope: scope}
	if rawParams != "" {
		if values, err := url.ParseQuery(rawParams); err == nil {
			p.Params = values.Encode()
		} else {
			p.Params = rawParams
		}
	}
	return p
}

// EntityPattern matches every key of an entity.
func EntityPattern(entity string) Pattern {
	return Pattern{Entity: entity, Scope: Wildcard}
}

// Matches reports whether key falls under the pattern.
func (p Pattern) Matches(key Key) bool {
	if p.Entity != Wildcard && p.Entity != key.Entity {
		return false
	}
	switch {
	case p.Scope == Wildcard:
	case strings.HasSuffix(p.Scope, Wildcard):
		if !strings.HasPrefix(key.Scope, strings.TrimSuffix(p.Scope, Wildcard)) {
			return false
		}
	case p.Scope != key.Scope:
		return false
	}
	return p.Params == "" || p.Params == key.Params
}

func (p Pattern) String() string {
	if p.Entity == Wildcard && p.Scope == Wildcard && p.Params == "" {
		return Wildcard
	}
	if p.Params == "" {
		return p.Entity + ":" + p.Scope
	}
	return p.Entity + ":" + p.Scope + "?" + p.Params
}
