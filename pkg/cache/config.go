package cache

import "time"

// StoreConfig holds retention and notification settings for the Store
type StoreConfig struct {
	DefaultTTL      time.Duration            `json:"defaultTTL" yaml:"defaultTTL"`           // time since last write before an entry expires
	EntityTTL       map[string]time.Duration `json:"entityTTL" yaml:"entityTTL"`             // per-entity override of DefaultTTL
	MaxEntries      int                      `json:"maxEntries" yaml:"maxEntries"`           // LRU bound, 0 disables it
	JanitorInterval time.Duration            `json:"janitorInterval" yaml:"janitorInterval"` // how often expired entries are purged
	EventBuffer     int                      `json:"eventBuffer" yaml:"eventBuffer"`         // per-subscriber event queue
}

// DefaultStoreConfig returns default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DefaultTTL: 10 * time.Minute,
		EntityTTL: map[string]time.Duration{
			"dashboard": 2 * time.Minute,
			"documents": 30 * time.Minute,
		},
		MaxEntries:      5000,
		JanitorInterval: time.Minute,
		EventBuffer:     32,
	}
}

// TTLFor returns the retention period for entries of the given entity
func (c StoreConfig) TTLFor(entity string) time.Duration {
	if ttl, ok := c.EntityTTL[entity]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}
