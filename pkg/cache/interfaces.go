package cache

// Observer receives store activity, typically to feed metrics.
type Observer interface {
	ObserveRead(entity string, hit bool)
	ObserveInvalidation(entity string)
	ObserveEviction(reason string)
}

// Eviction reasons reported to the Observer.
const (
	EvictExpired = "expired"
	EvictLRU     = "lru"
)

type nopObserver struct{}

func (nopObserver) ObserveRead(string, bool) {}
func (nopObserver) ObserveInvalidation(string) {}
func (nopObserver) ObserveEviction(string) {}

// Stats provides cache performance metrics
type Stats struct {
	HitRate       float64 `json:"hitRate"`
	MissRate      float64 `json:"missRate"`
	Entries       int     `json:"entries"`
	Fresh         int     `json:"fresh"`
	Stale         int     `json:"stale"`
	Pending       int     `json:"pending"`
	TotalHits     int64   `json:"totalHits"`
	TotalMisses   int64   `json:"totalMisses"`
	EvictionCount int64   `json:"evictionCount"`
	Invalidations int64   `json:"invalidations"`
}
