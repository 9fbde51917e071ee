package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically purges expired entries from a Store.
type Janitor struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewJanitor(store *Store, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the purge loop until Stop is called. It blocks.
func (j *Janitor) Start() {
	j.logger.Info("Starting cache janitor", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.purge()
		case <-j.stopChan:
			j.logger.Info("Stopping cache janitor")
			return
		}
	}
}

// Stop ends the purge loop. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *Janitor) purge() {
	if count := j.store.PurgeExpired(); count > 0 {
		j.logger.Debug("Purged expired cache entries", zap.Int("count", count))
	}
}
