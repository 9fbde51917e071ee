package config

import (
	"study-portal/pkg/cache"
	"study-portal/pkg/feed"
	"study-portal/pkg/mutation"
	"study-portal/pkg/prefetch"
	"study-portal/pkg/workspace"
)

// Workspace converts the sync settings into a workspace configuration.
func (s SyncConfig) Workspace() (workspace.Config, error) {
	policy, err := workspace.ParseStalePolicy(s.StalePolicy)
	if err != nil {
		return workspace.Config{}, err
	}

	store := cache.DefaultStoreConfig()
	store.DefaultTTL = s.DefaultTTL
	store.MaxEntries = s.MaxEntries
	store.JanitorInterval = s.JanitorInterval

	pf := prefetch.DefaultConfig()
	pf.MaxConcurrent = s.MaxConcurrent
	pf.TaskTimeout = s.TaskTimeout

	return workspace.Config{
		Store:    store,
		Mutation: mutation.Config{Timeout: s.MutationTimeout},
		Prefetch: pf,
		Feed: feed.Config{
			InitialBackoff: s.ReconnectInitial,
			MaxBackoff:     s.ReconnectMax,
			DegradedAfter:  s.DegradedAfter,
		},
		StalePolicy: policy,
	}, nil
}
