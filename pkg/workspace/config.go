package workspace

import (
	"fmt"
	"strings"

	"study-portal/pkg/cache"
	"study-portal/pkg/feed"
	"study-portal/pkg/mutation"
	"study-portal/pkg/prefetch"
)

// StalePolicy decides what Read does with a stale entry.
type StalePolicy int

const (
	// StaleWhileRevalidate serves the stale value and refetches in the background.
	StaleWhileRevalidate StalePolicy = iota
	// Blocking refetches before returning.
	Blocking
)

func (p StalePolicy) String() string {
	switch p {
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case Blocking:
		return "blocking"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseStalePolicy accepts "stale-while-revalidate" (or "swr") and "blocking".
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "swr", "stale-while-revalidate":
		return StaleWhileRevalidate, nil
	case "blocking":
		return Blocking, nil
	default:
		return 0, fmt.Errorf("unknown stale policy %q", s)
	}
}

// Config holds workspace settings
type Config struct {
	Store       cache.StoreConfig `json:"store" yaml:"store"`
	Mutation    mutation.Config   `json:"mutation" yaml:"mutation"`
	Prefetch    prefetch.Config   `json:"prefetch" yaml:"prefetch"`
	Feed        feed.Config       `json:"feed" yaml:"feed"`
	StalePolicy StalePolicy       `json:"stalePolicy" yaml:"stalePolicy"`
}

// DefaultConfig returns default workspace configuration
func DefaultConfig() Config {
	return Config{
		Store:       cache.DefaultStoreConfig(),
		Mutation:    mutation.DefaultConfig(),
		Prefetch:    prefetch.DefaultConfig(),
		Feed:        feed.DefaultConfig(),
		StalePolicy: StaleWhileRevalidate,
	}
}
