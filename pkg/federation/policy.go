package federation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FollowAuthorizer implements the index write policy: the owning site may
// always write, sites on the owner's follow list may write, and everyone
// else is denied. Decisions are cached briefly because the follow list
// lives in the edge store.
type FollowAuthorizer struct {
	owner  string
	graph  *Graph
	logger *zap.Logger

	mu       sync.RWMutex
	cache    map[string]policyCacheEntry
	cacheTTL time.Duration
}

type policyCacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

func NewFollowAuthorizer(owner string, graph *Graph, logger *zap.Logger) *FollowAuthorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FollowAuthorizer{
		owner:    owner,
		graph:    graph,
		logger:   logger,
		cache:    make(map[string]policyCacheEntry),
		cacheTTL: time.Minute,
	}
}

func (a *FollowAuthorizer) CanWrite(actorKey string) bool {
	if actorKey == a.owner {
		return true
	}

	a.mu.RLock()
	if entry, ok := a.cache[actorKey]; ok && time.Now().Before(entry.expiresAt) {
		a.mu.RUnlock()
		return entry.allowed
	}
	a.mu.RUnlock()

	targets, err := a.graph.Targets(context.Background())
	if err != nil {
		// Fail closed; the decision is not cached so a recovered
		// store answers the next check.
		a.logger.Warn("write policy check failed, denying",
			zap.String("actor", actorKey),
			zap.Error(err))
		return false
	}

	allowed := false
	for _, t := range targets {
		if t == actorKey {
			allowed = true
			break
		}
	}

	a.mu.Lock()
	a.cache[actorKey] = policyCacheEntry{
		allowed:   allowed,
		expiresAt: time.Now().Add(a.cacheTTL),
	}
	a.mu.Unlock()

	return allowed
}

// Invalidate clears cached decisions; callers invoke it when the follow
// list changes.
func (a *FollowAuthorizer) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string]policyCacheEntry)
}
