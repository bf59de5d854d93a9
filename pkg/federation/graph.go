package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// Graph manages the local site's outgoing follow edges. Targets are unique:
// following the same site twice is rejected rather than deduplicated so the
// caller learns the edge already exists.
type Graph struct {
	local  Address
	edges  store.EdgeStore
	logger *zap.Logger

	// mu serializes add/remove so the duplicate-target check cannot race.
	mu sync.Mutex
}

func NewGraph(local Address, edges store.EdgeStore, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		local:  local,
		edges:  edges,
		logger: logger,
	}
}

// Add creates a follow edge to the target site. The target must parse, must
// not be the local site, and must not already be followed.
func (g *Graph) Add(ctx context.Context, target, displayName string, recursive bool) (types.FollowEdge, error) {
	addr, err := ParseAddress(target)
	if err != nil {
		return types.FollowEdge{}, fmt.Errorf("follow %q: %w", target, err)
	}
	if addr.Equal(g.local) {
		return types.FollowEdge{}, ErrSelfFollow
	}
	canonical := addr.String()

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, err := g.edges.List(ctx)
	if err != nil {
		return types.FollowEdge{}, fmt.Errorf("follow %s: list edges: %w", canonical, err)
	}
	for _, e := range existing {
		if e.Target == canonical {
			return types.FollowEdge{}, fmt.Errorf("follow %s: %w", canonical, ErrDuplicateFollow)
		}
	}

	edge := types.FollowEdge{
		ID:          types.EdgeID(uuid.New().String()),
		Target:      canonical,
		DisplayName: displayName,
		Recursive:   recursive,
		FollowChain: []string{canonical},
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.edges.Put(ctx, edge); err != nil {
		return types.FollowEdge{}, fmt.Errorf("follow %s: %w", canonical, err)
	}

	g.logger.Info("follow edge added",
		zap.String("edge_id", string(edge.ID)),
		zap.String("target", edge.Target),
		zap.Bool("recursive", edge.Recursive))
	return edge, nil
}

// Get returns the edge or ErrEdgeNotFound.
func (g *Graph) Get(ctx context.Context, id types.EdgeID) (types.FollowEdge, error) {
	edge, err := g.edges.Get(ctx, id)
	if err != nil {
		if errorIsNotFound(err) {
			return types.FollowEdge{}, fmt.Errorf("edge %s: %w", id, ErrEdgeNotFound)
		}
		return types.FollowEdge{}, fmt.Errorf("edge %s: %w", id, err)
	}
	return edge, nil
}

// Remove deletes the edge. Removing an unknown edge returns ErrEdgeNotFound.
func (g *Graph) Remove(ctx context.Context, id types.EdgeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge, err := g.edges.Get(ctx, id)
	if err != nil {
		if errorIsNotFound(err) {
			return fmt.Errorf("unfollow %s: %w", id, ErrEdgeNotFound)
		}
		return fmt.Errorf("unfollow %s: %w", id, err)
	}
	if err := g.edges.Delete(ctx, id); err != nil {
		return fmt.Errorf("unfollow %s: %w", id, err)
	}

	g.logger.Info("follow edge removed",
		zap.String("edge_id", string(id)),
		zap.String("target", edge.Target))
	return nil
}

// List returns all edges ordered by creation time.
func (g *Graph) List(ctx context.Context) ([]types.FollowEdge, error) {
	return g.edges.List(ctx)
}

// Targets returns the canonical addresses of all followed sites.
func (g *Graph) Targets(ctx context.Context) ([]string, error) {
	edges, err := g.edges.List(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(edges))
	for _, e := range edges {
		targets = append(targets, e.Target)
	}
	return targets, nil
}

// RecordHop appends a relayed origin to the edge's follow chain, so the
// path content took through intermediaries stays inspectable.
func (g *Graph) RecordHop(ctx context.Context, id types.EdgeID, origin string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge, err := g.edges.Get(ctx, id)
	if err != nil {
		if errorIsNotFound(err) {
			return fmt.Errorf("record hop on %s: %w", id, ErrEdgeNotFound)
		}
		return fmt.Errorf("record hop on %s: %w", id, err)
	}
	for _, hop := range edge.FollowChain {
		if hop == origin {
			return nil
		}
	}
	edge.FollowChain = append(edge.FollowChain, origin)
	if err := g.edges.Put(ctx, edge); err != nil {
		return fmt.Errorf("record hop on %s: %w", id, err)
	}
	return nil
}

func errorIsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
