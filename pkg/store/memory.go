package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"syndicate/pkg/types"
)

// MemoryFabric hosts any number of sites in process memory. It backs tests
// and single-process clusters where several sites federate with each other
// without a network between them. Views created with ViewAs share one site
// namespace, so every site's engine gets its own fabric handle.
type MemoryFabric struct {
	core  *memoryCore
	local string
}

type memoryCore struct {
	mu     sync.RWMutex
	sites  map[string]*memorySite
	logger *zap.Logger
	closed bool
}

// NewMemoryFabric creates a fabric hosting the given local site.
func NewMemoryFabric(local string, logger *zap.Logger) *MemoryFabric {
	if logger == nil {
		logger = zap.NewNop()
	}
	core := &memoryCore{
		sites:  make(map[string]*memorySite),
		logger: logger,
	}
	core.sites[local] = newMemorySite(local, logger)
	return &MemoryFabric{core: core, local: local}
}

// ViewAs returns a handle onto the same fabric with a different local site,
// hosting it if needed. Closing any view closes the whole fabric.
func (f *MemoryFabric) ViewAs(site string) *MemoryFabric {
	f.Host(site)
	return &MemoryFabric{core: f.core, local: site}
}

// Host creates the named site if needed and returns it.
func (f *MemoryFabric) Host(site string) Site {
	c := f.core
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sites[site]
	if !ok {
		s = newMemorySite(site, c.logger)
		c.sites[site] = s
	}
	return s
}

func (f *MemoryFabric) Local() Site {
	c := f.core
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sites[f.local]
}

func (f *MemoryFabric) Open(ctx context.Context, site string, mode OpenMode) (Collection, error) {
	c := f.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	s, ok := c.sites[site]
	if !ok {
		return nil, fmt.Errorf("open %s (%s): %w", site, mode, ErrUnknownSite)
	}
	// In-process the origin and its mirror are the same collection, so
	// both modes hand back the hosted one.
	return s.content, nil
}

func (f *MemoryFabric) FetchHead(ctx context.Context, site string) ([]types.ContentItem, error) {
	coll, err := f.Open(ctx, site, ModeObserve)
	if err != nil {
		return nil, err
	}
	return coll.Search(ctx, Query{})
}

func (f *MemoryFabric) Close() error {
	c := f.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.sites {
		s.content.closeWatchers()
	}
	return nil
}

type memorySite struct {
	addr    string
	content *memoryCollection
	edges   *memoryEdgeStore
	index   *memoryEntryStore
}

func newMemorySite(addr string, logger *zap.Logger) *memorySite {
	return &memorySite{
		addr:    addr,
		content: newMemoryCollection(addr, logger),
		edges:   newMemoryEdgeStore(),
		index:   newMemoryEntryStore(),
	}
}

func (s *memorySite) Address() string {
	return s.addr
}

func (s *memorySite) Content() Collection {
	return s.content
}

func (s *memorySite) Follows() EdgeStore {
	return s.edges
}

func (s *memorySite) Index() EntryStore {
	return s.index
}

type memoryCollection struct {
	site string
	hub  *watchHub

	mu    sync.RWMutex
	items map[types.ContentID]types.ContentItem
}

func newMemoryCollection(site string, logger *zap.Logger) *memoryCollection {
	return &memoryCollection{
		site:  site,
		hub:   newWatchHub(site, logger),
		items: make(map[types.ContentID]types.ContentItem),
	}
}

func (c *memoryCollection) Put(ctx context.Context, item types.ContentItem) (Receipt, error) {
	if item.ID == "" {
		return Receipt{}, fmt.Errorf("put on %s: empty content id", c.site)
	}

	c.mu.Lock()
	c.items[item.ID] = item
	c.mu.Unlock()

	c.hub.publish(ChangeEvent{Added: []types.ContentItem{item}})
	return Receipt{Hash: itemHash(item)}, nil
}

func (c *memoryCollection) Delete(ctx context.Context, id types.ContentID) error {
	c.mu.Lock()
	item, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	c.mu.Unlock()

	if ok {
		c.hub.publish(ChangeEvent{Removed: []types.ContentItem{item}})
	}
	return nil
}

func (c *memoryCollection) Get(ctx context.Context, id types.ContentID) (types.ContentItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	if !ok {
		return types.ContentItem{}, fmt.Errorf("get %s on %s: %w", id, c.site, ErrNotFound)
	}
	return item, nil
}

func (c *memoryCollection) Search(ctx context.Context, q Query) ([]types.ContentItem, error) {
	c.mu.RLock()
	results := make([]types.ContentItem, 0, len(c.items))
	for _, item := range c.items {
		if q.Matches(item) {
			results = append(results, item)
		}
	}
	c.mu.RUnlock()

	sortItems(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (c *memoryCollection) Iterate(ctx context.Context, q Query) (Cursor, error) {
	snapshot, err := c.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{items: snapshot}, nil
}

func (c *memoryCollection) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	return c.hub.subscribe(ctx)
}

func (c *memoryCollection) closeWatchers() {
	c.hub.close()
}

type sliceCursor struct {
	items []types.ContentItem
	pos   int
}

func (s *sliceCursor) Next(ctx context.Context, n int) ([]types.ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.items) || n <= 0 {
		return nil, nil
	}
	end := s.pos + n
	if end > len(s.items) {
		end = len(s.items)
	}
	page := s.items[s.pos:end]
	s.pos = end
	return page, nil
}

func (s *sliceCursor) Close() error { return nil }

type memoryEdgeStore struct {
	mu    sync.RWMutex
	edges map[types.EdgeID]types.FollowEdge
}

func newMemoryEdgeStore() *memoryEdgeStore {
	return &memoryEdgeStore{edges: make(map[types.EdgeID]types.FollowEdge)}
}

func (s *memoryEdgeStore) Put(ctx context.Context, edge types.FollowEdge) error {
	if edge.ID == "" {
		return fmt.Errorf("put follow edge: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edge.ID] = edge
	return nil
}

func (s *memoryEdgeStore) Delete(ctx context.Context, id types.EdgeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, id)
	return nil
}

func (s *memoryEdgeStore) Get(ctx context.Context, id types.EdgeID) (types.FollowEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[id]
	if !ok {
		return types.FollowEdge{}, fmt.Errorf("get follow edge %s: %w", id, ErrNotFound)
	}
	return edge, nil
}

func (s *memoryEdgeStore) List(ctx context.Context) ([]types.FollowEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]types.FollowEdge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].ID < edges[j].ID
		}
		return edges[i].CreatedAt.Before(edges[j].CreatedAt)
	})
	return edges, nil
}

type memoryEntryStore struct {
	mu      sync.RWMutex
	entries map[string]types.IndexEntry
}

func newMemoryEntryStore() *memoryEntryStore {
	return &memoryEntryStore{entries: make(map[string]types.IndexEntry)}
}

func (s *memoryEntryStore) Put(ctx context.Context, entry types.IndexEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("put index entry: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *memoryEntryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memoryEntryStore) Get(ctx context.Context, id string) (types.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return types.IndexEntry{}, fmt.Errorf("get index entry %s: %w", id, ErrNotFound)
	}
	return entry, nil
}

func (s *memoryEntryStore) List(ctx context.Context) ([]types.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]types.IndexEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

func sortItems(items []types.ContentItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func itemHash(item types.ContentItem) string {
	data, err := json.Marshal(item)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
