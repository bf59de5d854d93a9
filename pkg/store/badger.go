package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"syndicate/pkg/types"
)

// BadgerOptions configures the durable fabric.
type BadgerOptions struct {
	// Dir is the database directory, created if missing. Ignored when
	// InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often value log garbage collection runs.
	// Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *zap.Logger
}

// DefaultBadgerOptions returns production settings for the given directory.
func DefaultBadgerOptions(dir string) BadgerOptions {
	return BadgerOptions{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerOptions returns settings for tests.
func InMemoryBadgerOptions() BadgerOptions {
	return BadgerOptions{InMemory: true}
}

// BadgerFabric hosts sites in a single badger database, each site under its
// own key namespace. It serves single-node deployments where the local site
// and any locally replicated peers share one store.
type BadgerFabric struct {
	db     *badger.DB
	local  string
	logger *zap.Logger

	mu     sync.RWMutex
	sites  map[string]*badgerSite
	closed bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadgerFabric opens the database and hosts the local site.
func OpenBadgerFabric(local string, opts BadgerOptions) (*BadgerFabric, error) {
	if local == "" {
		return nil, fmt.Errorf("open badger fabric: empty local site address")
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, fmt.Errorf("open badger fabric: data directory required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", opts.Dir, err)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	f := &BadgerFabric{
		db:     db,
		local:  local,
		logger: logger,
		sites:  make(map[string]*badgerSite),
	}
	f.sites[local] = newBadgerSite(f, local)

	if opts.GCInterval > 0 && !opts.InMemory {
		f.gcStop = make(chan struct{})
		f.gcDone = make(chan struct{})
		go f.runGC(opts.GCInterval, opts.GCDiscardRatio)
	}
	return f, nil
}

// Host creates the named site's namespace if needed and returns it.
func (f *BadgerFabric) Host(site string) Site {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sites[site]
	if !ok {
		s = newBadgerSite(f, site)
		f.sites[site] = s
	}
	return s
}

func (f *BadgerFabric) Local() Site {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sites[f.local]
}

func (f *BadgerFabric) Open(ctx context.Context, site string, mode OpenMode) (Collection, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}
	s, ok := f.sites[site]
	if !ok {
		return nil, fmt.Errorf("open %s (%s): %w", site, mode, ErrUnknownSite)
	}
	return s.content, nil
}

func (f *BadgerFabric) FetchHead(ctx context.Context, site string) ([]types.ContentItem, error) {
	coll, err := f.Open(ctx, site, ModeObserve)
	if err != nil {
		return nil, err
	}
	return coll.Search(ctx, Query{})
}

func (f *BadgerFabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	sites := make([]*badgerSite, 0, len(f.sites))
	for _, s := range f.sites {
		sites = append(sites, s)
	}
	f.mu.Unlock()

	if f.gcStop != nil {
		close(f.gcStop)
		<-f.gcDone
	}
	for _, s := range sites {
		s.content.hub.close()
	}
	return f.db.Close()
}

func (f *BadgerFabric) runGC(interval time.Duration, ratio float64) {
	defer close(f.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.gcStop:
			return
		case <-ticker.C:
			// Each successful pass rewrites one value log file, so
			// keep going until there is nothing left to reclaim.
			for {
				err := f.db.RunValueLogGC(ratio)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					f.logger.Warn("value log gc failed", zap.Error(err))
					break
				}
			}
		}
	}
}

const (
	kindContent = "content"
	kindEdge    = "edge"
	kindIndex   = "index"
)

func siteKey(site, kind, id string) []byte {
	return []byte("site/" + site + "/" + kind + "/" + id)
}

func sitePrefix(site, kind string) []byte {
	return []byte("site/" + site + "/" + kind + "/")
}

type badgerSite struct {
	addr    string
	content *badgerCollection
	edges   *badgerEdgeStore
	index   *badgerEntryStore
}

func newBadgerSite(f *BadgerFabric, addr string) *badgerSite {
	return &badgerSite{
		addr:    addr,
		content: &badgerCollection{db: f.db, site: addr, hub: newWatchHub(addr, f.logger), logger: f.logger},
		edges:   &badgerEdgeStore{db: f.db, site: addr, logger: f.logger},
		index:   &badgerEntryStore{db: f.db, site: addr, logger: f.logger},
	}
}

func (s *badgerSite) Address() string {
	return s.addr
}

func (s *badgerSite) Content() Collection {
	return s.content
}

func (s *badgerSite) Follows() EdgeStore {
	return s.edges
}

func (s *badgerSite) Index() EntryStore {
	return s.index
}

type badgerCollection struct {
	db     *badger.DB
	site   string
	hub    *watchHub
	logger *zap.Logger
}

func (c *badgerCollection) Put(ctx context.Context, item types.ContentItem) (Receipt, error) {
	if item.ID == "" {
		return Receipt{}, fmt.Errorf("put on %s: empty content id", c.site)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode content %s: %w", item.ID, err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(siteKey(c.site, kindContent, string(item.ID)), data)
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("put content %s on %s: %w", item.ID, c.site, err)
	}

	c.hub.publish(ChangeEvent{Added: []types.ContentItem{item}})
	return Receipt{Hash: itemHash(item)}, nil
}

func (c *badgerCollection) Delete(ctx context.Context, id types.ContentID) error {
	var old []byte
	err := c.db.Update(func(txn *badger.Txn) error {
		key := siteKey(c.site, kindContent, string(id))
		it, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		old, err = it.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete content %s on %s: %w", id, c.site, err)
	}
	if old == nil {
		return nil
	}

	var item types.ContentItem
	if err := json.Unmarshal(old, &item); err != nil {
		item = types.ContentItem{ID: id}
	}
	c.hub.publish(ChangeEvent{Removed: []types.ContentItem{item}})
	return nil
}

func (c *badgerCollection) Get(ctx context.Context, id types.ContentID) (types.ContentItem, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(siteKey(c.site, kindContent, string(id)))
		if err != nil {
			return err
		}
		data, err = it.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.ContentItem{}, fmt.Errorf("get %s on %s: %w", id, c.site, ErrNotFound)
	}
	if err != nil {
		return types.ContentItem{}, fmt.Errorf("get %s on %s: %w", id, c.site, err)
	}

	var item types.ContentItem
	if err := json.Unmarshal(data, &item); err != nil {
		return types.ContentItem{}, fmt.Errorf("get %s on %s: %w", id, c.site, ErrCorrupted)
	}
	return item, nil
}

func (c *badgerCollection) Search(ctx context.Context, q Query) ([]types.ContentItem, error) {
	var results []types.ContentItem
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sitePrefix(c.site, kindContent)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var item types.ContentItem
			if err := json.Unmarshal(data, &item); err != nil {
				// Unreadable records are skipped rather than
				// failing the whole scan.
				c.logger.Warn("skipping corrupted content record",
					zap.String("site", c.site),
					zap.ByteString("key", it.Item().Key()))
				continue
			}
			if q.Matches(item) {
				results = append(results, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search on %s: %w", c.site, err)
	}

	sortItems(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (c *badgerCollection) Iterate(ctx context.Context, q Query) (Cursor, error) {
	snapshot, err := c.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{items: snapshot}, nil
}

func (c *badgerCollection) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	return c.hub.subscribe(ctx)
}

type badgerEdgeStore struct {
	db     *badger.DB
	site   string
	logger *zap.Logger
}

func (s *badgerEdgeStore) Put(ctx context.Context, edge types.FollowEdge) error {
	if edge.ID == "" {
		return fmt.Errorf("put follow edge: empty id")
	}
	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("encode follow edge %s: %w", edge.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(siteKey(s.site, kindEdge, string(edge.ID)), data)
	})
	if err != nil {
		return fmt.Errorf("put follow edge %s: %w", edge.ID, err)
	}
	return nil
}

func (s *badgerEdgeStore) Delete(ctx context.Context, id types.EdgeID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(siteKey(s.site, kindEdge, string(id)))
	})
	if err != nil {
		return fmt.Errorf("delete follow edge %s: %w", id, err)
	}
	return nil
}

func (s *badgerEdgeStore) Get(ctx context.Context, id types.EdgeID) (types.FollowEdge, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(siteKey(s.site, kindEdge, string(id)))
		if err != nil {
			return err
		}
		data, err = it.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.FollowEdge{}, fmt.Errorf("get follow edge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.FollowEdge{}, fmt.Errorf("get follow edge %s: %w", id, err)
	}

	var edge types.FollowEdge
	if err := json.Unmarshal(data, &edge); err != nil {
		return types.FollowEdge{}, fmt.Errorf("get follow edge %s: %w", id, ErrCorrupted)
	}
	return edge, nil
}

func (s *badgerEdgeStore) List(ctx context.Context) ([]types.FollowEdge, error) {
	var edges []types.FollowEdge
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sitePrefix(s.site, kindEdge)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var edge types.FollowEdge
			if err := json.Unmarshal(data, &edge); err != nil {
				s.logger.Warn("skipping corrupted follow edge",
					zap.String("site", s.site),
					zap.ByteString("key", it.Item().Key()))
				continue
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list follow edges on %s: %w", s.site, err)
	}
	return edges, nil
}

type badgerEntryStore struct {
	db     *badger.DB
	site   string
	logger *zap.Logger
}

func (s *badgerEntryStore) Put(ctx context.Context, entry types.IndexEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("put index entry: empty id")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode index entry %s: %w", entry.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(siteKey(s.site, kindIndex, entry.ID), data)
	})
	if err != nil {
		return fmt.Errorf("put index entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *badgerEntryStore) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(siteKey(s.site, kindIndex, id))
	})
	if err != nil {
		return fmt.Errorf("delete index entry %s: %w", id, err)
	}
	return nil
}

func (s *badgerEntryStore) Get(ctx context.Context, id string) (types.IndexEntry, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(siteKey(s.site, kindIndex, id))
		if err != nil {
			return err
		}
		data, err = it.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.IndexEntry{}, fmt.Errorf("get index entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.IndexEntry{}, fmt.Errorf("get index entry %s: %w", id, err)
	}

	var entry types.IndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.IndexEntry{}, fmt.Errorf("get index entry %s: %w", id, ErrCorrupted)
	}
	return entry, nil
}

func (s *badgerEntryStore) List(ctx context.Context) ([]types.IndexEntry, error) {
	var entries []types.IndexEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sitePrefix(s.site, kindIndex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry types.IndexEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				s.logger.Warn("skipping corrupted index entry",
					zap.String("site", s.site),
					zap.ByteString("key", it.Item().Key()))
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list index entries on %s: %w", s.site, err)
	}
	return entries, nil
}
