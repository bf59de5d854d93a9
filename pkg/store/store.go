// Package store defines the boundary to the replicated content fabric that
// hosts site data. The federation engine only ever touches these interfaces;
// the memory fabric backs tests and single-process clusters, the badger
// fabric backs durable single-node deployments.
package store

import (
	"context"
	"errors"

	"syndicate/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrCorrupted is returned when stored bytes cannot be decoded.
	ErrCorrupted = errors.New("store: corrupted record")
	// ErrUnknownSite is returned when the fabric cannot reach a site.
	ErrUnknownSite = errors.New("store: unknown site")
	// ErrClosed is returned after a fabric has been shut down.
	ErrClosed = errors.New("store: closed")
)

// OpenMode selects how much of a remote site a collection handle pulls in.
type OpenMode int

const (
	// ModeObserve opens a remote collection without replicating its
	// contents locally; reads and watches are served by the origin.
	ModeObserve OpenMode = iota
	// ModeReplicate opens a remote collection as a full local mirror.
	ModeReplicate
)

func (m OpenMode) String() string {
	switch m {
	case ModeObserve:
		return "observe"
	case ModeReplicate:
		return "replicate"
	default:
		return "unknown"
	}
}

// Receipt acknowledges a durable write.
type Receipt struct {
	Hash string
}

// ChangeEvent is one batch of observed mutations on a collection.
type ChangeEvent struct {
	Added   []types.ContentItem
	Removed []types.ContentItem
}

// Query narrows Search and Iterate results.
type Query struct {
	// Category filters to a single category when non-empty.
	Category types.CategoryID
	// OriginalsOnly keeps only items the holding site produced itself.
	OriginalsOnly bool
	// FederatedFrom keeps only items imported from the given origin.
	FederatedFrom string
	// Limit caps the number of results; zero means no cap.
	Limit int
}

// Matches reports whether an item passes the query's filters.
func (q Query) Matches(item types.ContentItem) bool {
	if q.Category != "" && item.CategoryID != q.Category {
		return false
	}
	if q.OriginalsOnly && !item.IsOriginal() {
		return false
	}
	if q.FederatedFrom != "" && item.FederatedFrom != q.FederatedFrom {
		return false
	}
	return true
}

// Cursor pages through a collection snapshot.
type Cursor interface {
	// Next returns up to n items, or an empty slice once exhausted.
	Next(ctx context.Context, n int) ([]types.ContentItem, error)
	Close() error
}

// Collection is one site's content set.
type Collection interface {
	Put(ctx context.Context, item types.ContentItem) (Receipt, error)
	Delete(ctx context.Context, id types.ContentID) error
	// Get returns ErrNotFound when no item has the given id.
	Get(ctx context.Context, id types.ContentID) (types.ContentItem, error)
	Search(ctx context.Context, q Query) ([]types.ContentItem, error)
	Iterate(ctx context.Context, q Query) (Cursor, error)
	// Watch streams mutations until ctx is cancelled. Delivery is
	// best-effort per subscriber; consumers that need a complete picture
	// combine Watch with an Iterate pass.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}

// EdgeStore persists the follow graph.
type EdgeStore interface {
	Put(ctx context.Context, edge types.FollowEdge) error
	Delete(ctx context.Context, id types.EdgeID) error
	Get(ctx context.Context, id types.EdgeID) (types.FollowEdge, error)
	List(ctx context.Context) ([]types.FollowEdge, error)
}

// EntryStore persists federation index pointers.
type EntryStore interface {
	Put(ctx context.Context, entry types.IndexEntry) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (types.IndexEntry, error)
	List(ctx context.Context) ([]types.IndexEntry, error)
}

// Site bundles everything the engine keeps for one hosted site.
type Site interface {
	Address() string
	Content() Collection
	Follows() EdgeStore
	Index() EntryStore
}

// Fabric is the replicated store boundary. Local returns the site this
// process owns; Open reaches another site's content in the requested mode.
type Fabric interface {
	Local() Site
	// Open returns ErrUnknownSite when the fabric cannot reach the site.
	Open(ctx context.Context, site string, mode OpenMode) (Collection, error)
	// FetchHead returns the site's current head content state.
	FetchHead(ctx context.Context, site string) ([]types.ContentItem, error)
	Close() error
}
