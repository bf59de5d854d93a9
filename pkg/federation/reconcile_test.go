package federation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// Shared fixture wiring a reconciler against an in-memory fabric.
type reconcileFixture struct {
	local   Address
	fabric  *store.MemoryFabric
	content store.Collection
	graph   *Graph
	index   *Index
	rec     *Reconciler
}

func newReconcileFixture(t *testing.T, local string) *reconcileFixture {
	t.Helper()

	addr := MustParseAddress(local)
	fabric := store.NewMemoryFabric(addr.String(), zap.NewNop())
	t.Cleanup(func() { fabric.Close() })

	site := fabric.Local()
	graph := NewGraph(addr, site.Follows(), nil)
	auth := NewFollowAuthorizer(addr.String(), graph, nil)
	index := NewIndex(addr.String(), site.Index(), auth, nil)
	rec := NewReconciler(addr, site.Content(), index, nil, nil)

	return &reconcileFixture{
		local:   addr,
		fabric:  fabric,
		content: site.Content(),
		graph:   graph,
		index:   index,
		rec:     rec,
	}
}

func (fx *reconcileFixture) follow(t *testing.T, target string, recursive bool) types.FollowEdge {
	t.Helper()
	edge, err := fx.graph.Add(context.Background(), target, "", recursive)
	if err != nil {
		t.Fatalf("follow %s: %v", target, err)
	}
	return edge
}

func original(id, locator string) types.ContentItem {
	return types.ContentItem{
		ID:             types.ContentID(id),
		Name:           id,
		ContentLocator: locator,
		CreatedAt:      time.Now().UTC(),
	}
}

func relayedFrom(id, locator, origin string) types.ContentItem {
	item := original(id, locator)
	item.FederatedFrom = origin
	item.FederatedAt = time.Now().UTC()
	return item
}

// Test that importing stamps provenance and records an index pointer
func TestReconcile_ImportStampsProvenance(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	ctx := context.Background()

	res, err := fx.rec.Reconcile(ctx, edge, Delivery{
		Added:    []types.ContentItem{original("post-1", "/posts/1")},
		Realtime: true,
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("Expected 1 import, got %+v", res)
	}

	got, err := fx.content.Get(ctx, "post-1")
	if err != nil {
		t.Fatalf("imported item not stored: %v", err)
	}
	if got.FederatedFrom != "beta@sites.test" {
		t.Errorf("Expected origin beta@sites.test, got %q", got.FederatedFrom)
	}
	if got.FederatedAt.IsZero() {
		t.Error("Expected FederatedAt to be stamped")
	}
	if !got.FederatedRealtime {
		t.Error("Expected realtime flag on realtime delivery")
	}

	entries := fx.index.BySource(ctx, "beta@sites.test")
	if len(entries) != 1 {
		t.Fatalf("Expected 1 index entry, got %d", len(entries))
	}
	if entries[0].ID != EntryID("beta@sites.test", "/posts/1") {
		t.Errorf("Index entry has unexpected id %q", entries[0].ID)
	}
}

// Test that a repeat delivery of the same item is a no-op
func TestReconcile_Idempotent(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	ctx := context.Background()

	d := Delivery{Added: []types.ContentItem{original("post-1", "/posts/1")}}
	if _, err := fx.rec.Reconcile(ctx, edge, d); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	first, err := fx.content.Get(ctx, "post-1")
	if err != nil {
		t.Fatalf("item not stored: %v", err)
	}

	res, err := fx.rec.Reconcile(ctx, edge, d)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Imported != 0 || res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("Expected repeat to skip, got %+v", res)
	}

	second, err := fx.content.Get(ctx, "post-1")
	if err != nil {
		t.Fatalf("item lost on repeat: %v", err)
	}
	if !second.FederatedAt.Equal(first.FederatedAt) {
		t.Error("Expected existing copy to win over repeat delivery")
	}
}

// Test that non-recursive edges import originals only
func TestReconcile_RecursionFilter(t *testing.T) {
	ctx := context.Background()
	own := original("own-1", "/own/1")
	relayed := relayedFrom("relay-1", "/relay/1", "gamma@sites.test")

	t.Run("non-recursive", func(t *testing.T) {
		fx := newReconcileFixture(t, "alpha@sites.test")
		edge := fx.follow(t, "beta@sites.test", false)

		res, err := fx.rec.Reconcile(ctx, edge, Delivery{Added: []types.ContentItem{own, relayed}})
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if res.Imported != 1 || res.Skipped != 1 {
			t.Fatalf("Expected original only, got %+v", res)
		}
		if _, err := fx.content.Get(ctx, "relay-1"); !errors.Is(err, store.ErrNotFound) {
			t.Error("Expected relayed item to be filtered out")
		}
	})

	t.Run("recursive", func(t *testing.T) {
		fx := newReconcileFixture(t, "alpha@sites.test")
		edge := fx.follow(t, "beta@sites.test", true)

		res, err := fx.rec.Reconcile(ctx, edge, Delivery{Added: []types.ContentItem{own, relayed}})
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if res.Imported != 2 {
			t.Fatalf("Expected both items imported, got %+v", res)
		}
		if len(res.RelayedOrigins) != 1 || res.RelayedOrigins[0] != "gamma@sites.test" {
			t.Errorf("Expected relayed origin gamma@sites.test, got %v", res.RelayedOrigins)
		}
	})
}

// Test that content originating here never re-imports
func TestReconcile_RejectsBoomerang(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", true)
	ctx := context.Background()

	boomerang := relayedFrom("post-1", "/posts/1", "alpha@sites.test")
	res, err := fx.rec.Reconcile(ctx, edge, Delivery{Added: []types.ContentItem{boomerang}})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Imported != 0 || res.Skipped != 1 {
		t.Fatalf("Expected boomerang to be skipped, got %+v", res)
	}
	if _, err := fx.content.Get(ctx, "post-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("Expected boomerang content to stay out of the collection")
	}
}

// Test that origin provenance survives a second hop
func TestReconcile_OriginPreservedAcrossHops(t *testing.T) {
	// This site is C following B recursively; B holds a copy of A's item.
	fx := newReconcileFixture(t, "gamma@sites.test")
	edge := fx.follow(t, "beta@sites.test", true)
	ctx := context.Background()

	viaB := relayedFrom("post-1", "/posts/1", "alpha@sites.test")
	res, err := fx.rec.Reconcile(ctx, edge, Delivery{Added: []types.ContentItem{viaB}})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("Expected import, got %+v", res)
	}

	got, err := fx.content.Get(ctx, "post-1")
	if err != nil {
		t.Fatalf("item not stored: %v", err)
	}
	if got.FederatedFrom != "alpha@sites.test" {
		t.Errorf("Expected original origin alpha@sites.test, got %q", got.FederatedFrom)
	}
	if len(res.RelayedOrigins) != 1 || res.RelayedOrigins[0] != "alpha@sites.test" {
		t.Errorf("Expected relayed origin report, got %v", res.RelayedOrigins)
	}
}

// Test that eviction only touches content imported from the evicting edge
func TestReconcile_EvictionSafety(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	ctx := context.Background()

	// Import one item through the edge so it carries beta provenance.
	if _, err := fx.rec.Reconcile(ctx, edge, Delivery{
		Added: []types.ContentItem{original("from-beta", "/b/1")},
	}); err != nil {
		t.Fatalf("seed import: %v", err)
	}

	// A local original and an import from elsewhere sit alongside it.
	localItem := original("local-1", "/l/1")
	if _, err := fx.content.Put(ctx, localItem); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	other := relayedFrom("from-gamma", "/g/1", "gamma@sites.test")
	if _, err := fx.content.Put(ctx, other); err != nil {
		t.Fatalf("seed other: %v", err)
	}

	res, err := fx.rec.Reconcile(ctx, edge, Delivery{
		Removed: []types.ContentItem{
			{ID: "from-beta"},
			{ID: "local-1"},
			{ID: "from-gamma"},
			{ID: "never-existed"},
		},
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Evicted != 1 || res.Skipped != 3 {
		t.Fatalf("Expected exactly one eviction, got %+v", res)
	}

	if _, err := fx.content.Get(ctx, "from-beta"); !errors.Is(err, store.ErrNotFound) {
		t.Error("Expected beta's import to be evicted")
	}
	if _, err := fx.content.Get(ctx, "local-1"); err != nil {
		t.Error("Expected local original to survive eviction")
	}
	if _, err := fx.content.Get(ctx, "from-gamma"); err != nil {
		t.Error("Expected other-origin import to survive eviction")
	}

	if entries := fx.index.BySource(ctx, "beta@sites.test"); len(entries) != 0 {
		t.Errorf("Expected index pointer removed with eviction, got %d entries", len(entries))
	}
}

// Test that one bad item does not abort the rest of the batch
func TestReconcile_BatchFailureIsolation(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	ctx := context.Background()

	res, err := fx.rec.Reconcile(ctx, edge, Delivery{
		Added: []types.ContentItem{
			original("good-1", "/g/1"),
			{Name: "no id"},
			original("good-2", "/g/2"),
		},
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Imported != 2 || res.Failed != 1 {
		t.Fatalf("Expected 2 imports and 1 failure, got %+v", res)
	}
	for _, id := range []types.ContentID{"good-1", "good-2"} {
		if _, err := fx.content.Get(ctx, id); err != nil {
			t.Errorf("Expected %s imported despite batch failure: %v", id, err)
		}
	}
}

// Test that cancellation stops a pass between batches
func TestReconcile_ContextCancelled(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := make([]types.ContentItem, 5)
	for i := range items {
		items[i] = original(string(rune('a'+i)), "/x")
	}
	_, err := fx.rec.Reconcile(ctx, edge, Delivery{Added: items})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

// Test that index policy denial skips the pointer but keeps the import
func TestReconcile_IndexDenialKeepsImport(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	ctx := context.Background()

	// An edge the graph never stored: its target is outside the write policy.
	stranger := types.FollowEdge{
		ID:        "edge-x",
		Target:    "mallory@sites.test",
		CreatedAt: time.Now().UTC(),
	}

	res, err := fx.rec.Reconcile(ctx, stranger, Delivery{
		Added: []types.ContentItem{original("post-1", "/posts/1")},
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("Expected import despite index denial, got %+v", res)
	}
	if _, err := fx.content.Get(ctx, "post-1"); err != nil {
		t.Errorf("Expected content stored: %v", err)
	}
	if entries := fx.index.Recent(ctx, 0, 0); len(entries) != 0 {
		t.Errorf("Expected no index entries from denied actor, got %d", len(entries))
	}
}

// Test that batches respect the configured width without losing items
func TestReconcile_SmallBatches(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	fx.rec.SetBatchSize(3)
	edge := fx.follow(t, "beta@sites.test", false)
	ctx := context.Background()

	items := make([]types.ContentItem, 10)
	for i := range items {
		id := string(rune('a' + i))
		items[i] = original("item-"+id, "/i/"+id)
	}
	res, err := fx.rec.Reconcile(ctx, edge, Delivery{Added: items})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Imported != 10 {
		t.Fatalf("Expected all 10 imported, got %+v", res)
	}
}
