package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// DefaultReconcileBatch is how many items reconcile concurrently before the
// next slice starts.
const DefaultReconcileBatch = 20

// Delivery is one batch of remote mutations handed to the reconciler.
// Transports may deliver the same items any number of times.
type Delivery struct {
	Added    []types.ContentItem
	Removed  []types.ContentItem
	Realtime bool
}

// Result summarizes one reconciliation pass.
type Result struct {
	Imported int
	Evicted  int
	Skipped  int
	Failed   int
	// RelayedOrigins lists origins seen on imported items that are not
	// the edge target itself, i.e. multi-hop content.
	RelayedOrigins []string
}

// Reconciler applies remote deliveries to the local collection under the
// federation rules: recursion filtering, self-loop rejection, idempotent
// import, provenance stamping, and origin-guarded eviction. It also keeps
// the federation index pointers in step with imports and evictions.
type Reconciler struct {
	local     Address
	content   store.Collection
	index     *Index
	logger    *zap.Logger
	metrics   *Metrics
	batchSize int
}

func NewReconciler(local Address, content store.Collection, index *Index, logger *zap.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Reconciler{
		local:     local,
		content:   content,
		index:     index,
		logger:    logger,
		metrics:   metrics,
		batchSize: DefaultReconcileBatch,
	}
}

// SetBatchSize overrides the concurrent batch width.
func (r *Reconciler) SetBatchSize(n int) {
	if n > 0 {
		r.batchSize = n
	}
}

// Reconcile applies one delivery for the given edge. Individual item
// failures are counted and logged without failing the pass; the returned
// error is non-nil only when the context ends mid-pass.
func (r *Reconciler) Reconcile(ctx context.Context, edge types.FollowEdge, d Delivery) (Result, error) {
	start := time.Now()
	var (
		mu  sync.Mutex
		res Result
	)

	relayed := make(map[string]bool)
	apply := func(o itemOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case o.err != nil:
			res.Failed++
		case o.imported:
			res.Imported++
			if o.origin != edge.Target && !relayed[o.origin] {
				relayed[o.origin] = true
				res.RelayedOrigins = append(res.RelayedOrigins, o.origin)
			}
		case o.evicted:
			res.Evicted++
		default:
			res.Skipped++
		}
	}

	err := r.inBatches(ctx, d.Added, func(item types.ContentItem) {
		o := r.importOne(ctx, edge, item, d.Realtime)
		if o.err != nil {
			r.logger.Warn("import failed",
				zap.String("edge_id", string(edge.ID)),
				zap.String("content_id", string(item.ID)),
				zap.Error(o.err))
		}
		apply(o)
	})
	if err == nil {
		err = r.inBatches(ctx, d.Removed, func(item types.ContentItem) {
			o := r.evictOne(ctx, edge, item)
			if o.err != nil {
				r.logger.Warn("eviction failed",
					zap.String("edge_id", string(edge.ID)),
					zap.String("content_id", string(item.ID)),
					zap.Error(o.err))
			}
			apply(o)
		})
	}

	r.metrics.ReconcileLatency.Observe(time.Since(start).Seconds())
	r.metrics.ItemsImported.Add(float64(res.Imported))
	r.metrics.ItemsEvicted.Add(float64(res.Evicted))
	r.metrics.ItemsSkipped.Add(float64(res.Skipped))
	r.metrics.ItemFailures.Add(float64(res.Failed))

	if res.Imported > 0 || res.Evicted > 0 || res.Failed > 0 {
		r.logger.Info("delivery reconciled",
			zap.String("edge_id", string(edge.ID)),
			zap.String("target", edge.Target),
			zap.Int("imported", res.Imported),
			zap.Int("evicted", res.Evicted),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
	return res, err
}

// inBatches runs fn over items in slices of batchSize, concurrent within a
// slice and sequential across slices. Cancellation is honored between
// slices so an interrupted historical sync stops promptly.
func (r *Reconciler) inBatches(ctx context.Context, items []types.ContentItem, fn func(types.ContentItem)) error {
	for startIdx := 0; startIdx < len(items); startIdx += r.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := startIdx + r.batchSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for _, item := range items[startIdx:end] {
			wg.Add(1)
			go func(item types.ContentItem) {
				defer wg.Done()
				fn(item)
			}(item)
		}
		wg.Wait()
	}
	return nil
}

type itemOutcome struct {
	imported bool
	evicted  bool
	origin   string
	err      error
}

func (r *Reconciler) importOne(ctx context.Context, edge types.FollowEdge, item types.ContentItem, realtime bool) itemOutcome {
	if item.ID == "" {
		return itemOutcome{err: fmt.Errorf("item without id from %s", edge.Target)}
	}

	// Non-recursive edges take the target's own work only.
	if !edge.Recursive && !item.IsOriginal() {
		return itemOutcome{}
	}

	// Content that started here must not come back in.
	origin := item.FederatedFrom
	if origin == "" {
		origin = edge.Target
	}
	if origin == r.local.String() {
		r.logger.Debug("rejecting boomerang content",
			zap.String("edge_id", string(edge.ID)),
			zap.String("content_id", string(item.ID)))
		return itemOutcome{}
	}

	// Existing copies win; a repeat delivery is a no-op.
	if _, err := r.content.Get(ctx, item.ID); err == nil {
		return itemOutcome{}
	} else if !errors.Is(err, store.ErrNotFound) {
		return itemOutcome{err: fmt.Errorf("lookup %s: %w", item.ID, err)}
	}

	imported := item
	imported.FederatedFrom = origin
	imported.FederatedAt = time.Now().UTC()
	imported.FederatedRealtime = realtime

	if _, err := r.content.Put(ctx, imported); err != nil {
		return itemOutcome{err: fmt.Errorf("store %s: %w", item.ID, err)}
	}

	r.indexImport(ctx, edge, imported, origin)
	return itemOutcome{imported: true, origin: origin}
}

func (r *Reconciler) evictOne(ctx context.Context, edge types.FollowEdge, item types.ContentItem) itemOutcome {
	if item.ID == "" {
		return itemOutcome{err: fmt.Errorf("removal without id from %s", edge.Target)}
	}

	local, err := r.content.Get(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		return itemOutcome{}
	}
	if err != nil {
		return itemOutcome{err: fmt.Errorf("lookup %s: %w", item.ID, err)}
	}

	// Only content imported from this very edge may be evicted by it.
	// Originals and imports from other origins stay.
	if local.FederatedFrom != edge.Target {
		return itemOutcome{}
	}

	if err := r.content.Delete(ctx, item.ID); err != nil {
		return itemOutcome{err: fmt.Errorf("delete %s: %w", item.ID, err)}
	}

	if r.index != nil {
		entryID := EntryID(local.FederatedFrom, local.ContentLocator)
		if err := r.index.Remove(ctx, edge.Target, entryID); err != nil {
			r.logger.Warn("index entry removal failed",
				zap.String("content_id", string(item.ID)),
				zap.Error(err))
		}
	}
	return itemOutcome{evicted: true}
}

// indexImport records the index pointer for an imported item. Policy
// denials and index store failures skip the pointer without undoing the
// import.
func (r *Reconciler) indexImport(ctx context.Context, edge types.FollowEdge, item types.ContentItem, origin string) {
	if r.index == nil {
		return
	}
	sourceName := origin
	if origin == edge.Target && edge.DisplayName != "" {
		sourceName = edge.DisplayName
	}
	err := r.index.Upsert(ctx, edge.Target, NewIndexEntry(item, origin, sourceName))
	if err == nil {
		return
	}
	if errors.Is(err, ErrWriteDenied) {
		r.metrics.IndexWriteDenials.Inc()
		r.logger.Warn("index write denied",
			zap.String("actor", edge.Target),
			zap.String("content_id", string(item.ID)))
		return
	}
	r.logger.Warn("index upsert failed",
		zap.String("content_id", string(item.ID)),
		zap.Error(err))
}
