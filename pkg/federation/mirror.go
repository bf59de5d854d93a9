package federation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// MirrorDriver opens the followed site as a full local replica: an initial
// cursor scan over everything it holds, then its change stream. The scan
// re-delivers content every reconnect; idempotent reconciliation makes the
// repeats free.
type MirrorDriver struct {
	fabric   store.Fabric
	scanPage int
	logger   *zap.Logger
}

func NewMirrorDriver(fabric store.Fabric, logger *zap.Logger) *MirrorDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirrorDriver{
		fabric:   fabric,
		scanPage: DefaultReconcileBatch,
		logger:   logger,
	}
}

func (d *MirrorDriver) Name() string {
	return StrategyMirror
}

func (d *MirrorDriver) Connect(ctx context.Context, edge types.FollowEdge) (Feed, error) {
	coll, err := d.fabric.Open(ctx, edge.Target, store.ModeReplicate)
	if err != nil {
		return nil, fmt.Errorf("mirror connect %s: %w", edge.Target, err)
	}

	f, feedCtx := newFeed(context.Background())

	// Watch before scanning so mutations during the scan are not lost;
	// anything seen twice is dropped by the idempotence check.
	events, err := coll.Watch(feedCtx)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mirror connect %s: watch: %w", edge.Target, err)
	}

	f.start(func() {
		if err := d.scan(feedCtx, coll, f); err != nil {
			d.logger.Warn("mirror scan interrupted",
				zap.String("target", edge.Target),
				zap.Error(err))
			return
		}
		for ev := range events {
			if !f.send(feedCtx, Delivery{Added: ev.Added, Removed: ev.Removed}) {
				return
			}
		}
		d.logger.Debug("mirror stream ended", zap.String("target", edge.Target))
	})
	f.seal()

	return f, nil
}

func (d *MirrorDriver) scan(ctx context.Context, coll store.Collection, f *feed) error {
	cur, err := coll.Iterate(ctx, store.Query{})
	if err != nil {
		return err
	}
	defer cur.Close()

	for {
		page, err := cur.Next(ctx, d.scanPage)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if !f.send(ctx, Delivery{Added: page}) {
			return ctx.Err()
		}
	}
}
