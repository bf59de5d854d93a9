package federation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// RealtimeDriver opens the followed site's collection in observer mode and
// forwards its change stream as it happens. Deliveries carry the realtime
// mark so imported items record that they arrived with no added latency.
type RealtimeDriver struct {
	fabric store.Fabric
	logger *zap.Logger
}

func NewRealtimeDriver(fabric store.Fabric, logger *zap.Logger) *RealtimeDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDriver{fabric: fabric, logger: logger}
}

func (d *RealtimeDriver) Name() string {
	return StrategyRealtime
}

func (d *RealtimeDriver) Connect(ctx context.Context, edge types.FollowEdge) (Feed, error) {
	coll, err := d.fabric.Open(ctx, edge.Target, store.ModeObserve)
	if err != nil {
		return nil, fmt.Errorf("realtime connect %s: %w", edge.Target, err)
	}

	f, feedCtx := newFeed(context.Background())
	events, err := coll.Watch(feedCtx)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("realtime connect %s: watch: %w", edge.Target, err)
	}

	f.start(func() {
		for ev := range events {
			ok := f.send(feedCtx, Delivery{
				Added:    ev.Added,
				Removed:  ev.Removed,
				Realtime: true,
			})
			if !ok {
				return
			}
		}
		d.logger.Debug("realtime stream ended", zap.String("target", edge.Target))
	})
	f.seal()

	return f, nil
}
