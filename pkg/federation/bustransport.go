package federation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/bus"
	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

const (
	// DefaultHistoricalWindow bounds the catch-up phase after connecting.
	DefaultHistoricalWindow = 60 * time.Second
	// DefaultHistoricalPoll is how often the catch-up phase re-fetches
	// the target's head state inside the window.
	DefaultHistoricalPoll = 3 * time.Second
)

// BusDriver federates over the message bus. Connecting subscribes to the
// target's topic for live updates and runs a bounded historical phase that
// polls the target's head state until the window closes; the window is a
// budget, not a completion guarantee, and live updates flow regardless.
type BusDriver struct {
	local  Address
	bus    bus.Bus
	fabric store.Fabric
	logger *zap.Logger

	historicalWindow time.Duration
	historicalPoll   time.Duration
}

func NewBusDriver(local Address, b bus.Bus, fabric store.Fabric, logger *zap.Logger) *BusDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusDriver{
		local:            local,
		bus:              b,
		fabric:           fabric,
		logger:           logger,
		historicalWindow: DefaultHistoricalWindow,
		historicalPoll:   DefaultHistoricalPoll,
	}
}

// SetHistoricalPhase overrides the catch-up window and poll interval.
func (d *BusDriver) SetHistoricalPhase(window, poll time.Duration) {
	if window > 0 {
		d.historicalWindow = window
	}
	if poll > 0 {
		d.historicalPoll = poll
	}
}

func (d *BusDriver) Name() string {
	return StrategyBus
}

func (d *BusDriver) Connect(ctx context.Context, edge types.FollowEdge) (Feed, error) {
	sub, err := d.bus.Subscribe(ctx, edge.Target, d.local.String())
	if err != nil {
		return nil, fmt.Errorf("bus connect %s: %w", edge.Target, err)
	}

	f, feedCtx := newFeed(context.Background())
	f.onClose = func() {
		if err := sub.Close(); err != nil {
			d.logger.Debug("close subscription",
				zap.String("target", edge.Target),
				zap.Error(err))
		}
	}

	f.start(func() { d.historical(feedCtx, edge, f) })
	f.start(func() {
		for u := range sub.Updates() {
			if !f.send(feedCtx, Delivery{Added: u.Added, Removed: u.Removed}) {
				return
			}
		}
		d.logger.Debug("bus stream ended", zap.String("target", edge.Target))
		// A dead subscription means the feed is no longer live; tear
		// the whole feed down so the session reconnects.
		f.Close()
	})
	f.seal()

	return f, nil
}

// historical polls the target's head state for the duration of the window.
// Poll failures are expected when the fabric cannot reach the target; the
// phase keeps trying until the window closes.
func (d *BusDriver) historical(ctx context.Context, edge types.FollowEdge, f *feed) {
	window := time.NewTimer(d.historicalWindow)
	defer window.Stop()
	ticker := time.NewTicker(d.historicalPoll)
	defer ticker.Stop()

	poll := func() {
		head, err := d.fabric.FetchHead(ctx, edge.Target)
		if err != nil {
			d.logger.Debug("historical head fetch failed",
				zap.String("target", edge.Target),
				zap.Error(err))
			return
		}
		if len(head) > 0 {
			f.send(ctx, Delivery{Added: head})
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-window.C:
			d.logger.Debug("historical window closed",
				zap.String("target", edge.Target))
			return
		case <-ticker.C:
			poll()
		}
	}
}
