package federation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"syndicate/pkg/bus"
	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// Transport strategy names. All three move the same deliveries; they differ
// in topology and latency, never in reconciliation semantics.
const (
	StrategyRealtime = "realtime"
	StrategyBus      = "bus"
	StrategyMirror   = "mirror"
)

// Feed is a live stream of deliveries from one followed site. The channel
// closes when the connection dies or the feed is closed; a closed feed is
// the signal to reconnect.
type Feed interface {
	Deliveries() <-chan Delivery
	Close() error
}

// Driver opens feeds for follow edges. One driver implements one transport
// strategy.
type Driver interface {
	Name() string
	Connect(ctx context.Context, edge types.FollowEdge) (Feed, error)
}

// DriverDeps carries the collaborators a driver may need.
type DriverDeps struct {
	Local  Address
	Fabric store.Fabric
	Bus    bus.Bus
	Logger *zap.Logger
}

// NewDriver builds the driver for the named strategy.
func NewDriver(strategy string, deps DriverDeps) (Driver, error) {
	switch strategy {
	case StrategyRealtime:
		return NewRealtimeDriver(deps.Fabric, deps.Logger), nil
	case StrategyBus:
		if deps.Bus == nil {
			return nil, fmt.Errorf("strategy %s requires a bus", strategy)
		}
		return NewBusDriver(deps.Local, deps.Bus, deps.Fabric, deps.Logger), nil
	case StrategyMirror:
		return NewMirrorDriver(deps.Fabric, deps.Logger), nil
	default:
		return nil, fmt.Errorf("%q: %w", strategy, ErrUnknownStrategy)
	}
}

const deliveryBuffer = 16

// feed is the shared Feed implementation: producers push through send, the
// output channel closes once every producer has exited.
type feed struct {
	out     chan Delivery
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	onClose func()
}

func newFeed(parent context.Context) (*feed, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &feed{
		out:    make(chan Delivery, deliveryBuffer),
		cancel: cancel,
	}, ctx
}

// start launches a producer goroutine tracked by the feed.
func (f *feed) start(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}

// seal closes the output once all started producers return. Call after the
// last start.
func (f *feed) seal() {
	go func() {
		f.wg.Wait()
		close(f.out)
	}()
}

func (f *feed) send(ctx context.Context, d Delivery) bool {
	select {
	case f.out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *feed) Deliveries() <-chan Delivery {
	return f.out
}

func (f *feed) Close() error {
	f.once.Do(func() {
		f.cancel()
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}
