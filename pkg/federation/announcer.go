package federation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/bus"
	"syndicate/pkg/store"
)

// DefaultDiscoveryWait is how long the announcer waits for subscribers to
// appear after requesting discovery.
const DefaultDiscoveryWait = 5 * time.Second

// Announcer watches the local collection and publishes each change to the
// local site's bus topic. With no subscribers present it requests discovery
// and waits briefly; if nobody shows up the update is dropped, since late
// joiners catch up through the historical phase anyway.
type Announcer struct {
	site    Address
	content store.Collection
	bus     bus.Bus
	logger  *zap.Logger
	metrics *Metrics

	discoveryWait time.Duration
	seq           atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewAnnouncer(site Address, content store.Collection, b bus.Bus, logger *zap.Logger, metrics *Metrics) *Announcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Announcer{
		site:          site,
		content:       content,
		bus:           b,
		logger:        logger,
		metrics:       metrics,
		discoveryWait: DefaultDiscoveryWait,
	}
}

// SetDiscoveryWait overrides the presence wait.
func (a *Announcer) SetDiscoveryWait(d time.Duration) {
	if d > 0 {
		a.discoveryWait = d
	}
}

// Start begins watching and announcing. It is not restartable.
func (a *Announcer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("announcer already started")
	}
	ctx, cancel := context.WithCancel(context.Background())

	events, err := a.content.Watch(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("announcer watch %s: %w", a.site.String(), err)
	}

	a.cancel = cancel
	a.started = true
	a.wg.Add(1)
	go a.run(ctx, events)

	a.logger.Info("announcer started", zap.String("site", a.site.String()))
	return nil
}

// Stop halts announcing and waits for the loop to exit.
func (a *Announcer) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Announcer) run(ctx context.Context, events <-chan store.ChangeEvent) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.publish(ctx, ev)
		}
	}
}

func (a *Announcer) publish(ctx context.Context, ev store.ChangeEvent) {
	topic := a.site.String()

	n, err := a.bus.Subscribers(ctx, topic)
	if err != nil {
		a.logger.Warn("subscriber check failed", zap.Error(err))
		return
	}
	if n == 0 {
		n, err = a.bus.RequestSubscribers(ctx, topic, a.discoveryWait)
		if err != nil {
			a.logger.Warn("subscriber discovery failed", zap.Error(err))
			return
		}
		if n == 0 {
			a.metrics.UpdatesDropped.Inc()
			a.logger.Debug("no subscribers, dropping update",
				zap.String("topic", topic),
				zap.Int("added", len(ev.Added)),
				zap.Int("removed", len(ev.Removed)))
			return
		}
	}

	u := bus.Update{
		Site:    topic,
		Seq:     a.seq.Add(1),
		Added:   ev.Added,
		Removed: ev.Removed,
		SentAt:  time.Now().UTC(),
	}
	if err := a.bus.Publish(ctx, topic, u); err != nil {
		a.logger.Warn("update publish failed",
			zap.String("topic", topic),
			zap.Uint64("seq", u.Seq),
			zap.Error(err))
		return
	}
	a.metrics.UpdatesPublished.Inc()
}
