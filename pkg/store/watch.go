package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const watchBuffer = 256

// watchHub fans change events out to subscribers without blocking writers.
// A subscriber that falls watchBuffer events behind loses events; consumers
// recover through their initial-sync and historical paths.
type watchHub struct {
	site   string
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan ChangeEvent
	next   int
	closed bool
}

func newWatchHub(site string, logger *zap.Logger) *watchHub {
	return &watchHub{
		site:   site,
		logger: logger,
		subs:   make(map[int]chan ChangeEvent),
	}
}

func (h *watchHub) subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	id := h.next
	h.next++
	ch := make(chan ChangeEvent, watchBuffer)
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}()

	return ch, nil
}

func (h *watchHub) publish(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("watch subscriber lagging, event dropped",
				zap.String("site", h.site),
				zap.Int("subscriber", id))
		}
	}
}

func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
