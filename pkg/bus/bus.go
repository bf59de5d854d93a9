// Package bus carries content-update announcements between sites that
// federate over the message-bus strategy. Payloads are JSON; delivery is
// at-least-once and consumers are expected to be idempotent.
package bus

import (
	"context"
	"errors"
	"time"

	"syndicate/pkg/types"
)

var (
	// ErrClosed is returned after the bus has been shut down.
	ErrClosed = errors.New("bus: closed")
)

// Update is one batch of content mutations announced by a site.
type Update struct {
	Site    string              `json:"site"`
	Seq     uint64              `json:"seq"`
	Added   []types.ContentItem `json:"added,omitempty"`
	Removed []types.ContentItem `json:"removed,omitempty"`
	SentAt  time.Time           `json:"sent_at"`
}

// Subscription is a live feed of updates on one topic. Updates stays open
// until Close is called or the bus shuts down.
type Subscription interface {
	Updates() <-chan Update
	Close() error
}

// Bus is a topic-addressed update channel between sites. Each site announces
// on its own topic; followers subscribe to the topics of the sites they
// follow.
type Bus interface {
	Publish(ctx context.Context, topic string, u Update) error
	// Subscribe registers presence on the topic and starts the feed. The
	// context only governs setup; the subscription lives until Close.
	Subscribe(ctx context.Context, topic, subscriber string) (Subscription, error)
	// Subscribers reports how many subscribers are currently present.
	Subscribers(ctx context.Context, topic string) (int, error)
	// RequestSubscribers announces that updates are pending and waits up
	// to the given duration for at least one subscriber to appear.
	RequestSubscribers(ctx context.Context, topic string, wait time.Duration) (int, error)
	Close() error
}
