package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdBusOptions configures the etcd-backed bus.
type EtcdBusOptions struct {
	Endpoints []string
	// Namespace prefixes every key the bus touches. Defaults to
	// "/syndicate".
	Namespace   string
	DialTimeout time.Duration
	// PresenceTTL is the lease TTL in seconds backing subscriber
	// presence keys.
	PresenceTTL int64
	Logger      *zap.Logger
}

// EtcdBus implements Bus on an etcd cluster. Each topic is a single feed key
// whose revisions carry the updates; subscriber presence is a leased key per
// subscriber kept alive for the life of the subscription.
type EtcdBus struct {
	cli    *clientv3.Client
	ns     string
	ttl    int64
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewEtcdBus(opts EtcdBusOptions) (*EtcdBus, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd bus: no endpoints")
	}
	if opts.Namespace == "" {
		opts.Namespace = "/syndicate"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PresenceTTL == 0 {
		opts.PresenceTTL = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd bus: connect: %w", err)
	}

	return &EtcdBus{
		cli:    cli,
		ns:     opts.Namespace,
		ttl:    opts.PresenceTTL,
		logger: opts.Logger,
	}, nil
}

func (b *EtcdBus) feedKey(topic string) string {
	return path.Join(b.ns, "topics", topic, "feed")
}

func (b *EtcdBus) subPrefix(topic string) string {
	return path.Join(b.ns, "topics", topic, "subs") + "/"
}

func (b *EtcdBus) probeKey(topic string) string {
	return path.Join(b.ns, "topics", topic, "probe")
}

func (b *EtcdBus) Publish(ctx context.Context, topic string, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update for %s: %w", topic, err)
	}
	if _, err := b.cli.Put(ctx, b.feedKey(topic), string(data)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *EtcdBus) Subscribe(ctx context.Context, topic, subscriber string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	lease, err := b.cli.Grant(ctx, b.ttl)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s to %s: grant lease: %w", subscriber, topic, err)
	}
	subKey := b.subPrefix(topic) + subscriber
	if _, err := b.cli.Put(ctx, subKey, subscriber, clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("subscribe %s to %s: register presence: %w", subscriber, topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ka, err := b.cli.KeepAlive(subCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s to %s: keepalive: %w", subscriber, topic, err)
	}

	sub := &etcdSubscription{
		bus:     b,
		topic:   topic,
		name:    subscriber,
		lease:   lease.ID,
		cancel:  cancel,
		updates: make(chan Update, updateBuffer),
	}

	go func() {
		// The keepalive channel must be drained or the lease expires.
		for range ka {
		}
	}()
	go sub.watch(subCtx)

	return sub, nil
}

func (b *EtcdBus) Subscribers(ctx context.Context, topic string) (int, error) {
	resp, err := b.cli.Get(ctx, b.subPrefix(topic), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, fmt.Errorf("count subscribers on %s: %w", topic, err)
	}
	return int(resp.Count), nil
}

func (b *EtcdBus) RequestSubscribers(ctx context.Context, topic string, wait time.Duration) (int, error) {
	if _, err := b.cli.Put(ctx, b.probeKey(topic), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return 0, fmt.Errorf("request subscribers on %s: %w", topic, err)
	}

	deadline := time.Now().Add(wait)
	for {
		n, err := b.Subscribers(ctx, topic)
		if err != nil || n > 0 {
			return n, err
		}
		if time.Now().After(deadline) {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *EtcdBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.cli.Close()
}

type etcdSubscription struct {
	bus    *EtcdBus
	topic  string
	name   string
	lease  clientv3.LeaseID
	cancel context.CancelFunc

	closeOnce sync.Once
	updates   chan Update
}

func (s *etcdSubscription) Updates() <-chan Update {
	return s.updates
}

func (s *etcdSubscription) watch(ctx context.Context) {
	defer close(s.updates)

	wch := s.bus.cli.Watch(ctx, s.bus.feedKey(s.topic))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			s.bus.logger.Warn("bus watch error",
				zap.String("topic", s.topic),
				zap.Error(err))
			return
		}
		for _, ev := range wresp.Events {
			if ev.Type != mvccpb.PUT {
				continue
			}
			var u Update
			if err := json.Unmarshal(ev.Kv.Value, &u); err != nil {
				// One undecodable message never takes the
				// subscription down.
				s.bus.logger.Warn("dropping undecodable bus update",
					zap.String("topic", s.topic),
					zap.Error(err))
				continue
			}
			select {
			case s.updates <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *etcdSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.bus.cli.Revoke(ctx, s.lease); err != nil {
			s.bus.logger.Debug("revoke subscription lease",
				zap.String("topic", s.topic),
				zap.Error(err))
		}
	})
	return nil
}
