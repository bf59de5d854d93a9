package federation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"syndicate/pkg/bus"
	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

const gaugeRefreshInterval = 15 * time.Second

// Options configures a Service.
type Options struct {
	// Local is this site's federated address.
	Local Address
	// DisplayName labels this site's content in indexes it writes to.
	DisplayName string
	// Strategy names the transport used to follow other sites. Defaults
	// to realtime.
	Strategy string
	// Fabric provides local persistence and access to followed sites.
	Fabric store.Fabric
	// Bus is required for the bus strategy. When set, the site also
	// announces its own changes on its topic.
	Bus bus.Bus
	// Registry receives federation metrics; nil disables export.
	Registry prometheus.Registerer
	// Sessions tunes edge session behavior. Zero fields take defaults.
	Sessions SessionSettings
	// ReconcileBatch overrides the reconcile batch size when positive.
	ReconcileBatch int

	Logger *zap.Logger
}

// Service composes the follow graph, reconciler, session manager, index,
// and announcer behind one lifecycle.
type Service struct {
	local       Address
	displayName string
	strategy    string
	fabric      store.Fabric
	logger      *zap.Logger
	metrics     *Metrics

	graph      *Graph
	authorizer *FollowAuthorizer
	index      *Index
	reconciler *Reconciler
	driver     Driver
	sessions   *SessionManager
	announcer  *Announcer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(opts Options) (*Service, error) {
	if err := opts.Local.Validate(); err != nil {
		return nil, fmt.Errorf("service local address: %w", err)
	}
	if opts.Fabric == nil {
		return nil, fmt.Errorf("service requires a store fabric")
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRealtime
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NopMetrics()
	if opts.Registry != nil {
		metrics = NewMetrics(opts.Registry)
	}

	site := opts.Fabric.Local()
	graph := NewGraph(opts.Local, site.Follows(), logger)
	authorizer := NewFollowAuthorizer(opts.Local.String(), graph, logger)
	index := NewIndex(opts.Local.String(), site.Index(), authorizer, logger)
	reconciler := NewReconciler(opts.Local, site.Content(), index, logger, metrics)
	if opts.ReconcileBatch > 0 {
		reconciler.SetBatchSize(opts.ReconcileBatch)
	}

	driver, err := NewDriver(opts.Strategy, DriverDeps{
		Local:  opts.Local,
		Fabric: opts.Fabric,
		Bus:    opts.Bus,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	sessions := NewSessionManager(opts.Local, opts.Fabric, driver, reconciler, graph, opts.Sessions, logger, metrics)

	var announcer *Announcer
	if opts.Bus != nil {
		announcer = NewAnnouncer(opts.Local, site.Content(), opts.Bus, logger, metrics)
	}

	return &Service{
		local:       opts.Local,
		displayName: opts.DisplayName,
		strategy:    opts.Strategy,
		fabric:      opts.Fabric,
		logger:      logger,
		metrics:     metrics,
		graph:       graph,
		authorizer:  authorizer,
		index:       index,
		reconciler:  reconciler,
		driver:      driver,
		sessions:    sessions,
		announcer:   announcer,
	}, nil
}

// Start resumes sessions for every persisted follow edge and begins
// announcing local changes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("service already started")
	}

	edges, err := s.graph.List(ctx)
	if err != nil {
		return fmt.Errorf("resume follow edges: %w", err)
	}
	for _, edge := range edges {
		if err := s.sessions.StartEdge(edge); err != nil {
			return fmt.Errorf("resume edge %s: %w", edge.ID, err)
		}
	}

	if s.announcer != nil {
		if err := s.announcer.Start(); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.refreshGauges(loopCtx)

	s.started = true
	s.logger.Info("federation service started",
		zap.String("site", s.local.String()),
		zap.String("strategy", s.strategy),
		zap.Int("edges", len(edges)))
	return nil
}

// Stop tears subsystems down in reverse order of Start. The fabric and bus
// stay open; they belong to the caller.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if s.announcer != nil {
		s.announcer.Stop()
	}
	if err := s.sessions.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("federation service stopped", zap.String("site", s.local.String()))
	return nil
}

// AddFollowEdge follows a target site and starts its session.
func (s *Service) AddFollowEdge(ctx context.Context, target, displayName string, recursive bool) (types.FollowEdge, error) {
	edge, err := s.graph.Add(ctx, target, displayName, recursive)
	if err != nil {
		return types.FollowEdge{}, err
	}
	s.authorizer.Invalidate()

	if err := s.sessions.StartEdge(edge); err != nil {
		return edge, err
	}
	return edge, nil
}

// RemoveFollowEdge stops the edge's session and removes the edge. Unknown
// edges report ErrEdgeNotFound; repeating a removal is otherwise harmless.
func (s *Service) RemoveFollowEdge(ctx context.Context, id types.EdgeID) error {
	if err := s.sessions.StopEdge(id); err != nil {
		return err
	}
	if err := s.graph.Remove(ctx, id); err != nil {
		return err
	}
	s.authorizer.Invalidate()
	return nil
}

// GetFollowEdge returns one follow edge.
func (s *Service) GetFollowEdge(ctx context.Context, id types.EdgeID) (types.FollowEdge, error) {
	return s.graph.Get(ctx, id)
}

// ListFollowEdges returns all follow edges, oldest first.
func (s *Service) ListFollowEdges(ctx context.Context) ([]types.FollowEdge, error) {
	return s.graph.List(ctx)
}

// Sessions snapshots all live edge sessions.
func (s *Service) Sessions() []Session {
	return s.sessions.Sessions()
}

// Session snapshots one edge session.
func (s *Service) Session(id types.EdgeID) (Session, bool) {
	return s.sessions.Session(id)
}

// Index exposes the federation index query surface.
func (s *Service) Index() *Index {
	return s.index
}

// QueryIndex evaluates a composite index query.
func (s *Service) QueryIndex(ctx context.Context, q IndexQuery) []types.IndexEntry {
	return s.index.Query(ctx, q)
}

// IndexStats summarizes the federation index.
func (s *Service) IndexStats(ctx context.Context) types.IndexStats {
	return s.index.Stats(ctx)
}

// Feature marks an index entry featured until the given time as the site
// owner. A nil until never expires.
func (s *Service) Feature(ctx context.Context, id string, until *time.Time) error {
	return s.index.SetFeatured(ctx, s.local.String(), id, until)
}

// Promote marks an index entry promoted until the given time as the site
// owner. A nil until never expires.
func (s *Service) Promote(ctx context.Context, id string, until *time.Time) error {
	return s.index.SetPromoted(ctx, s.local.String(), id, until)
}

// PublishContent stores an original item on the local site and indexes it.
// A missing ID or creation time is filled in.
func (s *Service) PublishContent(ctx context.Context, item types.ContentItem) (types.ContentItem, error) {
	if item.ID == "" {
		item.ID = types.ContentID(uuid.New().String())
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.FederatedFrom = ""
	item.FederatedAt = time.Time{}
	item.FederatedRealtime = false

	if _, err := s.fabric.Local().Content().Put(ctx, item); err != nil {
		return types.ContentItem{}, fmt.Errorf("publish %s: %w", item.ID, err)
	}

	owner := s.local.String()
	entry := NewIndexEntry(item, owner, s.displayName)
	if err := s.index.Upsert(ctx, owner, entry); err != nil {
		s.logger.Warn("own content not indexed",
			zap.String("content", string(item.ID)),
			zap.Error(err))
	}
	return item, nil
}

// RetractContent removes a local item and its index entry. Retracting an
// unknown item is a no-op.
func (s *Service) RetractContent(ctx context.Context, id types.ContentID) error {
	content := s.fabric.Local().Content()

	item, err := content.Get(ctx, id)
	if err != nil {
		if errorIsNotFound(err) {
			return nil
		}
		return fmt.Errorf("retract %s: %w", id, err)
	}
	if err := content.Delete(ctx, id); err != nil {
		return fmt.Errorf("retract %s: %w", id, err)
	}

	owner := s.local.String()
	if err := s.index.Remove(ctx, owner, EntryID(owner, item.ContentLocator)); err != nil {
		s.logger.Warn("index entry not removed",
			zap.String("content", string(id)),
			zap.Error(err))
	}
	return nil
}

func (s *Service) refreshGauges(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateGauges(ctx)
		}
	}
}

func (s *Service) updateGauges(ctx context.Context) {
	if edges, err := s.graph.List(ctx); err == nil {
		s.metrics.FollowEdges.Set(float64(len(edges)))
	}
	s.metrics.IndexEntriesTotal.Set(float64(s.index.Stats(ctx).TotalEntries))
}
