package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// SessionStatus describes where a follow-edge session is in its lifecycle.
type SessionStatus int

const (
	StatusConnecting SessionStatus = iota
	StatusActive
	StatusDegraded
	StatusReconnecting
	StatusFailed
)

func (s SessionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusDegraded:
		return "degraded"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is a point-in-time snapshot of one edge session.
type Session struct {
	EdgeID            types.EdgeID  `json:"edge_id"`
	Target            string        `json:"target"`
	Status            SessionStatus `json:"status"`
	LastActivity      time.Time     `json:"last_activity"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
}

// SessionSettings tunes session establishment and health monitoring.
type SessionSettings struct {
	// ConnectTimeout bounds the first connection attempt. Each further
	// attempt halves the previous timeout, down to one second.
	ConnectTimeout time.Duration
	// ConnectAttempts caps attempts per establishment round before the
	// session is marked failed.
	ConnectAttempts int
	// BackgroundRetry is the interval between establishment rounds once
	// a session has failed.
	BackgroundRetry time.Duration
	// IdleThreshold is how long an active session may go without
	// deliveries before it is considered degraded.
	IdleThreshold time.Duration
	// HealthInterval is how often idle checks run.
	HealthInterval time.Duration
	// Retry spaces out attempts within an establishment round.
	Retry RetryPolicy
}

func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 5,
		BackgroundRetry: 30 * time.Second,
		IdleThreshold:   5 * time.Minute,
		HealthInterval:  30 * time.Second,
		Retry:           DefaultRetryPolicy(),
	}
}

func (s SessionSettings) normalized() SessionSettings {
	def := DefaultSessionSettings()
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = def.ConnectTimeout
	}
	if s.ConnectAttempts <= 0 {
		s.ConnectAttempts = def.ConnectAttempts
	}
	if s.BackgroundRetry <= 0 {
		s.BackgroundRetry = def.BackgroundRetry
	}
	if s.IdleThreshold <= 0 {
		s.IdleThreshold = def.IdleThreshold
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = def.HealthInterval
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry = def.Retry
	}
	return s
}

type session struct {
	edge   types.FollowEdge
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	status       SessionStatus
	lastActivity time.Time
	attempts     int
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		EdgeID:            s.edge.ID,
		Target:            s.edge.Target,
		Status:            s.status,
		LastActivity:      s.lastActivity,
		ReconnectAttempts: s.attempts,
	}
}

// SessionManager runs one session per follow edge: it connects through the
// configured driver, feeds deliveries to the reconciler, watches for idle
// streams, and reconnects with backoff when a stream dies.
type SessionManager struct {
	local      Address
	fabric     store.Fabric
	driver     Driver
	reconciler *Reconciler
	graph      *Graph
	settings   SessionSettings
	logger     *zap.Logger
	metrics    *Metrics

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[types.EdgeID]*session
	wg       sync.WaitGroup
	closed   bool
}

func NewSessionManager(local Address, fabric store.Fabric, driver Driver, reconciler *Reconciler, graph *Graph, settings SessionSettings, logger *zap.Logger, metrics *Metrics) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		local:      local,
		fabric:     fabric,
		driver:     driver,
		reconciler: reconciler,
		graph:      graph,
		settings:   settings.normalized(),
		logger:     logger,
		metrics:    metrics,
		rootCtx:    ctx,
		rootCancel: cancel,
		sessions:   make(map[types.EdgeID]*session),
	}
}

// StartEdge launches a session for the edge. Starting an edge that already
// has a session is a no-op.
func (m *SessionManager) StartEdge(edge types.FollowEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("session manager closed")
	}
	if _, ok := m.sessions[edge.ID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(m.rootCtx)
	s := &session{
		edge:   edge,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusConnecting,
	}
	m.sessions[edge.ID] = s
	m.metrics.SessionsByStatus.WithLabelValues(StatusConnecting.String()).Inc()

	m.wg.Add(1)
	go m.run(ctx, s)

	m.logger.Info("session started",
		zap.String("edge", string(edge.ID)),
		zap.String("target", edge.Target))
	return nil
}

// StopEdge tears down the session for the edge and waits for its loop to
// exit. Stopping an edge with no session is a no-op.
func (m *SessionManager) StopEdge(edgeID types.EdgeID) error {
	m.mu.Lock()
	s, ok := m.sessions[edgeID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.cancel()
	<-s.done

	m.mu.Lock()
	delete(m.sessions, edgeID)
	m.mu.Unlock()

	m.logger.Info("session stopped", zap.String("edge", string(edgeID)))
	return nil
}

// Sessions returns snapshots of all live sessions, ordered by target.
func (m *SessionManager) Sessions() []Session {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Session returns the snapshot for one edge.
func (m *SessionManager) Session(edgeID types.EdgeID) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[edgeID]
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Shutdown stops every session and waits for their loops, bounded by ctx.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

func (m *SessionManager) run(ctx context.Context, s *session) {
	defer m.wg.Done()
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		last := s.status
		s.mu.Unlock()
		m.metrics.SessionsByStatus.WithLabelValues(last.String()).Dec()
	}()

	for {
		feed, err := m.establish(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.transition(s, StatusFailed)
			m.logger.Warn("session failed, retrying in background",
				zap.String("target", s.edge.Target),
				zap.Duration("retry", m.settings.BackgroundRetry),
				zap.Error(err))
			if sleepCtx(ctx, m.settings.BackgroundRetry) != nil {
				return
			}
			continue
		}

		m.transition(s, StatusActive)
		m.markActivity(s)
		m.initialSync(ctx, s)

		m.consume(ctx, s, feed)
		feed.Close()
		if ctx.Err() != nil {
			return
		}

		m.transition(s, StatusReconnecting)
		m.metrics.SessionReconnects.Inc()
		m.logger.Info("session reconnecting", zap.String("target", s.edge.Target))
	}
}

// establish runs one round of connection attempts. Timeouts shrink by half
// per attempt so a wedged target cannot pin the round open.
func (m *SessionManager) establish(ctx context.Context, s *session) (Feed, error) {
	timeout := m.settings.ConnectTimeout
	var lastErr error

	for attempt := 0; attempt < m.settings.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.metrics.ConnectionAttempts.Inc()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		feed, err := m.driver.Connect(attemptCtx, s.edge)
		cancel()
		if err == nil {
			return feed, nil
		}
		lastErr = err

		m.metrics.ConnectionFailures.Inc()
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		m.logger.Warn("connect attempt failed",
			zap.String("target", s.edge.Target),
			zap.Int("attempt", attempt+1),
			zap.Duration("timeout", timeout),
			zap.Error(err))

		if timeout > time.Second {
			timeout /= 2
			if timeout < time.Second {
				timeout = time.Second
			}
		}
		if attempt < m.settings.ConnectAttempts-1 {
			if err := sleepCtx(ctx, m.settings.Retry.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("connect %s: %w", s.edge.Target, lastErr)
}

// initialSync pulls the target's current head once so the session starts
// from a complete picture. Failures are tolerated; the stream and later
// rounds close any gap.
func (m *SessionManager) initialSync(ctx context.Context, s *session) {
	items, err := m.fabric.FetchHead(ctx, s.edge.Target)
	if err != nil {
		m.logger.Warn("initial sync failed",
			zap.String("target", s.edge.Target),
			zap.Error(err))
		return
	}
	res, err := m.reconciler.Reconcile(ctx, s.edge, Delivery{Added: items})
	if err != nil {
		return
	}
	m.recordHops(ctx, s, res.RelayedOrigins)
	m.logger.Debug("initial sync complete",
		zap.String("target", s.edge.Target),
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped))
}

// consume applies stream deliveries until the feed dies, the session goes
// idle past recovery, or ctx ends.
func (m *SessionManager) consume(ctx context.Context, s *session, feed Feed) {
	health := time.NewTicker(m.settings.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-feed.Deliveries():
			if !ok {
				m.logger.Debug("stream ended", zap.String("target", s.edge.Target))
				return
			}
			m.metrics.DeliveriesTotal.WithLabelValues(m.driver.Name()).Inc()
			res, err := m.reconciler.Reconcile(ctx, s.edge, d)
			if err != nil {
				return
			}
			m.markActivity(s)
			m.recordHops(ctx, s, res.RelayedOrigins)

		case <-health.C:
			s.mu.Lock()
			status := s.status
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()

			switch {
			case status == StatusActive && idle >= m.settings.IdleThreshold:
				m.transition(s, StatusDegraded)
				m.logger.Warn("session degraded",
					zap.String("target", s.edge.Target),
					zap.Duration("idle", idle))
			case status == StatusDegraded && idle >= m.settings.IdleThreshold:
				// Still nothing after another interval; rebuild the
				// stream rather than trust a silent one.
				return
			}
		}
	}
}

// markActivity records a live delivery: reconnect attempts reset and a
// degraded session is considered recovered.
func (m *SessionManager) markActivity(s *session) {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.attempts = 0
	revive := s.status == StatusDegraded || s.status == StatusReconnecting
	s.mu.Unlock()

	if revive {
		m.transition(s, StatusActive)
		m.logger.Info("session recovered", zap.String("target", s.edge.Target))
	}
}

func (m *SessionManager) recordHops(ctx context.Context, s *session, origins []string) {
	for _, origin := range origins {
		if err := m.graph.RecordHop(ctx, s.edge.ID, origin); err != nil {
			m.logger.Warn("hop record failed",
				zap.String("edge", string(s.edge.ID)),
				zap.String("origin", origin),
				zap.Error(err))
		}
	}
}

func (m *SessionManager) transition(s *session, to SessionStatus) {
	s.mu.Lock()
	from := s.status
	if from == to {
		s.mu.Unlock()
		return
	}
	s.status = to
	s.mu.Unlock()

	m.metrics.SessionsByStatus.WithLabelValues(from.String()).Dec()
	m.metrics.SessionsByStatus.WithLabelValues(to.String()).Inc()
}
