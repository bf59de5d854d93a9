package federation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/types"
)

type scriptFeed struct {
	ch   chan Delivery
	once sync.Once
}

func (f *scriptFeed) Deliveries() <-chan Delivery {
	return f.ch
}

func (f *scriptFeed) Close() error {
	f.once.Do(func() { close(f.ch) })
	return nil
}

// scriptDriver hands out feeds the test controls and can be told to refuse
// connections.
type scriptDriver struct {
	mu       sync.Mutex
	fail     bool
	connects int
	feed     *scriptFeed
}

func (d *scriptDriver) Name() string { return "script" }

func (d *scriptDriver) Connect(ctx context.Context, edge types.FollowEdge) (Feed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.fail {
		return nil, fmt.Errorf("connection refused")
	}
	f := &scriptFeed{ch: make(chan Delivery, 4)}
	d.feed = f
	return f, nil
}

func (d *scriptDriver) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *scriptDriver) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *scriptDriver) deliver(t *testing.T, del Delivery) {
	t.Helper()
	d.mu.Lock()
	f := d.feed
	d.mu.Unlock()
	if f == nil {
		t.Fatal("no feed connected")
	}
	select {
	case f.ch <- del:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery send timed out")
	}
}

func (d *scriptDriver) dropStream() {
	d.mu.Lock()
	f := d.feed
	d.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

// Settings fast enough for tests, with idle detection effectively off.
func fastSettings() SessionSettings {
	return SessionSettings{
		ConnectTimeout:  200 * time.Millisecond,
		ConnectAttempts: 2,
		BackgroundRetry: 25 * time.Millisecond,
		IdleThreshold:   10 * time.Second,
		HealthInterval:  10 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:  2,
			BaseDelay:    time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			JitterFactor: 0,
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForStatus(t *testing.T, m *SessionManager, id types.EdgeID, want SessionStatus) {
	t.Helper()
	waitFor(t, fmt.Sprintf("session status %s", want), func() bool {
		s, ok := m.Session(id)
		return ok && s.Status == want
	})
}

func newSessionManager(t *testing.T, fx *reconcileFixture, drv Driver, settings SessionSettings) *SessionManager {
	t.Helper()
	m := NewSessionManager(fx.local, fx.fabric, drv, fx.rec, fx.graph, settings, zap.NewNop(), NopMetrics())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// Test that a session connects and reports active
func TestSessionBecomesActive(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{}
	m := newSessionManager(t, fx, drv, fastSettings())

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitForStatus(t, m, edge.ID, StatusActive)

	sessions := m.Sessions()
	if len(sessions) != 1 || sessions[0].Target != "beta@sites.test" {
		t.Fatalf("Expected one session for beta, got %+v", sessions)
	}

	if err := m.StopEdge(edge.ID); err != nil {
		t.Fatalf("StopEdge failed: %v", err)
	}
	if len(m.Sessions()) != 0 {
		t.Error("Expected no sessions after stop")
	}
}

// Test that establishment pulls the target's current head
func TestSessionInitialSync(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	beta := fx.fabric.Host("beta@sites.test")
	if _, err := beta.Content().Put(context.Background(), original("pre-1", "/pre/1")); err != nil {
		t.Fatalf("seed beta: %v", err)
	}

	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{}
	m := newSessionManager(t, fx, drv, fastSettings())

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitFor(t, "initial sync import", func() bool {
		_, err := fx.content.Get(context.Background(), "pre-1")
		return err == nil
	})
}

// Test that stream deliveries are reconciled into the local collection
func TestSessionDeliveryImports(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{}
	m := newSessionManager(t, fx, drv, fastSettings())

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitForStatus(t, m, edge.ID, StatusActive)

	drv.deliver(t, Delivery{Added: []types.ContentItem{original("live-1", "/live/1")}})
	waitFor(t, "delivery import", func() bool {
		_, err := fx.content.Get(context.Background(), "live-1")
		return err == nil
	})

	s, _ := m.Session(edge.ID)
	if s.ReconnectAttempts != 0 {
		t.Errorf("Expected attempts reset on activity, got %d", s.ReconnectAttempts)
	}
	if s.LastActivity.IsZero() {
		t.Error("Expected activity timestamp")
	}
}

// Test that a dead stream triggers a reconnect back to active
func TestSessionReconnectsAfterStreamDeath(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{}
	m := newSessionManager(t, fx, drv, fastSettings())

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitForStatus(t, m, edge.ID, StatusActive)

	drv.dropStream()
	waitFor(t, "reconnect", func() bool { return drv.connectCount() >= 2 })
	waitForStatus(t, m, edge.ID, StatusActive)

	// The replacement feed must flow.
	drv.deliver(t, Delivery{Added: []types.ContentItem{original("after-1", "/a/1")}})
	waitFor(t, "post-reconnect import", func() bool {
		_, err := fx.content.Get(context.Background(), "after-1")
		return err == nil
	})
}

// Test the idle path: active, degraded, then recovered by a delivery
func TestSessionDegradedThenRecovers(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{}

	settings := fastSettings()
	settings.IdleThreshold = 50 * time.Millisecond
	settings.HealthInterval = 150 * time.Millisecond
	m := newSessionManager(t, fx, drv, settings)

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitForStatus(t, m, edge.ID, StatusDegraded)

	drv.deliver(t, Delivery{Added: []types.ContentItem{original("wake-1", "/w/1")}})
	waitForStatus(t, m, edge.ID, StatusActive)
}

// Test that a silently dead session eventually rebuilds its stream
func TestSessionIdleForcesReconnect(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{}

	settings := fastSettings()
	settings.IdleThreshold = 20 * time.Millisecond
	settings.HealthInterval = 25 * time.Millisecond
	m := newSessionManager(t, fx, drv, settings)

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitFor(t, "idle-forced reconnect", func() bool { return drv.connectCount() >= 2 })
	waitForStatus(t, m, edge.ID, StatusActive)
}

// Test that exhausted connects mark the session failed and the background
// retry later revives it
func TestSessionFailedRetriesInBackground(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{fail: true}
	m := newSessionManager(t, fx, drv, fastSettings())

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitForStatus(t, m, edge.ID, StatusFailed)

	s, _ := m.Session(edge.ID)
	if s.ReconnectAttempts < 2 {
		t.Errorf("Expected at least 2 recorded attempts, got %d", s.ReconnectAttempts)
	}

	drv.setFail(false)
	waitForStatus(t, m, edge.ID, StatusActive)
}

// Test start/stop idempotence
func TestSessionStartStopIdempotent(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", false)
	drv := &scriptDriver{}
	m := newSessionManager(t, fx, drv, fastSettings())

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("first StartEdge: %v", err)
	}
	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("repeat StartEdge: %v", err)
	}
	if len(m.Sessions()) != 1 {
		t.Fatalf("Expected a single session, got %d", len(m.Sessions()))
	}

	if err := m.StopEdge(edge.ID); err != nil {
		t.Fatalf("first StopEdge: %v", err)
	}
	if err := m.StopEdge(edge.ID); err != nil {
		t.Fatalf("repeat StopEdge: %v", err)
	}
}

// Test that relayed origins land on the edge's follow chain
func TestSessionRecordsRelayedOrigins(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	edge := fx.follow(t, "beta@sites.test", true)
	drv := &scriptDriver{}
	m := newSessionManager(t, fx, drv, fastSettings())

	if err := m.StartEdge(edge); err != nil {
		t.Fatalf("StartEdge failed: %v", err)
	}
	waitForStatus(t, m, edge.ID, StatusActive)

	drv.deliver(t, Delivery{Added: []types.ContentItem{
		relayedFrom("relay-1", "/r/1", "gamma@sites.test"),
	}})
	waitFor(t, "hop recorded", func() bool {
		got, err := fx.graph.Get(context.Background(), edge.ID)
		if err != nil {
			return false
		}
		for _, hop := range got.FollowChain {
			if hop == "gamma@sites.test" {
				return true
			}
		}
		return false
	})
}

// Test manager shutdown with several live sessions
func TestSessionManagerShutdown(t *testing.T) {
	fx := newReconcileFixture(t, "alpha@sites.test")
	drv := &scriptDriver{}
	m := NewSessionManager(fx.local, fx.fabric, drv, fx.rec, fx.graph, fastSettings(), zap.NewNop(), NopMetrics())

	for _, target := range []string{"beta@sites.test", "gamma@sites.test"} {
		edge := fx.follow(t, target, false)
		if err := m.StartEdge(edge); err != nil {
			t.Fatalf("StartEdge %s: %v", target, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := m.StartEdge(types.FollowEdge{ID: "late", Target: "delta@sites.test"}); err == nil {
		t.Error("Expected StartEdge to fail after shutdown")
	}
}
