package federation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/bus"
	"syndicate/pkg/store"
)

func recvUpdate(t *testing.T, sub bus.Subscription) bus.Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for update")
		return bus.Update{}
	}
}

// Test that local changes are announced to present subscribers
func TestAnnouncerPublishes(t *testing.T) {
	fabric := store.NewMemoryFabric("alpha@sites.test", zap.NewNop())
	defer fabric.Close()
	b := bus.NewMemoryBus(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "alpha@sites.test", "watcher")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	a := NewAnnouncer(MustParseAddress("alpha@sites.test"), fabric.Local().Content(), b, nil, nil)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	if _, err := fabric.Local().Content().Put(ctx, original("post-1", "/posts/1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	u := recvUpdate(t, sub)
	if u.Site != "alpha@sites.test" || u.Seq != 1 {
		t.Errorf("Unexpected update header %+v", u)
	}
	if len(u.Added) != 1 || u.Added[0].ID != "post-1" {
		t.Errorf("Unexpected update payload %+v", u)
	}
	if u.SentAt.IsZero() {
		t.Error("Expected a send timestamp")
	}

	if err := fabric.Local().Content().Delete(ctx, "post-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	u = recvUpdate(t, sub)
	if len(u.Removed) != 1 || u.Removed[0].ID != "post-1" || u.Seq != 2 {
		t.Errorf("Expected removal update, got %+v", u)
	}
}

// Test that updates with no audience are dropped, not queued
func TestAnnouncerDropsWithoutSubscribers(t *testing.T) {
	fabric := store.NewMemoryFabric("alpha@sites.test", zap.NewNop())
	defer fabric.Close()
	b := bus.NewMemoryBus(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	a := NewAnnouncer(MustParseAddress("alpha@sites.test"), fabric.Local().Content(), b, nil, nil)
	a.SetDiscoveryWait(time.Millisecond)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	if _, err := fabric.Local().Content().Put(ctx, original("unheard", "/u/1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Give the discovery wait (and its poll overshoot) time to give up.
	time.Sleep(400 * time.Millisecond)

	sub, err := b.Subscribe(ctx, "alpha@sites.test", "late")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := fabric.Local().Content().Put(ctx, original("heard", "/h/1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	u := recvUpdate(t, sub)
	if len(u.Added) != 1 || u.Added[0].ID != "heard" {
		t.Fatalf("Expected only the second update, got %+v", u)
	}
	if u.Seq != 1 {
		t.Errorf("Expected dropped update to not consume a sequence number, got %d", u.Seq)
	}
}

// Test that discovery holds the publish until a subscriber shows up
func TestAnnouncerDiscoveryFindsLateSubscriber(t *testing.T) {
	fabric := store.NewMemoryFabric("alpha@sites.test", zap.NewNop())
	defer fabric.Close()
	b := bus.NewMemoryBus(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	a := NewAnnouncer(MustParseAddress("alpha@sites.test"), fabric.Local().Content(), b, nil, nil)
	a.SetDiscoveryWait(2 * time.Second)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	if _, err := fabric.Local().Content().Put(ctx, original("post-1", "/posts/1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Subscribe while the announcer is inside its discovery wait.
	time.Sleep(50 * time.Millisecond)
	sub, err := b.Subscribe(ctx, "alpha@sites.test", "late")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	u := recvUpdate(t, sub)
	if len(u.Added) != 1 || u.Added[0].ID != "post-1" {
		t.Fatalf("Expected the held update, got %+v", u)
	}
}

// Test announcer lifecycle guards
func TestAnnouncerLifecycle(t *testing.T) {
	fabric := store.NewMemoryFabric("alpha@sites.test", zap.NewNop())
	defer fabric.Close()
	b := bus.NewMemoryBus(zap.NewNop())
	defer b.Close()

	a := NewAnnouncer(MustParseAddress("alpha@sites.test"), fabric.Local().Content(), b, nil, nil)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.Start(); err == nil {
		t.Error("Expected second Start to fail")
	}
	a.Stop()
	a.Stop()
}
