package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syndicate/pkg/types"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "alpha.example", "beta.example")
	require.NoError(t, err)
	defer sub.Close()

	want := Update{
		Site:   "alpha.example",
		Seq:    1,
		Added:  []types.ContentItem{{ID: "r1", Name: "first"}},
		SentAt: time.Now().UTC(),
	}
	require.NoError(t, b.Publish(ctx, "alpha.example", want))

	select {
	case got := <-sub.Updates():
		assert.Equal(t, want.Seq, got.Seq)
		require.Len(t, got.Added, 1)
		assert.Equal(t, types.ContentID("r1"), got.Added[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestMemoryBusSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	n, err := b.Subscribers(ctx, "alpha.example")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sub1, err := b.Subscribe(ctx, "alpha.example", "beta.example")
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "alpha.example", "gamma.example")
	require.NoError(t, err)

	n, err = b.Subscribers(ctx, "alpha.example")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, sub1.Close())
	require.NoError(t, sub2.Close())

	n, err = b.Subscribers(ctx, "alpha.example")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryBusRequestSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	// Nobody shows up inside the window.
	start := time.Now()
	n, err := b.RequestSubscribers(ctx, "alpha.example", 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	// A subscriber arriving mid-wait is discovered. The deferred bus
	// Close tears the subscription down.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = b.Subscribe(context.Background(), "alpha.example", "beta.example")
	}()
	n, err = b.RequestSubscribers(ctx, "alpha.example", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "alpha.example", "beta.example")
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < updateBuffer*2; i++ {
			_ = b.Publish(ctx, "alpha.example", Update{Site: "alpha.example", Seq: uint64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestMemoryBusCloseClosesFeeds(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "alpha.example", "beta.example")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok, "expected feed to close")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed to close")
	}

	err = b.Publish(ctx, "alpha.example", Update{Site: "alpha.example"})
	assert.ErrorIs(t, err, ErrClosed)
}
