package cache_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/chat-stream-kit/internal/cache"
	"github.com/MegaGrindStone/chat-stream-kit/internal/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type managerFixture struct {
	store   kv.Store
	coord   *cache.Coordinator
	bus     *cache.Bus
	manager *cache.Manager[string]
}

func newManagerFixture(t *testing.T, fetch cache.FetchFunc[string]) managerFixture {
	t.Helper()

	store := kv.NewMemory()
	coord := cache.NewCoordinator()
	bus := cache.NewBus()
	manager := cache.NewManager(cache.ManagerConfig[string]{
		Category:         "profile",
		Store:            store,
		TTL:              time.Minute,
		RefreshThreshold: 15 * time.Second,
		Coordinator:      coord,
		Bus:              bus,
		Logger:           discardLogger(),
		Fetch:            fetch,
	})
	return managerFixture{store: store, coord: coord, bus: bus, manager: manager}
}

// seedAged plants a cache entry whose timestamp is offset into the past, so tests can place a
// value on either side of the refresh threshold and the TTL.
func seedAged(t *testing.T, store kv.Store, category, key, value string, age time.Duration, ttl time.Duration) {
	t.Helper()

	raw, err := json.Marshal(value)
	require.NoError(t, err)
	data, err := json.Marshal(kv.Entry{
		Value:     raw,
		Timestamp: time.Now().Add(-age),
		TTLMs:     ttl.Milliseconds(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Set("cache:"+category+":"+key, data))
}

// awaitPublish subscribes to category and returns a wait function that blocks until the next
// publish or fails the test.
func awaitPublish(t *testing.T, bus *cache.Bus, category string) func() {
	t.Helper()

	published := make(chan struct{}, 8)
	unsubscribe := bus.Subscribe(category, func(string) {
		published <- struct{}{}
	})
	t.Cleanup(unsubscribe)

	return func() {
		select {
		case <-published:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for cache publish")
		}
	}
}

func TestManagerGetMissTriggersBackgroundRefresh(t *testing.T) {
	fetched := atomic.Int32{}
	fx := newManagerFixture(t, func(context.Context, string) (string, error) {
		fetched.Add(1)
		return "from-backend", nil
	})
	wait := awaitPublish(t, fx.bus, "profile")

	_, ok := fx.manager.Get(context.Background(), "u1")
	require.False(t, ok, "a miss returns nothing immediately")

	wait()
	got, ok := fx.manager.Get(context.Background(), "u1")
	require.True(t, ok)
	require.Equal(t, "from-backend", got)
	require.Equal(t, int32(1), fetched.Load())
}

func TestManagerGetFreshIsPureCacheHit(t *testing.T) {
	fetched := atomic.Int32{}
	fx := newManagerFixture(t, func(context.Context, string) (string, error) {
		fetched.Add(1)
		return "from-backend", nil
	})

	fx.manager.Set("u1", "cached")

	got, ok := fx.manager.Get(context.Background(), "u1")
	require.True(t, ok)
	require.Equal(t, "cached", got)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), fetched.Load(), "a fresh read must not touch the backend")
}

func TestManagerGetStaleServesOldValueAndRefreshes(t *testing.T) {
	fx := newManagerFixture(t, func(context.Context, string) (string, error) {
		return "revalidated", nil
	})
	wait := awaitPublish(t, fx.bus, "profile")

	// Past the 15s refresh threshold, inside the 1m TTL.
	seedAged(t, fx.store, "profile", "u1", "stale-but-usable", 30*time.Second, time.Minute)

	got, ok := fx.manager.Get(context.Background(), "u1")
	require.True(t, ok)
	require.Equal(t, "stale-but-usable", got, "the stale value is served immediately")

	wait()
	got, ok = fx.manager.Get(context.Background(), "u1")
	require.True(t, ok)
	require.Equal(t, "revalidated", got)
}

func TestManagerExpiredEntryIsAMiss(t *testing.T) {
	fx := newManagerFixture(t, nil)

	seedAged(t, fx.store, "profile", "u1", "ancient", 2*time.Minute, time.Minute)

	_, ok := fx.manager.Get(context.Background(), "u1")
	require.False(t, ok)
}

func TestManagerWithoutFetchNeverRefreshes(t *testing.T) {
	fx := newManagerFixture(t, nil)

	_, ok := fx.manager.Get(context.Background(), "u1")
	require.False(t, ok)

	fx.manager.Set("u1", "local")
	got, ok := fx.manager.Get(context.Background(), "u1")
	require.True(t, ok)
	require.Equal(t, "local", got)
}

func TestManagerSetSupersedesInFlightRefresh(t *testing.T) {
	fetchStarted := make(chan struct{})
	releaseFetch := make(chan struct{})
	fx := newManagerFixture(t, func(context.Context, string) (string, error) {
		close(fetchStarted)
		<-releaseFetch
		return "remote-stale", nil
	})

	refreshDone := make(chan error, 1)
	go func() {
		_, err := fx.manager.Refresh(context.Background(), "u1")
		refreshDone <- err
	}()

	<-fetchStarted
	fx.manager.Set("u1", "local-write")
	close(releaseFetch)
	require.NoError(t, <-refreshDone)

	got, ok := fx.manager.Get(context.Background(), "u1")
	require.True(t, ok)
	require.Equal(t, "local-write", got, "the local write must beat the fetch that started first")
}

func TestManagerConcurrentRefreshesCollapse(t *testing.T) {
	fetched := atomic.Int32{}
	releaseFetch := make(chan struct{})
	fx := newManagerFixture(t, func(context.Context, string) (string, error) {
		fetched.Add(1)
		<-releaseFetch
		return "once", nil
	})

	done := make(chan struct{}, 2)
	for range 2 {
		go func() {
			_, _ = fx.manager.Refresh(context.Background(), "u1")
			done <- struct{}{}
		}()
	}

	// Give both goroutines time to join the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(releaseFetch)
	<-done
	<-done

	require.Equal(t, int32(1), fetched.Load())
}

func TestManagerInvalidate(t *testing.T) {
	fx := newManagerFixture(t, nil)

	fx.manager.Set("u1", "value")
	fx.manager.Invalidate("u1")

	_, ok := fx.manager.Get(context.Background(), "u1")
	require.False(t, ok)
}

func TestManagerInvalidateAllIsCategoryScoped(t *testing.T) {
	store := kv.NewMemory()
	coord := cache.NewCoordinator()
	bus := cache.NewBus()

	profile := cache.NewManager(cache.ManagerConfig[string]{
		Category: "profile", Store: store, Coordinator: coord, Bus: bus, Logger: discardLogger(),
	})
	messages := cache.NewManager(cache.ManagerConfig[string]{
		Category: "messages", Store: store, Coordinator: coord, Bus: bus, Logger: discardLogger(),
	})

	profile.Set("u1", "me")
	messages.Set("c1", "hello")

	profile.InvalidateAll()

	_, ok := profile.Get(context.Background(), "u1")
	require.False(t, ok)
	got, ok := messages.Get(context.Background(), "c1")
	require.True(t, ok)
	require.Equal(t, "hello", got)
}

func TestManagerMaxEntriesEvictsOldest(t *testing.T) {
	store := kv.NewMemory()
	manager := cache.NewManager(cache.ManagerConfig[string]{
		Category:    "messages",
		Store:       store,
		MaxEntries:  2,
		Coordinator: cache.NewCoordinator(),
		Bus:         cache.NewBus(),
		Logger:      discardLogger(),
	})

	seedAged(t, store, "messages", "old", "v", time.Hour, 0)
	seedAged(t, store, "messages", "mid", "v", time.Minute, 0)
	manager.Set("new", "v")

	_, ok := manager.Get(context.Background(), "old")
	require.False(t, ok, "the oldest entry is evicted once the cap is exceeded")
	_, ok = manager.Get(context.Background(), "mid")
	require.True(t, ok)
	_, ok = manager.Get(context.Background(), "new")
	require.True(t, ok)
}
