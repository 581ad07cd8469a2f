package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MegaGrindStone/chat-stream-kit/internal/kv"
)

// FetchFunc loads the authoritative value for a key from the backend. Managers without a
// fetcher (locally owned data such as the active conversation's messages) never refresh on
// their own; they only serve explicit writes.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// ManagerConfig configures a Manager. Category names the entity ("profile", "messages", ...)
// and prefixes every KV key; TTL is the hard expiry; RefreshThreshold is the age past which a
// read triggers a background refresh, and should be well below TTL so most reads stay
// pure-cache; MaxEntries bounds how many keys the category may hold, zero meaning unbounded.
type ManagerConfig[T any] struct {
	Category         string
	Store            kv.Store
	TTL              time.Duration
	RefreshThreshold time.Duration
	MaxEntries       int
	Fetch            FetchFunc[T]
	Coordinator      *Coordinator
	Bus              *Bus
	Logger           *slog.Logger
}

// Manager is the stale-while-revalidate cache for one entity category. A read always returns
// the cached value immediately when present, and refreshes in the background once the value's
// age crosses the threshold. All writes go through the Coordinator, so a refresh that was
// superseded while in flight is dropped instead of clobbering newer state.
type Manager[T any] struct {
	category         string
	store            kv.Store
	ttl              time.Duration
	refreshThreshold time.Duration
	maxEntries       int
	fetch            FetchFunc[T]
	coord            *Coordinator
	bus              *Bus

	group singleflight.Group

	logger *slog.Logger
}

// NewManager creates a Manager from cfg.
func NewManager[T any](cfg ManagerConfig[T]) *Manager[T] {
	return &Manager[T]{
		category:         cfg.Category,
		store:            cfg.Store,
		ttl:              cfg.TTL,
		refreshThreshold: cfg.RefreshThreshold,
		maxEntries:       cfg.MaxEntries,
		fetch:            cfg.Fetch,
		coord:            cfg.Coordinator,
		bus:              cfg.Bus,
		logger:           cfg.Logger.With(slog.String("module", "cache"), slog.String("category", cfg.Category)),
	}
}

// Get returns the cached value for key, reporting whether one was present. A present value
// past the refresh threshold, or an absent one, kicks off a background refresh; the caller
// hears about its outcome through the Bus rather than this call.
func (m *Manager[T]) Get(ctx context.Context, key string) (T, bool) {
	value, age, ok, err := kv.Get[T](m.store, m.storeKey(key))
	if err != nil {
		m.logger.Error("Failed to read cache", slog.String("key", key), slog.String("err", err.Error()))
	}

	if m.fetch != nil && (!ok || age > m.refreshThreshold) {
		go func() {
			// The refresh outlives the read that triggered it.
			if _, err := m.Refresh(context.WithoutCancel(ctx), key); err != nil {
				m.logger.Debug("Background refresh failed",
					slog.String("key", key),
					slog.String("err", err.Error()),
				)
			}
		}()
	}

	return value, ok
}

// Refresh synchronously fetches the authoritative value for key and commits it unless a newer
// fetch or write for the same key started in the meantime. Concurrent refreshes of the same
// key are collapsed into one backend call.
func (m *Manager[T]) Refresh(ctx context.Context, key string) (T, error) {
	v, err, _ := m.group.Do(key, func() (any, error) {
		seq := m.coord.Begin(m.resource(key))

		value, err := m.fetch(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s %q: %w", m.category, key, err)
		}

		committed := m.coord.Commit(m.resource(key), seq, func() {
			m.write(key, value)
		})
		if committed {
			m.bus.Publish(m.category, key)
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	value, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected cached type for %s %q", m.category, key)
	}
	return value, nil
}

// Set stores value for key directly, superseding every fetch currently in flight for it. This
// is the path for locally produced state: optimistic user messages and finalized assistant
// messages must win over any refresh that started before them.
func (m *Manager[T]) Set(key string, value T) {
	seq := m.coord.Begin(m.resource(key))
	m.coord.Commit(m.resource(key), seq, func() {
		m.write(key, value)
	})
	m.bus.Publish(m.category, key)
}

// Invalidate removes key and supersedes its in-flight fetches. Subscribers are notified so
// they can re-read.
func (m *Manager[T]) Invalidate(key string) {
	m.coord.Begin(m.resource(key))
	if err := m.store.Delete(m.storeKey(key)); err != nil {
		m.logger.Error("Failed to invalidate", slog.String("key", key), slog.String("err", err.Error()))
	}
	m.bus.Publish(m.category, key)
}

// InvalidateAll removes every entry in the category.
func (m *Manager[T]) InvalidateAll() {
	keys, err := m.store.Keys(m.prefix())
	if err != nil {
		m.logger.Error("Failed to list cache keys", slog.String("err", err.Error()))
		return
	}
	for _, sk := range keys {
		key := sk[len(m.prefix()):]
		m.coord.Begin(m.resource(key))
		if err := m.store.Delete(sk); err != nil {
			m.logger.Error("Failed to invalidate", slog.String("key", key), slog.String("err", err.Error()))
		}
	}
	m.bus.Publish(m.category, "")
}

func (m *Manager[T]) write(key string, value T) {
	if err := kv.Put(m.store, m.storeKey(key), value, m.ttl); err != nil {
		m.logger.Error("Failed to write cache", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	if err := kv.Trim(m.store, m.prefix(), m.maxEntries); err != nil {
		m.logger.Error("Failed to trim cache", slog.String("err", err.Error()))
	}
}

func (m *Manager[T]) prefix() string {
	return "cache:" + m.category + ":"
}

func (m *Manager[T]) storeKey(key string) string {
	return m.prefix() + key
}

// resource is the Coordinator key: category-qualified so "profile:u1" and "messages:u1" never
// collide.
func (m *Manager[T]) resource(key string) string {
	return m.category + ":" + key
}
