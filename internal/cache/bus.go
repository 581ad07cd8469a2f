package cache

import "sync"

// Bus is a minimal in-process publish/subscribe channel keyed by resource category. Cache
// managers publish on it after every committed write or invalidation, so unrelated consumers
// of the same underlying identity converge without polling. Handlers run synchronously on the
// publisher's goroutine and should return quickly.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(key string)
}

// NewBus creates a Bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func(key string))}
}

// Subscribe registers fn for every publish on category and returns a function that removes
// the subscription.
func (b *Bus) Subscribe(category string, fn func(key string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[category] == nil {
		b.subs[category] = make(map[int]func(key string))
	}
	id := b.next
	b.next++
	b.subs[category][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[category], id)
	}
}

// Publish notifies every subscriber of category that the resource under key changed. An empty
// key means the whole category changed.
func (b *Bus) Publish(category, key string) {
	b.mu.Lock()
	fns := make([]func(string), 0, len(b.subs[category]))
	for _, fn := range b.subs[category] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}
