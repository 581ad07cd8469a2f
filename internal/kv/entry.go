package kv

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Entry is the stored envelope wrapped around every cached value. An entry is valid iff
// now - Timestamp < TTL; an expired entry is treated as absent and evicted on the next read.
// A zero or negative TTL means the entry never expires by age.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	TTLMs     int64           `json:"ttlMs"`
}

// Valid reports whether the entry is still within its TTL at the given time.
func (e Entry) Valid(now time.Time) bool {
	if e.TTLMs <= 0 {
		return true
	}
	return now.Sub(e.Timestamp) < time.Duration(e.TTLMs)*time.Millisecond
}

// Age returns how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Put serializes value into an Entry stamped with the current time and stores it under key.
func Put[T any](s Store, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %q: %w", key, err)
	}
	e := Entry{
		Value:     raw,
		Timestamp: time.Now(),
		TTLMs:     ttl.Milliseconds(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for key %q: %w", key, err)
	}
	return s.Set(key, data)
}

// Get reads the entry under key and unmarshals its value. An expired entry is evicted and
// reported as absent. The returned age tells the caller how stale the value is, which drives
// the cache layer's refresh decision.
func Get[T any](s Store, key string) (value T, age time.Duration, ok bool, err error) {
	var zero T

	data, found, err := s.Get(key)
	if err != nil || !found {
		return zero, 0, false, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// An unreadable entry is useless; drop it so the next write starts clean.
		_ = s.Delete(key)
		return zero, 0, false, nil
	}

	now := time.Now()
	if !e.Valid(now) {
		if err := s.Delete(key); err != nil {
			return zero, 0, false, fmt.Errorf("failed to evict expired key %q: %w", key, err)
		}
		return zero, 0, false, nil
	}

	if err := json.Unmarshal(e.Value, &value); err != nil {
		_ = s.Delete(key)
		return zero, 0, false, nil
	}
	return value, e.Age(now), true, nil
}

// Trim bounds the number of entries under prefix to max, evicting the oldest entries first.
func Trim(s Store, prefix string, max int) error {
	if max <= 0 {
		return nil
	}

	keys, err := s.Keys(prefix)
	if err != nil {
		return err
	}
	if len(keys) <= max {
		return nil
	}

	type aged struct {
		key       string
		timestamp time.Time
	}
	entries := make([]aged, 0, len(keys))
	for _, k := range keys {
		data, found, err := s.Get(k)
		if err != nil || !found {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			// Unreadable entries are evicted ahead of everything else.
			entries = append(entries, aged{key: k})
			continue
		}
		entries = append(entries, aged{key: k, timestamp: e.Timestamp})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})

	for i := 0; i+max < len(entries); i++ {
		if err := s.Delete(entries[i].key); err != nil {
			return fmt.Errorf("failed to evict key %q: %w", entries[i].key, err)
		}
	}
	return nil
}
