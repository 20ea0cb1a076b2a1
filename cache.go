package fdbus

import (
	"bytes"
	"sync"
)

// cacheEntry is the last-published payload for one (code, topic), plus a
// force-update flag carried from the most recent publish (spec §3 "Event
// cache entry").
type cacheEntry struct {
	payload     []byte
	forceUpdate bool
}

// EventCache is the per-server endpoint last-value cache of spec §4.7,
// grounded on original_source/server/CFdbLogCache.h's naming and the
// "don't republish unchanged" contract of spec §8. Enabled per server via
// Endpoint's EnableEventCache.
type EventCache struct {
	mu      sync.RWMutex
	entries map[subKey]*cacheEntry
}

// NewEventCache returns an empty cache.
func NewEventCache() *EventCache {
	return &EventCache{entries: make(map[subKey]*cacheEntry)}
}

// Update records payload for (code, topic). It returns true when the
// broadcast should actually be dispatched: always true when forceUpdate is
// set, otherwise only when the payload differs byte-for-byte from what was
// cached before (spec §4.7/§8's force-update semantics).
func (c *EventCache) Update(code int32, topic string, payload []byte, forceUpdate bool) (shouldDispatch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := subKey{code: code, topic: topic}
	prev, existed := c.entries[k]

	unchanged := existed && bytes.Equal(prev.payload, payload)
	stored := make([]byte, len(payload))
	copy(stored, payload)
	c.entries[k] = &cacheEntry{payload: stored, forceUpdate: forceUpdate}

	if forceUpdate || !unchanged {
		return true
	}
	return false
}

// Get returns the cached payload for (code, topic), if any.
func (c *EventCache) Get(code int32, topic string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[subKey{code: code, topic: topic}]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, true
}

// MatchingKeys returns every cached (code, topic) whose code matches the
// subscribed code and whose topic matches the subscribe-time topic under
// spec §4.6's wildcard rule: a subscribe with topic="" matches every cached
// topic for that code; a subscribe with an exact topic matches only that
// topic's entry.
func (c *EventCache) MatchingKeys(code int32, subscribeTopic string) []subKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []subKey
	for k := range c.entries {
		if k.code != code {
			continue
		}
		if subscribeTopic == "" || k.topic == subscribeTopic {
			out = append(out, k)
		}
	}
	return out
}
