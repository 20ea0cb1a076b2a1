package fdbus

import "sync"

// subKey indexes the subscription table by (code, topic); empty topic is
// the wildcard bucket for that code (spec §3/§4.6).
type subKey struct {
	code  int32
	topic string
}

// subEntry is one subscriber: a (session, object) pair plus the
// registration metadata needed to remove it again and to decide whether it
// fires on a given broadcast (spec §3 "Subscription entry").
type subEntry struct {
	session *Session
	objId   uint32
	regId   uint64
	subType SubType
}

// Registry is the per-endpoint subscription index of spec §4.6:
// (event_code, topic) -> set of subscribers, supporting per-session
// broadcast, snapshot subscribe, and the manual-update trigger. Grounded on
// _examples/adred-codev-ws_poc/ws/internal/shared/server.go's SubscriptionIndex (channel -> subscriber
// fast lookup), generalized to the (code, topic, object, type) tuple spec
// §3 requires; plain map+mutex is used because nothing in the retrieval
// pack wraps a concurrent multimap as a library (see DESIGN.md).
type Registry struct {
	mu      sync.RWMutex
	entries map[subKey][]*subEntry
	nextReg uint64
}

// NewRegistry returns an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[subKey][]*subEntry)}
}

// Subscribe installs one subscription entry, returning its registration id.
// Unsubscribe and RemoveSession match entries by session and object, not by
// this id.
func (r *Registry) Subscribe(code int32, topic string, session *Session, objId uint32, subType SubType) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextReg++
	id := r.nextReg
	k := subKey{code: code, topic: topic}
	r.entries[k] = append(r.entries[k], &subEntry{session: session, objId: objId, regId: id, subType: subType})
	return id
}

// Unsubscribe removes every entry matching (code, topic, session, objId),
// regardless of subType.
func (r *Registry) Unsubscribe(code int32, topic string, session *Session, objId uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subKey{code: code, topic: topic}
	list := r.entries[k]
	out := list[:0]
	for _, e := range list {
		if e.session == session && e.objId == objId {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		delete(r.entries, k)
	} else {
		r.entries[k] = out
	}
}

// RemoveSession drops every entry belonging to session, called on session
// death (spec §4.10). Returns how many entries were removed.
func (r *Registry) RemoveSession(session *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, list := range r.entries {
		out := list[:0]
		for _, e := range list {
			if e.session != session {
				out = append(out, e)
			} else {
				removed++
			}
		}
		if len(out) == 0 {
			delete(r.entries, k)
		} else {
			r.entries[k] = out
		}
	}
	return removed
}

// matchFor implements spec §4.6's broadcast-matching rules, returning the
// entries that should receive a broadcast on (code, topic):
//  1. exact (code, topic) match fires.
//  2. if topic is non-empty and no exact subscriber exists *for that
//     (session, object) bucket*, its own empty-topic (wildcard) entry still
//     fires (DESIGN.md Open Question 2: short-circuit is per-bucket, not
//     global).
//  3. ManualUpdate entries never fire here; they only fire via TriggerUpdate.
func (r *Registry) matchFor(code int32, topic string) []*subEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exact := r.entries[subKey{code: code, topic: topic}]
	result := make([]*subEntry, 0, len(exact))
	exactBuckets := make(map[bucketKey]struct{}, len(exact))
	for _, e := range exact {
		if e.subType != SubNormal {
			continue
		}
		result = append(result, e)
		exactBuckets[bucketKey{e.session, e.objId}] = struct{}{}
	}

	if topic == "" {
		return result
	}

	wildcard := r.entries[subKey{code: code, topic: ""}]
	for _, e := range wildcard {
		if e.subType != SubNormal {
			continue
		}
		if _, exactlySubscribed := exactBuckets[bucketKey{e.session, e.objId}]; exactlySubscribed {
			continue // that bucket already got an exact match; short-circuit
		}
		result = append(result, e)
	}
	return result
}

type bucketKey struct {
	session *Session
	objId   uint32
}

// manualUpdateTargets returns the ManualUpdate entries matching (code,
// topic) for the Update sub-kind trigger (spec §4.5/§4.6 rule 3).
func (r *Registry) manualUpdateTargets(code int32, topic string) []*subEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*subEntry
	for _, e := range r.entries[subKey{code: code, topic: topic}] {
		if e.subType == SubManualUpdate {
			out = append(out, e)
		}
	}
	if topic != "" {
		for _, e := range r.entries[subKey{code: code, topic: ""}] {
			if e.subType == SubManualUpdate {
				out = append(out, e)
			}
		}
	}
	return out
}

// keysFor returns every distinct (code, topic) key that session/objId
// currently holds a Normal subscription for (spec §4.6).
func (r *Registry) keysFor(session *Session, objId uint32) []subKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []subKey
	for k, list := range r.entries {
		for _, e := range list {
			if e.session == session && e.objId == objId && e.subType == SubNormal {
				out = append(out, k)
				break
			}
		}
	}
	return out
}
