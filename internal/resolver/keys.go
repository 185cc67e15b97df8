package resolver

import (
	"fmt"
	"sync"
	"time"

	"github.com/glockpete/Forecastin-sub000/internal/mpath"
)

// Cache keys are deterministic signatures of the query: operation, entity
// and parameters. The same key addresses Tier-1 and Tier-2.
func ancestorsKey(entityID string) string {
	return "ancestors|" + entityID
}

func depthKey(entityID string) string {
	return "depth|" + entityID
}

func countKey(entityID string) string {
	return "count|" + entityID
}

func descendantsKey(entityID string, offset, limit int) string {
	return fmt.Sprintf("descendants|%s|%d|%d", entityID, offset, limit)
}

// keyRegistry remembers which Tier-2 keys this process wrote and which
// entity path each belongs to, so subtree invalidation can delete the exact
// keys instead of scanning the remote keyspace. Entries are pruned once
// older than the cache TTL — Redis has expired them by then anyway.
type keyRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]registryEntry // key → owning path + write time
}

type registryEntry struct {
	path    string
	written time.Time
}

func newKeyRegistry(ttl time.Duration) *keyRegistry {
	return &keyRegistry{ttl: ttl, entries: make(map[string]registryEntry)}
}

func (r *keyRegistry) record(key, path string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = registryEntry{path: path, written: now}
	r.pruneLocked(now)
}

// takeAffected removes and returns every key whose owning path lies inside
// the subtree rooted at subtreePath, or on its ancestor lineage. Both sets
// go stale on a subtree mutation: descendants directly, ancestors because
// their descendant lists and counts include the subtree.
func (r *keyRegistry) takeAffected(subtreePath string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for key, ent := range r.entries {
		if mpath.HasPrefix(ent.path, subtreePath) || mpath.IsAncestorPath(ent.path, subtreePath) {
			keys = append(keys, key)
			delete(r.entries, key)
		}
	}
	return keys
}

// pruneLocked drops entries past the TTL. Caller holds r.mu.
func (r *keyRegistry) pruneLocked(now time.Time) {
	if r.ttl <= 0 {
		return
	}
	for key, ent := range r.entries {
		if now.Sub(ent.written) > r.ttl {
			delete(r.entries, key)
		}
	}
}
