// Package resolver orchestrates the cache hierarchy. Every query walks the
// same pipeline — in-process LRU, distributed cache, precomputed views,
// direct path query against the backing store — where each stage either
// hits (short-circuit, backfill the faster tiers, return) or falls through.
// Tier failures degrade silently to the next stage; only a backing-store
// failure is caller-visible.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/glockpete/Forecastin-sub000/api"
	"github.com/glockpete/Forecastin-sub000/internal/cache"
	"github.com/glockpete/Forecastin-sub000/internal/mpath"
	"github.com/glockpete/Forecastin-sub000/internal/store"
)

// Tier2 is the distributed cache surface the resolver consumes. A nil Tier2
// disables the stage entirely.
type Tier2 interface {
	Get(ctx context.Context, key string) (val []byte, found bool, err error)
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Views is the precomputed-view surface. api.ErrNotFound from either call
// means "not refreshed yet", never a failure.
type Views interface {
	GetAncestors(ctx context.Context, entityID string) (api.AncestorRecord, error)
	GetDescendantCount(ctx context.Context, entityID string) (api.DescendantCountRecord, error)
}

// ChangeListener receives wake-ups after structural mutations. The refresh
// scheduler implements it.
type ChangeListener interface {
	NotifyChanged(subtreePath string)
}

// Config tunes the resolver's cache behavior.
type Config struct {
	// TTL bounds every backfilled cache entry. Default 5 minutes.
	TTL time.Duration
	// ProbeTimeout bounds each Tier-2 probe so a slow remote tier cannot
	// consume the caller's whole budget. Default 50ms.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 50 * time.Millisecond
	}
	return c
}

// envelope is the Tier-2 wire shape: the cached value plus the owning
// entity's materialized path, so a Tier-2 hit can repopulate Tier-1 with
// the path that subtree invalidation matches against.
type envelope[T any] struct {
	Path  string `json:"path"`
	Value T      `json:"value"`
}

// Resolver answers ancestor/descendant/depth queries for hierarchy nodes.
// All query methods are read-only from the caller's perspective; internal
// cache population is an implementation detail.
type Resolver struct {
	cfg      Config
	tier1    *cache.LRU
	tier2    Tier2
	views    Views
	store    store.Store
	listener ChangeListener
	registry *keyRegistry
	log      *slog.Logger
}

// New wires the tiers together. tier2, views and listener may each be nil;
// the corresponding stage is then skipped.
func New(cfg Config, tier1 *cache.LRU, tier2 Tier2, views Views, st store.Store, listener ChangeListener, log *slog.Logger) *Resolver {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	if tier1 == nil {
		tier1 = cache.New(cache.DefaultCapacity, cfg.TTL)
	}
	return &Resolver{
		cfg:      cfg,
		tier1:    tier1,
		tier2:    tier2,
		views:    views,
		store:    st,
		listener: listener,
		registry: newKeyRegistry(cfg.TTL),
		log:      log.With("component", "resolver"),
	}
}

// Tier1 exposes the in-process cache for the health monitor.
func (r *Resolver) Tier1() *cache.LRU { return r.tier1 }

// GetAncestors returns the full ancestor chain of an entity, closest-first:
// the immediate parent at index 0.
func (r *Resolver) GetAncestors(ctx context.Context, entityID string) ([]api.EntityRef, error) {
	key := ancestorsKey(entityID)

	if v, ok := r.tier1.Get(key); ok {
		return v.([]api.EntityRef), nil
	}
	if refs, path, ok := probeTier2[[]api.EntityRef](r, ctx, key); ok {
		r.tier1.Put(key, path, refs)
		return refs, nil
	}

	ent, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, r.fail("ancestors", entityID, err)
	}

	if refs, ok := r.ancestorsFromView(ctx, ent); ok {
		r.backfill(ctx, key, ent.Path, refs)
		return refs, nil
	}

	ancs, err := r.store.AncestorsOf(ctx, ent.Path)
	if err != nil {
		return nil, r.fail("ancestors", entityID, err)
	}
	refs := entityRefs(ancs)
	r.backfill(ctx, key, ent.Path, refs)
	return refs, nil
}

// GetDepth returns the entity's depth: its ancestor count.
func (r *Resolver) GetDepth(ctx context.Context, entityID string) (int, error) {
	key := depthKey(entityID)

	if v, ok := r.tier1.Get(key); ok {
		return v.(int), nil
	}
	if depth, path, ok := probeTier2[int](r, ctx, key); ok {
		r.tier1.Put(key, path, depth)
		return depth, nil
	}

	ent, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return 0, r.fail("depth", entityID, err)
	}
	depth := mpath.Depth(ent.Path)

	// The views also hold depth, but the entity row was already needed to
	// locate the node, so the derived value is free — no view probe here.
	r.backfill(ctx, key, ent.Path, depth)
	return depth, nil
}

// GetDescendantCount returns the size of the entity's subtree, itself
// excluded. Two leaves with no children both report 0 — no special-casing.
func (r *Resolver) GetDescendantCount(ctx context.Context, entityID string) (int, error) {
	key := countKey(entityID)

	if v, ok := r.tier1.Get(key); ok {
		return v.(int), nil
	}
	if count, path, ok := probeTier2[int](r, ctx, key); ok {
		r.tier1.Put(key, path, count)
		return count, nil
	}

	ent, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return 0, r.fail("count", entityID, err)
	}

	if r.views != nil {
		if rec, verr := r.views.GetDescendantCount(ctx, entityID); verr == nil {
			r.backfill(ctx, key, ent.Path, rec.DescendantCount)
			return rec.DescendantCount, nil
		} else if !errors.Is(verr, api.ErrNotFound) {
			r.log.Warn("view store probe failed", "op", "count", "entity", entityID, "error", verr)
		}
	}

	count, err := r.store.CountDescendants(ctx, ent.Path)
	if err != nil {
		return 0, r.fail("count", entityID, err)
	}
	r.backfill(ctx, key, ent.Path, count)
	return count, nil
}

// GetDescendants returns one page of the entity's subtree in path order.
// Descendant listings are served from the cache tiers or a direct prefix
// scan; the precomputed views hold chains and counts, not full listings.
func (r *Resolver) GetDescendants(ctx context.Context, entityID string, page api.Page) (api.PagedEntities, error) {
	if page.Limit <= 0 {
		page.Limit = 100
	}
	key := descendantsKey(entityID, page.Offset, page.Limit)

	if v, ok := r.tier1.Get(key); ok {
		return v.(api.PagedEntities), nil
	}
	if paged, path, ok := probeTier2[api.PagedEntities](r, ctx, key); ok {
		r.tier1.Put(key, path, paged)
		return paged, nil
	}

	ent, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return api.PagedEntities{}, r.fail("descendants", entityID, err)
	}
	ents, total, err := r.store.DescendantsOf(ctx, ent.Path, page.Offset, page.Limit)
	if err != nil {
		return api.PagedEntities{}, r.fail("descendants", entityID, err)
	}
	paged := api.PagedEntities{
		Entities: entityRefs(ents),
		Total:    total,
		Offset:   page.Offset,
		Limit:    page.Limit,
	}
	r.backfill(ctx, key, ent.Path, paged)
	return paged, nil
}

// OnEntityChanged is the sole invalidation trigger, called by the external
// write path after a structural mutation. It evicts every cache entry the
// mutation can have staled — the subtree and its ancestor lineage — and
// wakes the refresh scheduler.
func (r *Resolver) OnEntityChanged(entityID, subtreePath string) {
	evicted := r.evictSubtree(subtreePath)
	r.log.Info("entity changed", "entity", entityID, "subtree", subtreePath, "tier1_evicted", evicted)

	if r.listener != nil {
		r.listener.NotifyChanged(subtreePath)
	}
}

// InvalidateSubtree evicts cache entries under (and on the lineage of) a
// subtree without waking the scheduler. The refresh scheduler calls this
// after a view swap completes, so post-refresh reads rebuild from the new
// views instead of waiting out the TTL.
func (r *Resolver) InvalidateSubtree(subtreePath string) {
	r.evictSubtree(subtreePath)
}

func (r *Resolver) evictSubtree(subtreePath string) int {
	evicted := r.tier1.InvalidatePrefix(subtreePath)
	evicted += r.tier1.InvalidateAncestorsOf(subtreePath)

	if r.tier2 != nil {
		if keys := r.registry.takeAffected(subtreePath); len(keys) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
			defer cancel()
			if err := r.tier2.Invalidate(ctx, keys...); err != nil {
				r.log.Warn("tier2 invalidation failed", "subtree", subtreePath, "keys", len(keys), "error", err)
			}
		}
	}
	return evicted
}

// ancestorsFromView joins the view's ancestor IDs with the paths derived
// from the entity's own materialized path. The two line up by construction;
// a length mismatch means the view predates a move and forces fallback.
func (r *Resolver) ancestorsFromView(ctx context.Context, ent store.Entity) ([]api.EntityRef, bool) {
	if r.views == nil {
		return nil, false
	}
	rec, err := r.views.GetAncestors(ctx, ent.ID)
	if err != nil {
		if !errors.Is(err, api.ErrNotFound) {
			r.log.Warn("view store probe failed", "op", "ancestors", "entity", ent.ID, "error", err)
		}
		return nil, false
	}
	prefixes := mpath.Prefixes(ent.Path) // root first
	if len(rec.Ancestors) != len(prefixes) {
		return nil, false
	}
	refs := make([]api.EntityRef, len(rec.Ancestors))
	for i, id := range rec.Ancestors { // closest first
		path := prefixes[len(prefixes)-1-i]
		refs[i] = api.EntityRef{
			ID:    id,
			Label: mpath.Label(path),
			Path:  path,
			Depth: mpath.Depth(path),
		}
	}
	return refs, true
}

// probeTier2 reads and decodes one key from the distributed tier, bounded
// by the probe timeout. Unavailability and decode failures degrade to a
// miss: the tier is optional by contract.
func probeTier2[T any](r *Resolver, ctx context.Context, key string) (value T, path string, ok bool) {
	var zero T
	if r.tier2 == nil {
		return zero, "", false
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	raw, found, err := r.tier2.Get(pctx, key)
	if err != nil {
		r.log.Warn("tier2 probe failed", "key", key, "error", err)
		return zero, "", false
	}
	if !found {
		return zero, "", false
	}
	var env envelope[T]
	if err := oj.Unmarshal(raw, &env); err != nil {
		r.log.Warn("tier2 entry undecodable", "key", key, "error", err)
		return zero, "", false
	}
	return env.Value, env.Path, true
}

// backfill writes a resolved value into both faster tiers before the result
// is returned: Tier-1 synchronously, Tier-2 under the probe timeout, so a
// subsequent read for the same entity hits in-process. Tier-1 writes for
// the same key are last-write-wins; cached values are idempotent
// derivations of the same source of truth, so the race is benign.
func (r *Resolver) backfill(ctx context.Context, key, path string, value any) {
	r.tier1.Put(key, path, value)
	if r.tier2 == nil {
		return
	}
	raw, err := oj.Marshal(envelope[any]{Path: path, Value: value})
	if err != nil {
		r.log.Warn("tier2 encode failed", "key", key, "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	if err := r.tier2.Put(pctx, key, raw, r.cfg.TTL); err != nil {
		r.log.Warn("tier2 backfill failed", "key", key, "error", err)
		return
	}
	r.registry.record(key, path)
}

// fail wraps a backing-store failure into the only caller-visible error
// shape. api.ErrNotFound passes through untouched: an unknown entity is the
// caller's mistake, not a resolution failure.
func (r *Resolver) fail(op, entityID string, err error) error {
	if errors.Is(err, api.ErrNotFound) {
		return api.ErrNotFound
	}
	return &api.ResolutionError{Op: op, EntityID: entityID, Err: err}
}

func entityRefs(ents []store.Entity) []api.EntityRef {
	refs := make([]api.EntityRef, len(ents))
	for i, e := range ents {
		refs[i] = api.EntityRef{ID: e.ID, Label: e.Label, Path: e.Path, Depth: e.Depth}
	}
	return refs
}
