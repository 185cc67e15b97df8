package resolver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glockpete/Forecastin-sub000/api"
	"github.com/glockpete/Forecastin-sub000/internal/cache"
	"github.com/glockpete/Forecastin-sub000/internal/store"
	"github.com/glockpete/Forecastin-sub000/internal/viewstore"
)

// memTier2 is an in-memory Tier2 double with a switchable failure mode, so
// degradation can be tested without a network.
type memTier2 struct {
	mu     sync.Mutex
	data   map[string][]byte
	down   bool
	gets   atomic.Int64
	puts   atomic.Int64
	errsIs error
}

func newMemTier2() *memTier2 {
	return &memTier2{data: make(map[string][]byte), errsIs: errors.New("tier2 down")}
}

func (m *memTier2) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, false, m.errsIs
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memTier2) Put(_ context.Context, key string, val []byte, _ time.Duration) error {
	m.puts.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return m.errsIs
	}
	m.data[key] = val
	return nil
}

func (m *memTier2) Invalidate(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return m.errsIs
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memTier2) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// countingStore counts backing-store calls so tests can assert which tier
// actually served a query.
type countingStore struct {
	store.Store
	entityGets    atomic.Int64
	ancestorScans atomic.Int64
	countScans    atomic.Int64
}

func (c *countingStore) GetEntity(ctx context.Context, id string) (store.Entity, error) {
	c.entityGets.Add(1)
	return c.Store.GetEntity(ctx, id)
}

func (c *countingStore) AncestorsOf(ctx context.Context, path string) ([]store.Entity, error) {
	c.ancestorScans.Add(1)
	return c.Store.AncestorsOf(ctx, path)
}

func (c *countingStore) CountDescendants(ctx context.Context, path string) (int, error) {
	c.countScans.Add(1)
	return c.Store.CountDescendants(ctx, path)
}

type notifyRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (n *notifyRecorder) NotifyChanged(subtreePath string) {
	n.mu.Lock()
	n.paths = append(n.paths, subtreePath)
	n.mu.Unlock()
}

type fixture struct {
	resolver *Resolver
	store    *countingStore
	sqlite   *store.SQLiteStore
	views    *viewstore.Store
	tier1    *cache.LRU
	tier2    *memTier2
	notify   *notifyRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sq, err := store.OpenSQLite(filepath.Join(t.TempDir(), "hier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	views, err := viewstore.New(sq.DB())
	require.NoError(t, err)

	ctx := context.Background()
	for _, e := range []store.Entity{
		{ID: "world", Label: "world", Path: "world"},
		{ID: "asia", Label: "asia", Path: "world.asia"},
		{ID: "japan", Label: "japan", Path: "world.asia.japan"},
		{ID: "tokyo", Label: "tokyo", Path: "world.asia.japan.tokyo"},
	} {
		require.NoError(t, sq.UpsertEntity(ctx, e))
	}

	cs := &countingStore{Store: sq}
	t1 := cache.New(64, time.Minute)
	t2 := newMemTier2()
	rec := &notifyRecorder{}
	r := New(Config{ProbeTimeout: 100 * time.Millisecond}, t1, t2, views, cs, rec, nil)
	return &fixture{resolver: r, store: cs, sqlite: sq, views: views, tier1: t1, tier2: t2, notify: rec}
}

func TestAncestorsClosestFirstViaFallback(t *testing.T) {
	f := newFixture(t)
	refs, err := f.resolver.GetAncestors(context.Background(), "tokyo")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "japan", refs[0].ID, "immediate parent at index 0")
	assert.Equal(t, "asia", refs[1].ID)
	assert.Equal(t, "world", refs[2].ID)
	assert.Equal(t, int64(1), f.store.ancestorScans.Load(), "views are empty, fallback scan expected")
}

func TestSecondReadServedFromTier1(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)
	gets := f.store.entityGets.Load()

	refs, err := f.resolver.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Equal(t, gets, f.store.entityGets.Load(), "tier1 hit must not touch the store")
}

func TestTier2HitBackfillsTier1(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Warm both remote tiers, then drop Tier-1 to simulate a fresh process
	// sharing the distributed tier.
	_, err := f.resolver.GetDescendantCount(ctx, "asia")
	require.NoError(t, err)
	f.tier1.Purge()
	storeCalls := f.store.entityGets.Load() + f.store.countScans.Load()

	n, err := f.resolver.GetDescendantCount(ctx, "asia")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, storeCalls, f.store.entityGets.Load()+f.store.countScans.Load(),
		"tier2 hit must not touch the store")

	// And the hit must have repopulated Tier-1.
	if _, ok := f.tier1.Get(countKey("asia")); !ok {
		t.Error("tier2 hit did not backfill tier1")
	}
}

func TestAncestorsServedFromView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.views.ReplaceAncestors(ctx, []api.AncestorRecord{
		{EntityID: "tokyo", Ancestors: []string{"japan", "asia", "world"}, Depth: 3, ComputedAt: now},
	}))

	refs, err := f.resolver.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "japan", refs[0].ID)
	assert.Equal(t, "world.asia.japan", refs[0].Path)
	assert.Equal(t, 2, refs[0].Depth)
	assert.Equal(t, int64(0), f.store.ancestorScans.Load(), "view hit must skip the fallback scan")
}

func TestDepthAndCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	depth, err := f.resolver.GetDepth(ctx, "tokyo")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	n, err := f.resolver.GetDescendantCount(ctx, "asia")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "japan and tokyo")

	n, err = f.resolver.GetDescendantCount(ctx, "tokyo")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "leaves report zero, no special-casing")
}

func TestDescendantsPaged(t *testing.T) {
	f := newFixture(t)
	paged, err := f.resolver.GetDescendants(context.Background(), "world", api.Page{Offset: 0, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, paged.Total)
	require.Len(t, paged.Entities, 2)
	assert.Equal(t, "world.asia", paged.Entities[0].Path)
}

// With Tier-2 down, every query must still succeed with identical results.
func TestGracefulDegradationTier2Down(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	want, err := f.resolver.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)

	f.tier2.setDown(true)
	f.tier1.Purge()

	got, err := f.resolver.GetAncestors(ctx, "tokyo")
	require.NoError(t, err, "tier2 failure must never surface")
	assert.Equal(t, want, got, "degraded result must be identical")

	n, err := f.resolver.GetDescendantCount(ctx, "asia")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnknownEntityIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.GetAncestors(context.Background(), "atlantis")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestBackingStoreFailureIsResolutionError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sqlite.Close()) // kill the backing store

	_, err := f.resolver.GetAncestors(context.Background(), "tokyo")
	require.Error(t, err)
	var re *api.ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "ancestors", re.Op)
	assert.Equal(t, "tokyo", re.EntityID)
}

func TestOnEntityChangedEvictsSubtreeAndLineage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Populate entries for the subtree, its lineage, and an unrelated node.
	_, err := f.resolver.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)
	_, err = f.resolver.GetDescendantCount(ctx, "asia")
	require.NoError(t, err)
	_, err = f.resolver.GetDescendantCount(ctx, "world")
	require.NoError(t, err)

	f.resolver.OnEntityChanged("osaka", "world.asia.japan")

	_, ok := f.tier1.Get(ancestorsKey("tokyo"))
	assert.False(t, ok, "subtree entry must be evicted")
	_, ok = f.tier1.Get(countKey("asia"))
	assert.False(t, ok, "ancestor count is stale after a subtree mutation")
	_, ok = f.tier1.Get(countKey("world"))
	assert.False(t, ok, "root count is stale after a subtree mutation")

	f.notify.mu.Lock()
	defer f.notify.mu.Unlock()
	require.Len(t, f.notify.paths, 1)
	assert.Equal(t, "world.asia.japan", f.notify.paths[0])
}

func TestNilTier2AndViewsStillResolve(t *testing.T) {
	f := newFixture(t)
	r := New(Config{}, nil, nil, nil, f.store, nil, nil)
	refs, err := r.GetAncestors(context.Background(), "tokyo")
	require.NoError(t, err)
	assert.Len(t, refs, 3)
}

func TestCallerTimeoutAbortsFallback(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already expired

	_, err := f.resolver.GetAncestors(ctx, "tokyo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "caller budget must propagate, got %v", err)
}
