package refresh

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

	"github.com/glockpete/Forecastin-sub000/internal/store"
	"github.com/glockpete/Forecastin-sub000/internal/viewstore"
)

func newStores(t *testing.T) (*store.SQLiteStore, *viewstore.Store) {
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
	return sq, views
}

func TestRefreshAllPopulatesViews(t *testing.T) {
	sq, views := newStores(t)
	s := New(Config{}, sq, views, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.RefreshAll(ctx))

	rec, err := views.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)
	assert.Equal(t, []string{"japan", "asia", "world"}, rec.Ancestors, "closest first")
	assert.Equal(t, 3, rec.Depth)

	root, err := views.GetAncestors(ctx, "world")
	require.NoError(t, err)
	assert.Empty(t, root.Ancestors)
	assert.Equal(t, 0, root.Depth)

	for id, want := range map[string]int{"world": 3, "asia": 2, "japan": 1, "tokyo": 0} {
		cnt, err := views.GetDescendantCount(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, want, cnt.DescendantCount, id)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	sq, views := newStores(t)
	s := New(Config{}, sq, views, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.RefreshAll(ctx))
	first, err := views.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)

	require.NoError(t, s.RefreshAll(ctx))
	second, err := views.GetAncestors(ctx, "tokyo")
	require.NoError(t, err)
	assert.Equal(t, first.Ancestors, second.Ancestors)
	assert.Equal(t, first.Depth, second.Depth)
}

func TestRefreshPicksUpNewEntity(t *testing.T) {
	sq, views := newStores(t)
	s := New(Config{}, sq, views, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.RefreshAll(ctx))
	require.NoError(t, sq.UpsertEntity(ctx, store.Entity{
		ID: "osaka", Label: "osaka", Path: "world.asia.japan.osaka",
	}))
	require.NoError(t, s.RefreshAll(ctx))

	cnt, err := views.GetDescendantCount(ctx, "asia")
	require.NoError(t, err)
	assert.Equal(t, 3, cnt.DescendantCount, "japan, tokyo, osaka")

	rec, err := views.GetAncestors(ctx, "osaka")
	require.NoError(t, err)
	assert.Equal(t, []string{"japan", "asia", "world"}, rec.Ancestors)
}

// gateStore blocks AllEntities until released, so a scan can be held open
// while more refresh calls pile up behind it.
type gateStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	scans   atomic.Int64
}

func (g *gateStore) AllEntities(ctx context.Context) ([]store.Entity, error) {
	g.scans.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Store.AllEntities(ctx)
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	sq, views := newStores(t)
	gate := &gateStore{Store: sq, entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(Config{}, gate, views, nil, nil)
	ctx := context.Background()

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = s.Refresh(ctx, viewstore.ViewAncestors)
	}()
	<-gate.entered // first scan is in flight

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Refresh(ctx, viewstore.ViewAncestors)
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // let the late callers join the flight
	close(gate.release)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int64(1), gate.scans.Load(), "concurrent refreshes must share one scan")
}

func TestRefreshUnknownView(t *testing.T) {
	sq, views := newStores(t)
	s := New(Config{}, sq, views, nil, nil)
	err := s.Refresh(context.Background(), "bogus")
	require.Error(t, err)
}

type evictionRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (e *evictionRecorder) InvalidateSubtree(subtreePath string) {
	e.mu.Lock()
	e.paths = append(e.paths, subtreePath)
	e.mu.Unlock()
}

func (e *evictionRecorder) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.paths...)
}

func TestNotifyChangedDebouncesIntoOneRun(t *testing.T) {
	sq, views := newStores(t)
	rec := &evictionRecorder{}
	s := New(Config{Cadence: time.Hour, Debounce: 20 * time.Millisecond}, sq, views, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.NotifyChanged("world.asia")
	s.NotifyChanged("world.asia.japan")
	s.NotifyChanged("world.asia") // duplicate, coalesces

	require.Eventually(t, func() bool {
		return s.Stats().Runs == 1
	}, 2*time.Second, 10*time.Millisecond, "burst must collapse into one run")

	assert.ElementsMatch(t, []string{"world.asia", "world.asia.japan"}, rec.snapshot())
	assert.Equal(t, 0, s.Stats().Pending)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStatsRecordLastError(t *testing.T) {
	sq, views := newStores(t)
	s := New(Config{Cadence: time.Hour, Debounce: time.Millisecond}, sq, views, nil, nil)
	require.NoError(t, sq.Close()) // backing store gone, refresh must fail

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.NotifyChanged("world")
	require.Eventually(t, func() bool {
		return s.Stats().Runs == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, s.Stats().LastError)
}

func TestFailedRunKeepsPendingEvictions(t *testing.T) {
	sq, views := newStores(t)
	rec := &evictionRecorder{}
	s := New(Config{Cadence: time.Hour, Debounce: time.Millisecond}, sq, views, rec, nil)
	require.NoError(t, sq.Close()) // backing store gone, refresh must fail

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.NotifyChanged("world.asia")
	require.Eventually(t, func() bool {
		return s.Stats().Runs >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, rec.snapshot(), "no eviction without a fresh view to rebuild from")
	assert.Equal(t, 1, s.Stats().Pending, "queued subtree must survive a failed run")
}
