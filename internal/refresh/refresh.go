// Package refresh recomputes the precomputed views from the backing store.
// Recomputation runs on a fixed cadence and on debounced change
// notifications, with concurrent triggers for the same view collapsed into
// one computation.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sync/singleflight"

	"github.com/glockpete/Forecastin-sub000/api"
	"github.com/glockpete/Forecastin-sub000/internal/mpath"
	"github.com/glockpete/Forecastin-sub000/internal/store"
	"github.com/glockpete/Forecastin-sub000/internal/viewstore"
)

// ViewWriter is the slice of the view store the scheduler writes through.
type ViewWriter interface {
	ReplaceAncestors(ctx context.Context, records []api.AncestorRecord) error
	ReplaceDescendantCounts(ctx context.Context, records []api.DescendantCountRecord) error
}

// Invalidator evicts cached results under a subtree after a view swap, so
// readers pick up the new views instead of waiting out the cache TTL. The
// resolver implements it.
type Invalidator interface {
	InvalidateSubtree(subtreePath string)
}

// Config tunes the scheduler.
type Config struct {
	// Cadence is the interval between unconditional refreshes. Default 5m.
	Cadence time.Duration
	// Debounce is how long a change notification is held so a burst of
	// mutations triggers one recomputation, not one each. Default 500ms.
	Debounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cadence <= 0 {
		c.Cadence = 5 * time.Minute
	}
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	return c
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Runs         uint64
	LastRun      time.Time
	LastDuration time.Duration
	LastError    error
	Pending      int
}

// Scheduler owns view recomputation. It is safe for concurrent use; every
// trigger path funnels into a single-flight group keyed by view name, so two
// simultaneous triggers share one backing-store scan.
type Scheduler struct {
	cfg         Config
	store       store.Store
	views       ViewWriter
	invalidator Invalidator
	log         *slog.Logger

	group singleflight.Group
	kick  chan struct{}

	mu           sync.Mutex
	pending      map[string]struct{} // subtree paths awaiting post-refresh eviction
	runs         uint64
	lastRun      time.Time
	lastDuration time.Duration
	lastError    error
}

// New creates a scheduler. invalidator may be nil.
func New(cfg Config, st store.Store, views ViewWriter, invalidator Invalidator, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		store:       st,
		views:       views,
		invalidator: invalidator,
		log:         log.With("component", "refresh"),
		kick:        make(chan struct{}, 1),
		pending:     make(map[string]struct{}),
	}
}

// NotifyChanged queues a subtree for post-refresh eviction and wakes the
// scheduler. Non-blocking; bursts coalesce into the already-pending wake-up.
func (s *Scheduler) NotifyChanged(subtreePath string) {
	s.mu.Lock()
	s.pending[subtreePath] = struct{}{}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the cadence and debounce loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runAll(ctx, "cadence")
		case <-s.kick:
			// Hold the trigger so a burst of notifications becomes one
			// recomputation. Further kicks during the window are absorbed.
			timer := time.NewTimer(s.cfg.Debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			// Absorb any kick that arrived during the window.
			select {
			case <-s.kick:
			default:
			}
			s.runAll(ctx, "notify")
		}
	}
}

// RefreshAll recomputes every view and blocks until the computation this
// call joined has completed.
func (s *Scheduler) RefreshAll(ctx context.Context) error {
	var first error
	for _, view := range viewstore.ViewNames() {
		if err := s.Refresh(ctx, view); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Refresh recomputes one view by name. Concurrent calls for the same view
// collapse into a single backing-store scan; every caller gets that scan's
// result.
func (s *Scheduler) Refresh(ctx context.Context, view string) error {
	_, err, _ := s.group.Do(view, func() (any, error) {
		return nil, s.recompute(ctx, view)
	})
	return err
}

func (s *Scheduler) runAll(ctx context.Context, trigger string) {
	start := time.Now()
	err := s.RefreshAll(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.runs++
	s.lastRun = start
	s.lastDuration = elapsed
	s.lastError = err
	var taken []string
	if err == nil {
		// Queued evictions are consumed only by a successful refresh; on
		// failure they stay pending for the next run.
		taken = make([]string, 0, len(s.pending))
		for p := range s.pending {
			taken = append(taken, p)
		}
		s.pending = make(map[string]struct{})
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("view refresh failed", "trigger", trigger, "error", err)
		return
	}
	s.log.Info("views refreshed", "trigger", trigger, "elapsed", elapsed, "subtrees", len(taken))

	// Views swapped; evict cached results so readers rebuild from them.
	if s.invalidator != nil {
		sort.Strings(taken)
		for _, p := range taken {
			s.invalidator.InvalidateSubtree(p)
		}
	}
}

func (s *Scheduler) recompute(ctx context.Context, view string) error {
	switch view {
	case viewstore.ViewAncestors:
		records, err := s.computeAncestors(ctx)
		if err != nil {
			return err
		}
		if err := s.views.ReplaceAncestors(ctx, records); err != nil {
			return fmt.Errorf("replace %s view: %w", view, err)
		}
		return nil
	case viewstore.ViewDescendantCounts:
		records, err := s.computeDescendantCounts(ctx)
		if err != nil {
			return err
		}
		if err := s.views.ReplaceDescendantCounts(ctx, records); err != nil {
			return fmt.Errorf("replace %s view: %w", view, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown view %q", view)
	}
}

// computeAncestors derives every entity's ancestor ID chain, closest first,
// by joining each path prefix back to its owning entity.
func (s *Scheduler) computeAncestors(ctx context.Context) ([]api.AncestorRecord, error) {
	entities, err := s.store.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}
	idByPath := make(map[string]string, len(entities))
	for _, e := range entities {
		idByPath[e.Path] = e.ID
	}

	now := time.Now().UTC()
	records := make([]api.AncestorRecord, 0, len(entities))
	for _, e := range entities {
		prefixes := mpath.Prefixes(e.Path) // root first
		chain := make([]string, 0, len(prefixes))
		for i := len(prefixes) - 1; i >= 0; i-- { // closest first
			id, ok := idByPath[prefixes[i]]
			if !ok {
				// Orphaned prefix: a concurrent mutation raced the scan.
				// Skip the entity; the next refresh sees a settled tree.
				chain = nil
				break
			}
			chain = append(chain, id)
		}
		if chain == nil && len(prefixes) > 0 {
			continue
		}
		records = append(records, api.AncestorRecord{
			EntityID:   e.ID,
			Ancestors:  chain,
			Depth:      mpath.Depth(e.Path),
			ComputedAt: now,
		})
	}
	return records, nil
}

// computeDescendantCounts builds one membership bitmap per entity: entity i
// sets its bit in the bitmap of each of its ancestors, and a subtree size is
// then the bitmap's cardinality. One pass over the table, no per-entity
// subtree scans.
func (s *Scheduler) computeDescendantCounts(ctx context.Context) ([]api.DescendantCountRecord, error) {
	entities, err := s.store.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}
	indexByPath := make(map[string]uint32, len(entities))
	for i, e := range entities {
		indexByPath[e.Path] = uint32(i)
	}

	bitmaps := make([]*roaring.Bitmap, len(entities))
	for i := range bitmaps {
		bitmaps[i] = roaring.New()
	}
	for i, e := range entities {
		for _, prefix := range mpath.Prefixes(e.Path) {
			if j, ok := indexByPath[prefix]; ok {
				bitmaps[j].Add(uint32(i))
			}
		}
	}

	now := time.Now().UTC()
	records := make([]api.DescendantCountRecord, len(entities))
	for i, e := range entities {
		records[i] = api.DescendantCountRecord{
			EntityID:        e.ID,
			DescendantCount: int(bitmaps[i].GetCardinality()),
			ComputedAt:      now,
		}
	}
	return records, nil
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Runs:         s.runs,
		LastRun:      s.lastRun,
		LastDuration: s.lastDuration,
		LastError:    s.lastError,
		Pending:      len(s.pending),
	}
}
