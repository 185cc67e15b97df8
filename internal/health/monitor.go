// Package health samples the cache tiers on a fixed cadence, exports the
// samples as Prometheus metrics, and raises the pool-saturation response
// for the distributed tier.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glockpete/Forecastin-sub000/api"
	"github.com/glockpete/Forecastin-sub000/internal/cache"
	"github.com/glockpete/Forecastin-sub000/internal/distcache"
	"github.com/glockpete/Forecastin-sub000/internal/refresh"
)

// Tier names as they appear in snapshots and metric labels.
const (
	TierLocal = "local"
	TierDist  = "distributed"
	TierViews = "views"
)

// LocalTier is the in-process cache surface the monitor samples. The LRU
// implements it.
type LocalTier interface {
	Stats() cache.Stats
	Len() int
}

// DistTier is the distributed tier surface: pool counters plus the recovery
// knob the monitor turns when the pool saturates.
type DistTier interface {
	Stats() distcache.PoolStats
	Reconnect()
}

// RefreshSource reports view recomputation activity.
type RefreshSource interface {
	Stats() refresh.Stats
}

// Config tunes the monitor.
type Config struct {
	// Interval between samples. Default 30s.
	Interval time.Duration
	// WarnUtilization is the pool utilization fraction above which the
	// monitor warns. Default 0.8.
	WarnUtilization float64
	// ReconnectOnSaturation forces a pool reconnect when utilization stays
	// above WarnUtilization for two consecutive samples.
	ReconnectOnSaturation bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.WarnUtilization <= 0 || c.WarnUtilization > 1 {
		c.WarnUtilization = 0.8
	}
	return c
}

// Monitor periodically samples every tier. All sampled state is read under
// the tiers' own locks; the monitor adds no locking to the hot path.
type Monitor struct {
	cfg     Config
	local   LocalTier
	dist    DistTier
	refresh RefreshSource
	log     *slog.Logger

	hitRatio    *prometheus.GaugeVec
	size        *prometheus.GaugeVec
	utilization prometheus.Gauge
	circuitOpen prometheus.Gauge
	refreshRuns prometheus.Gauge

	mu        sync.Mutex
	last      []api.TierStatus
	saturated int // consecutive saturated samples
}

// New creates a monitor. dist and refreshSrc may be nil; their rows are then
// omitted. Metrics register on reg when it is non-nil.
func New(cfg Config, local LocalTier, dist DistTier, refreshSrc RefreshSource, reg prometheus.Registerer, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		local:   local,
		dist:    dist,
		refresh: refreshSrc,
		log:     log.With("component", "health"),
		hitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hierarchy_cache_hit_ratio",
			Help: "Hit ratio per cache tier since process start.",
		}, []string{"tier"}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hierarchy_cache_entries",
			Help: "Resident entries per cache tier.",
		}, []string{"tier"}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hierarchy_dist_pool_utilization",
			Help: "Fraction of the distributed tier's connection pool in use.",
		}),
		circuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hierarchy_dist_circuit_open",
			Help: "1 while the distributed tier's circuit breaker is open.",
		}),
		refreshRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hierarchy_view_refresh_runs",
			Help: "View refresh runs since process start.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hitRatio, m.size, m.utilization, m.circuitOpen, m.refreshRuns)
	}
	return m
}

// Run samples on the configured cadence until ctx is done. One sample is
// taken immediately so Snapshot never starts empty.
func (m *Monitor) Run(ctx context.Context) error {
	m.Sample()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one sample of every tier and updates metrics and the stored
// snapshot.
func (m *Monitor) Sample() {
	now := time.Now().UTC()
	var statuses []api.TierStatus

	if m.local != nil {
		st := m.local.Stats()
		ratio := hitRatio(st.Hits, st.Misses)
		m.hitRatio.WithLabelValues(TierLocal).Set(ratio)
		m.size.WithLabelValues(TierLocal).Set(float64(st.Size))
		statuses = append(statuses, api.TierStatus{
			Tier:      TierLocal,
			HitRate:   ratio,
			Size:      st.Size,
			SampledAt: now,
		})
	}

	if m.dist != nil {
		statuses = append(statuses, m.sampleDist(now))
	}

	if m.refresh != nil {
		st := m.refresh.Stats()
		m.refreshRuns.Set(float64(st.Runs))
		status := api.TierStatus{Tier: TierViews, SampledAt: now}
		if st.LastError != nil {
			status.LastError = st.LastError.Error()
		}
		statuses = append(statuses, status)
	}

	m.mu.Lock()
	m.last = statuses
	m.mu.Unlock()
}

func (m *Monitor) sampleDist(now time.Time) api.TierStatus {
	st := m.dist.Stats()
	util := 0.0
	if st.PoolSize > 0 {
		util = float64(st.TotalConns-st.IdleConns) / float64(st.PoolSize)
	}
	m.utilization.Set(util)
	if st.CircuitOpen {
		m.circuitOpen.Set(1)
	} else {
		m.circuitOpen.Set(0)
	}
	m.hitRatio.WithLabelValues(TierDist).Set(hitRatio(st.Hits, st.Misses))
	m.size.WithLabelValues(TierDist).Set(float64(st.TotalConns))

	if util > m.cfg.WarnUtilization {
		m.saturated++
		m.log.Warn("distributed tier pool near saturation",
			"utilization", util, "pool_size", st.PoolSize, "consecutive", m.saturated)
		if m.cfg.ReconnectOnSaturation && m.saturated >= 2 {
			m.log.Warn("forcing distributed tier reconnect")
			m.dist.Reconnect()
			m.saturated = 0
		}
	} else {
		m.saturated = 0
	}

	return api.TierStatus{
		Tier:        TierDist,
		HitRate:     hitRatio(st.Hits, st.Misses),
		Size:        st.TotalConns,
		Utilization: util,
		LastError:   st.LastError,
		SampledAt:   now,
	}
}

// Snapshot returns the most recent sample, one row per tier.
func (m *Monitor) Snapshot() []api.TierStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.TierStatus, len(m.last))
	copy(out, m.last)
	return out
}

func hitRatio(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
