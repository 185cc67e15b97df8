// Package distcache is the shared, network-reachable tier of the cache
// hierarchy: a Redis client with connection pooling, retry with exponential
// backoff, a background health probe and a circuit breaker. Every failure
// mode collapses into ErrTierUnavailable so the resolver can treat the tier
// as absent rather than broken.
package distcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrTierUnavailable means the distributed tier could not serve the call
// after retries, or the circuit is open. Callers must treat it as a cache
// miss, never as a fatal error.
var ErrTierUnavailable = errors.New("distributed cache tier unavailable")

// Config tunes the client. Zero values fall back to the defaults below.
type Config struct {
	Addr         string
	PoolSize     int           // max pooled connections
	MinIdleConns int           // connections kept warm
	DialTimeout  time.Duration
	OpTimeout    time.Duration // per-command read/write timeout
	KeepAlive    time.Duration // TCP keepalive period

	RetryInitial  time.Duration // first backoff interval (default 500ms)
	MaxAttempts   int           // total attempts per op (default 3: 0.5s, 1s, 2s waits)
	ProbeInterval time.Duration // background pre-ping cadence
	OpenAfter     int           // consecutive probe failures before the circuit opens
	Cooldown      time.Duration // how long the circuit stays open before re-probing
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = 2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 5 * time.Minute
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.OpenAfter <= 0 {
		c.OpenAfter = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	return c
}

// PoolStats mirrors the pool counters the health monitor samples.
type PoolStats struct {
	TotalConns  int
	IdleConns   int
	PoolSize    int
	Hits        uint64
	Misses      uint64
	Timeouts    uint64
	CircuitOpen bool
	LastError   string
}

// Client wraps a pooled Redis connection with retry and circuit breaking.
type Client struct {
	cfg Config
	log *slog.Logger
	brk *breaker

	mu  sync.RWMutex // guards rdb across Reconnect
	rdb *redis.Client

	errMu   sync.Mutex
	lastErr error
}

// New builds the client. It does not dial: go-redis connects lazily, and
// the probe loop (Run) reports reachability.
func New(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg: cfg,
		log: log.With("component", "distcache"),
		brk: newBreaker(cfg.OpenAfter, cfg.Cooldown),
		rdb: newRedis(cfg),
	}
}

func newRedis(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		// go-redis retries internally; the backoff policy here owns retry,
		// so internal retries are disabled to keep attempt counts exact.
		MaxRetries: -1,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
			return d.DialContext(ctx, network, addr)
		},
	})
}

// Get fetches the serialized value for key. found is false both for a miss
// and when the tier is unavailable (err distinguishes the two).
func (c *Client) Get(ctx context.Context, key string) (val []byte, found bool, err error) {
	err = c.do(ctx, func(rdb *redis.Client) error {
		b, gerr := rdb.Get(ctx, key).Bytes()
		if gerr == redis.Nil {
			return nil // miss, not a failure
		}
		if gerr != nil {
			return gerr
		}
		val = b
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// Put stores a serialized value with a TTL.
func (c *Client) Put(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.do(ctx, func(rdb *redis.Client) error {
		return rdb.Set(ctx, key, val, ttl).Err()
	})
}

// Invalidate deletes keys. Unknown keys are a no-op.
func (c *Client) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.do(ctx, func(rdb *redis.Client) error {
		return rdb.Del(ctx, keys...).Err()
	})
}

// do runs op with the configured retry policy under the circuit breaker.
func (c *Client) do(ctx context.Context, op func(*redis.Client) error) error {
	if !c.brk.allow() {
		return ErrTierUnavailable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		if cerr := ctx.Err(); cerr != nil {
			return backoff.Permanent(cerr)
		}
		return op(c.redis())
	}, policy)
	if err != nil {
		c.recordFailure(err)
		if ctx.Err() != nil {
			// The caller's budget expired; the tier may be fine.
			return ErrTierUnavailable
		}
		c.brk.failure()
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	c.brk.success()
	return nil
}

// Run is the background pre-ping loop: it verifies reachability on a fixed
// cadence, drives the circuit breaker, and exits with ctx's error when ctx
// is done.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

// probe pings once, outside the retry policy: a probe is cheap and the
// cadence itself provides the retries.
func (c *Client) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := c.redis().Ping(pctx).Err(); err != nil {
		c.recordFailure(err)
		c.brk.failure()
		if c.brk.isOpen() {
			c.log.Warn("tier2 circuit open", "addr", c.cfg.Addr, "error", err)
		}
		return
	}
	if c.brk.isOpen() {
		c.log.Info("tier2 circuit closed", "addr", c.cfg.Addr)
	}
	c.brk.success()
}

// Reconnect discards the current pool and dials fresh connections. Used by
// the health monitor when the pool looks wedged.
func (c *Client) Reconnect() {
	c.mu.Lock()
	old := c.rdb
	c.rdb = newRedis(c.cfg)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.log.Info("tier2 pool reconnected", "addr", c.cfg.Addr)
}

// Stats snapshots pool utilization and circuit state.
func (c *Client) Stats() PoolStats {
	ps := c.redis().PoolStats()
	st := PoolStats{
		TotalConns:  int(ps.TotalConns),
		IdleConns:   int(ps.IdleConns),
		PoolSize:    c.cfg.PoolSize,
		Hits:        uint64(ps.Hits),
		Misses:      uint64(ps.Misses),
		Timeouts:    uint64(ps.Timeouts),
		CircuitOpen: c.brk.isOpen(),
	}
	c.errMu.Lock()
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.errMu.Unlock()
	return st
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.redis().Close()
}

func (c *Client) redis() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

func (c *Client) recordFailure(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}
