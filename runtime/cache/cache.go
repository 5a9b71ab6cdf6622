// Package cache provides the read-through cache shared by the relay services.
// GetOrSet protects expensive computations against stampedes twice over:
// concurrent callers inside one process collapse onto a single flight, and
// across the fleet a keyed lock elects one filler while everyone else polls
// for the value. The package also hosts the tag/index invalidator; production
// never scans the keyspace, so every bulk invalidation goes through indexes
// the invalidator maintains itself.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

// ErrInvalidArgument reports input the cache refuses to act on, such as a
// malformed ruleset manifest or an unknown entity operation.
var ErrInvalidArgument = errors.New("invalid argument")

// DataType classifies a cached value so Set can pick a sensible TTL.
type DataType string

const (
	// DataTypeStable marks schema-like values that change rarely.
	DataTypeStable DataType = "stable"
	// DataTypeVolatile marks query-like values that go stale quickly.
	DataTypeVolatile DataType = "volatile"
)

// Defaults. StableTTL must stay >= VolatileTTL.
const (
	DefaultStableTTL     = 6 * time.Hour
	DefaultVolatileTTL   = 5 * time.Minute
	DefaultLockTTL       = 10 * time.Second
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultMaxWait       = 5 * time.Second
	DefaultHotTTL        = 30 * time.Second
)

type (
	// Options configures a Cache. Store is required.
	Options struct {
		// Store is the shared keyed store backing the cache.
		Store kv.Store
		// StableTTL is the default TTL for DataTypeStable writes.
		StableTTL time.Duration
		// VolatileTTL is the default TTL for DataTypeVolatile writes.
		VolatileTTL time.Duration
		// LockTTL bounds how long a crashed filler can block others.
		LockTTL time.Duration
		// RetryInterval is the poll cadence while another filler works.
		RetryInterval time.Duration
		// MaxWait bounds the poll; past it the caller computes for itself.
		MaxWait time.Duration
		// HotTTL is the in-process hot cache TTL.
		HotTTL time.Duration
		// DisableHotCache turns the in-process layer off.
		DisableHotCache bool
		// Logger records degraded paths. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts hits and misses. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Cache is a read-through cache over the keyed store. Safe for
	// concurrent use.
	Cache struct {
		store         kv.Store
		stableTTL     time.Duration
		volatileTTL   time.Duration
		lockTTL       time.Duration
		retryInterval time.Duration
		maxWait       time.Duration
		hot           *hotCache
		flight        singleflight.Group
		log           telemetry.Logger
		metrics       telemetry.Metrics
	}

	hotCache struct {
		mu      sync.Mutex
		ttl     time.Duration
		entries map[string]hotEntry
	}

	hotEntry struct {
		value     []byte
		expiresAt time.Time
	}
)

// New builds a Cache from opts.
func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.StableTTL <= 0 {
		opts.StableTTL = DefaultStableTTL
	}
	if opts.VolatileTTL <= 0 {
		opts.VolatileTTL = DefaultVolatileTTL
	}
	if opts.StableTTL < opts.VolatileTTL {
		return nil, fmt.Errorf("StableTTL %s must be at least VolatileTTL %s", opts.StableTTL, opts.VolatileTTL)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.HotTTL <= 0 {
		opts.HotTTL = DefaultHotTTL
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	c := &Cache{
		store:         opts.Store,
		stableTTL:     opts.StableTTL,
		volatileTTL:   opts.VolatileTTL,
		lockTTL:       opts.LockTTL,
		retryInterval: opts.RetryInterval,
		maxWait:       opts.MaxWait,
		log:           opts.Logger,
		metrics:       opts.Metrics,
	}
	if !opts.DisableHotCache {
		c.hot = &hotCache{ttl: opts.HotTTL, entries: make(map[string]hotEntry)}
	}
	return c, nil
}

// GetOrSet returns the cached value at key, computing and storing it on miss.
// Concurrent callers in this process share one execution. Across processes a
// keyed lock elects a single filler; the rest poll for the filled value and,
// past MaxWait, compute for themselves without writing back.
//
// compute runs with the first caller's context when flights collapse.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidArgument)
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.fill(ctx, key, ttl, compute)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) fill(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if b, ok := c.hotGet(key); ok {
		c.metrics.IncCounter(telemetry.MetricCacheHits, 1, "layer", "hot")
		return b, nil
	}
	b, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if b != nil {
		c.metrics.IncCounter(telemetry.MetricCacheHits, 1, "layer", "store")
		c.hotSet(key, b)
		return b, nil
	}
	c.metrics.IncCounter(telemetry.MetricCacheMisses, 1)

	mu, acquired, err := kv.AcquireMutex(ctx, c.store, key+":lock", c.lockTTL)
	if err != nil {
		// Lock state unknown; serve the caller without touching the cache.
		c.log.Warn(ctx, "cache lock unavailable, computing without write", "key", key, "err", err.Error())
		return compute(ctx)
	}
	if acquired {
		value, cerr := compute(ctx)
		if cerr != nil {
			if rerr := mu.Release(ctx); rerr != nil {
				c.log.Warn(ctx, "cache lock not released", "key", key, "err", rerr.Error())
			}
			return nil, cerr
		}
		if serr := c.store.Set(ctx, key, value, ttl); serr != nil {
			c.log.Warn(ctx, "computed value not cached", "key", key, "err", serr.Error())
		}
		if rerr := mu.Release(ctx); rerr != nil {
			c.log.Warn(ctx, "cache lock not released", "key", key, "err", rerr.Error())
		}
		c.hotSet(key, value)
		return value, nil
	}
	return c.await(ctx, key, compute)
}

// await polls for the value another filler is computing. Timing out is not
// fatal: the caller computes its own copy and leaves the cache alone.
func (c *Cache) await(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	deadline := time.Now().Add(c.maxWait)
	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			b, err := c.store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if b != nil {
				c.hotSet(key, b)
				return b, nil
			}
			if time.Now().After(deadline) {
				c.log.Warn(ctx, "cache fill wait timed out, computing without write", "key", key)
				return compute(ctx)
			}
		}
	}
}

// Get returns the value at key, or nil when absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if b, ok := c.hotGet(key); ok {
		c.metrics.IncCounter(telemetry.MetricCacheHits, 1, "layer", "hot")
		return b, nil
	}
	b, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if b != nil {
		c.metrics.IncCounter(telemetry.MetricCacheHits, 1, "layer", "store")
		c.hotSet(key, b)
	} else {
		c.metrics.IncCounter(telemetry.MetricCacheMisses, 1)
	}
	return b, nil
}

// Set stores value with the data type's default TTL and drops any hot copy so
// the next read observes the write.
func (c *Cache) Set(ctx context.Context, key string, value []byte, dt DataType) error {
	return c.SetWithTTL(ctx, key, value, c.ttlFor(dt))
}

// SetWithTTL stores value with an explicit TTL. Entries are never unbounded.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidArgument)
	}
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	c.hotDelete(key)
	return nil
}

// Delete removes key from the store and the hot layer.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.store.Del(ctx, key); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	c.hotDelete(key)
	return nil
}

// SetJSON encodes v and stores it under the data type's default TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, dt DataType) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	return c.Set(ctx, key, b, dt)
}

// GetJSON decodes the value at key into out. Reports whether the key was
// present.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	b, err := c.Get(ctx, key)
	if err != nil || b == nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	return true, nil
}

func (c *Cache) ttlFor(dt DataType) time.Duration {
	if dt == DataTypeStable {
		return c.stableTTL
	}
	return c.volatileTTL
}

func (c *Cache) hotGet(key string) ([]byte, bool) {
	if c.hot == nil {
		return nil, false
	}
	return c.hot.get(key)
}

func (c *Cache) hotSet(key string, value []byte) {
	if c.hot != nil {
		c.hot.set(key, value)
	}
}

func (c *Cache) hotDelete(key string) {
	if c.hot != nil {
		c.hot.delete(key)
	}
}

func (h *hotCache) get(key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(h.entries, key)
		return nil, false
	}
	return e.value, true
}

func (h *hotCache) set(key string, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[key] = hotEntry{value: value, expiresAt: time.Now().Add(h.ttl)}
}

func (h *hotCache) delete(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, key)
}
