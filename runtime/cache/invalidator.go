package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

// Index keys. Keyspace scans are forbidden; the invalidator only ever
// deletes keys it indexed itself.
const (
	tagIndexPrefix = "ci:tag:"
	keyIndexPrefix = "ci:idx:"
	statsKey       = "ci:stats"

	// DefaultIndexTTL bounds how long an untouched index survives.
	DefaultIndexTTL = 24 * time.Hour
	statsTTL        = 24 * time.Hour
)

type (
	// InvalidatorOptions configures an Invalidator. Store is required.
	InvalidatorOptions struct {
		// Store is the shared keyed store holding indexes and the entries
		// they point at.
		Store kv.Store
		// Rules drive OnEntityWrite. Optional; without rules entity writes
		// invalidate nothing.
		Rules *Ruleset
		// IndexTTL is the tag/prefix index TTL, refreshed on every union.
		IndexTTL time.Duration
		// Logger records degraded paths. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts invalidations. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Invalidator performs bulk cache invalidation through its own tag and
	// prefix indexes. Safe for concurrent use.
	Invalidator struct {
		store    kv.Store
		rules    *Ruleset
		indexTTL time.Duration
		log      telemetry.Logger
		metrics  telemetry.Metrics
	}

	// InvalidationStats is the decoded ci:stats record.
	InvalidationStats struct {
		TotalInvalidations int64
		PerEntity          map[string]int64
		PerTag             map[string]int64
		LastInvalidationAt time.Time
	}
)

// NewInvalidator builds an Invalidator from opts.
func NewInvalidator(opts InvalidatorOptions) (*Invalidator, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.IndexTTL <= 0 {
		opts.IndexTTL = DefaultIndexTTL
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Invalidator{
		store:    opts.Store,
		rules:    opts.Rules,
		indexTTL: opts.IndexTTL,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// TagEntry unions key into each tag's index and refreshes the index TTL.
func (i *Invalidator) TagEntry(ctx context.Context, key string, tags ...string) error {
	for _, tag := range tags {
		if err := i.union(ctx, tagIndexPrefix+tag, key); err != nil {
			return fmt.Errorf("tag %q: %w", tag, err)
		}
	}
	return nil
}

// RegisterKey unions key into the prefix's index and refreshes the index TTL.
func (i *Invalidator) RegisterKey(ctx context.Context, prefix, key string) error {
	if err := i.union(ctx, keyIndexPrefix+prefix, key); err != nil {
		return fmt.Errorf("register %q: %w", prefix, err)
	}
	return nil
}

// InvalidateByTag deletes every key in the tag's index, then the index
// itself. Returns how many cache keys were deleted.
func (i *Invalidator) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	idxKey := tagIndexPrefix + tag
	keys := i.readIndex(ctx, idxKey)
	var deleted int64
	if len(keys) > 0 {
		n, err := i.store.Del(ctx, keys...)
		if err != nil {
			return 0, fmt.Errorf("invalidate tag %q: %w", tag, err)
		}
		deleted = n
	}
	if _, err := i.store.Del(ctx, idxKey); err != nil {
		return int(deleted), fmt.Errorf("drop tag index %q: %w", tag, err)
	}
	i.recordStats(ctx, deleted, map[string]int64{"tag:" + tag: deleted})
	i.metrics.IncCounter(telemetry.MetricInvalidations, float64(deleted), "kind", "tag")
	return int(deleted), nil
}

// InvalidateByPattern deletes every key in the prefix's index, the index
// itself and, as a fallback, the literal prefix key (the pattern may
// designate a concrete key that was never indexed). A non-empty orgID
// resolves {orgId} placeholders first. Returns how many cache keys were
// deleted.
func (i *Invalidator) InvalidateByPattern(ctx context.Context, prefix, orgID string) (int, error) {
	if orgID != "" {
		prefix = strings.ReplaceAll(prefix, "{orgId}", orgID)
	}
	idxKey := keyIndexPrefix + prefix
	targets := i.readIndex(ctx, idxKey)
	if !slices.Contains(targets, prefix) {
		targets = append(targets, prefix)
	}
	deleted, err := i.store.Del(ctx, targets...)
	if err != nil {
		return 0, fmt.Errorf("invalidate pattern %q: %w", prefix, err)
	}
	if _, err := i.store.Del(ctx, idxKey); err != nil {
		return int(deleted), fmt.Errorf("drop pattern index %q: %w", prefix, err)
	}
	i.recordStats(ctx, deleted, nil)
	i.metrics.IncCounter(telemetry.MetricInvalidations, float64(deleted), "kind", "pattern")
	return int(deleted), nil
}

// OnEntityWrite runs the configured rules for one entity write. Placeholders
// in rule patterns and tags expand from vars; unresolved expansions fall back
// to the literal prefix. Returns the total number of cache keys deleted.
func (i *Invalidator) OnEntityWrite(ctx context.Context, entity string, op Op, vars map[string]string) (int, error) {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return 0, fmt.Errorf("%w: unknown entity operation %q", ErrInvalidArgument, op)
	}
	if i.rules == nil {
		return 0, nil
	}
	total := 0
	for _, rule := range i.rules.RulesFor(entity, op) {
		for _, pattern := range rule.Patterns {
			expanded, resolved := expandPattern(pattern, vars)
			if expanded == "" {
				continue
			}
			n, err := i.InvalidateByPattern(ctx, expanded, "")
			if err != nil {
				return total, err
			}
			if !resolved {
				i.log.Debug(ctx, "pattern fell back to literal prefix",
					"entity", entity, "pattern", pattern, "prefix", expanded)
			}
			total += n
		}
		for _, tag := range rule.Tags {
			expanded, _ := expandPattern(tag, vars)
			if expanded == "" {
				continue
			}
			n, err := i.InvalidateByTag(ctx, expanded)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	if total > 0 {
		i.recordStats(ctx, 0, map[string]int64{"entity:" + entity: int64(total)})
	}
	return total, nil
}

// Stats decodes the ci:stats record. A missing record decodes to zeroes.
func (i *Invalidator) Stats(ctx context.Context) (InvalidationStats, error) {
	fields, err := i.store.HGetAll(ctx, statsKey)
	if err != nil {
		return InvalidationStats{}, fmt.Errorf("read invalidation stats: %w", err)
	}
	out := InvalidationStats{
		PerEntity: make(map[string]int64),
		PerTag:    make(map[string]int64),
	}
	for field, raw := range fields {
		switch {
		case field == "totalInvalidations":
			out.TotalInvalidations, _ = strconv.ParseInt(raw, 10, 64)
		case field == "lastInvalidationAt":
			out.LastInvalidationAt, _ = time.Parse(time.RFC3339, raw)
		case strings.HasPrefix(field, "entity:"):
			n, _ := strconv.ParseInt(raw, 10, 64)
			out.PerEntity[strings.TrimPrefix(field, "entity:")] = n
		case strings.HasPrefix(field, "tag:"):
			n, _ := strconv.ParseInt(raw, 10, 64)
			out.PerTag[strings.TrimPrefix(field, "tag:")] = n
		}
	}
	return out, nil
}

// union adds member to the JSON array at idxKey, refreshing its TTL either
// way.
func (i *Invalidator) union(ctx context.Context, idxKey, member string) error {
	keys := i.readIndex(ctx, idxKey)
	if !slices.Contains(keys, member) {
		keys = append(keys, member)
	}
	payload, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return i.store.Set(ctx, idxKey, payload, i.indexTTL)
}

// readIndex decodes the JSON array at idxKey. Missing or corrupt indexes
// read as empty; a corrupt index is dropped so it rebuilds cleanly.
func (i *Invalidator) readIndex(ctx context.Context, idxKey string) []string {
	raw, err := i.store.Get(ctx, idxKey)
	if err != nil || raw == nil {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		i.log.Warn(ctx, "corrupt invalidation index dropped", "key", idxKey, "err", err.Error())
		_, _ = i.store.Del(ctx, idxKey)
		return nil
	}
	return keys
}

// recordStats updates the ci:stats hash in one round trip: the running
// total, any dimension counters, the last-invalidation timestamp and the TTL.
// Stats are best-effort; failures log and move on.
func (i *Invalidator) recordStats(ctx context.Context, total int64, dims map[string]int64) {
	err := i.store.Pipelined(ctx, func(p kv.Pipeliner) error {
		if total > 0 {
			p.HIncrBy(statsKey, "totalInvalidations", total)
		}
		for dim, n := range dims {
			if n > 0 {
				p.HIncrBy(statsKey, dim, n)
			}
		}
		p.HSet(statsKey, map[string]string{
			"lastInvalidationAt": time.Now().UTC().Format(time.RFC3339),
		})
		p.Expire(statsKey, statsTTL)
		return nil
	})
	if err != nil {
		i.log.Warn(ctx, "invalidation stats not recorded", "err", err.Error())
	}
}
