// Package redis implements the runtime keyed-store contract over Redis.
//
// The store maintains two client pools: a primary pool sized for user-facing
// traffic and a worker pool for background jobs (webhook dispatch, retry
// movers), so a burst of queue work cannot starve request-path commands.
// Transient command failures are retried by the client with capped
// exponential backoff; read verbs additionally degrade to zero values so
// request paths fall back (cache miss, limiter fails open) instead of
// erroring.
//
// All keys are namespaced "<env>:<key>" by the configured deployment
// environment. Keys starting with the reserved literal "pkce:" and pub/sub
// channel names pass through verbatim.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

type (
	// Options configures the store. URL is required.
	Options struct {
		// URL is the store address: "redis://", "rediss://" (TLS) or a bare
		// "host:port".
		URL string
		// Password overrides any credential embedded in the URL.
		Password string
		// Environment namespaces every key ("production", "staging"). Empty
		// disables namespacing.
		Environment string
		// Primary sizes the user-facing pool.
		Primary PoolOptions
		// Worker sizes the background-job pool.
		Worker PoolOptions
		// RetryLimit bounds per-command retries on transient connection
		// errors. Defaults to 10.
		RetryLimit int
		// LeakThreshold force-releases a WithConnection scope held longer
		// than this. Defaults to 30s.
		LeakThreshold time.Duration
		// Logger records degraded reads and leak warnings. Defaults to noop.
		Logger telemetry.Logger
	}

	// PoolOptions bounds one connection pool.
	PoolOptions struct {
		// MinConns is the number of idle connections kept warm.
		MinConns int
		// MaxConns caps the pool size.
		MaxConns int
		// AcquireTimeout bounds the wait for a free connection; exceeding it
		// fails the command with kv.ErrPoolExhausted.
		AcquireTimeout time.Duration
	}

	// Store implements kv.Store over go-redis. Obtain with New.
	Store struct {
		rdb  *redis.Client
		root *shared
	}

	// shared holds state common to the primary and worker views.
	shared struct {
		primary   *redis.Client
		worker    *redis.Client
		env       string
		leak      time.Duration
		log       telemetry.Logger
		scripts   sync.Map // script source -> *redis.Script
		closeOnce sync.Once
		closeErr  error
	}
)

// Pool and retry defaults.
const (
	DefaultPrimaryMinConns = 5
	DefaultPrimaryMaxConns = 50
	DefaultWorkerMinConns  = 2
	DefaultWorkerMaxConns  = 20
	DefaultAcquireTimeout  = 5 * time.Second
	DefaultRetryLimit      = 10
	DefaultLeakThreshold   = 30 * time.Second

	minRetryBackoff = 50 * time.Millisecond
	maxRetryBackoff = 2 * time.Second

	clientName = "redis"

	// pkcePrefix marks keys exempt from environment namespacing: PKCE
	// verifiers are written by the auth edge before the environment is known.
	pkcePrefix = "pkce:"
)

// New connects both pools and verifies connectivity is at least configured
// (no network round trip; use Ping for that).
func New(opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, errors.New("URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.LeakThreshold <= 0 {
		opts.LeakThreshold = DefaultLeakThreshold
	}
	applyPoolDefaults(&opts.Primary, DefaultPrimaryMinConns, DefaultPrimaryMaxConns)
	applyPoolDefaults(&opts.Worker, DefaultWorkerMinConns, DefaultWorkerMaxConns)

	primary, err := newClient(opts, opts.Primary)
	if err != nil {
		return nil, fmt.Errorf("configure primary pool: %w", err)
	}
	worker, err := newClient(opts, opts.Worker)
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("configure worker pool: %w", err)
	}

	root := &shared{
		primary: primary,
		worker:  worker,
		env:     opts.Environment,
		leak:    opts.LeakThreshold,
		log:     opts.Logger,
	}
	return &Store{rdb: primary, root: root}, nil
}

func applyPoolDefaults(p *PoolOptions, minConns, maxConns int) {
	if p.MinConns <= 0 {
		p.MinConns = minConns
	}
	if p.MaxConns <= 0 {
		p.MaxConns = maxConns
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = DefaultAcquireTimeout
	}
}

func newClient(opts Options, pool PoolOptions) (*redis.Client, error) {
	var ropts *redis.Options
	if strings.Contains(opts.URL, "://") {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: opts.URL}
	}
	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	ropts.PoolSize = pool.MaxConns
	ropts.MinIdleConns = pool.MinConns
	ropts.PoolTimeout = pool.AcquireTimeout
	ropts.MaxRetries = opts.RetryLimit
	ropts.MinRetryBackoff = minRetryBackoff
	ropts.MaxRetryBackoff = maxRetryBackoff
	ropts.ConnMaxIdleTime = 5 * time.Minute
	return redis.NewClient(ropts), nil
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return clientName }

// Worker returns the store view bound to the background-job pool.
func (s *Store) Worker() kv.Store {
	return &Store{rdb: s.root.worker, root: s.root}
}

// Ping verifies connectivity of both pools.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Join(
		s.root.primary.Ping(ctx).Err(),
		s.root.worker.Ping(ctx).Err(),
	)
}

// Close releases both pools. Safe to call from any view, once.
func (s *Store) Close() error {
	s.root.closeOnce.Do(func() {
		s.root.closeErr = errors.Join(
			s.root.primary.Close(),
			s.root.worker.Close(),
		)
	})
	return s.root.closeErr
}

// key namespaces a logical key by environment. Reserved pkce keys pass
// through.
func (s *Store) key(k string) string {
	if s.root.env == "" || strings.HasPrefix(k, pkcePrefix) {
		return k
	}
	return s.root.env + ":" + k
}

func (s *Store) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = s.key(k)
	}
	return out
}

// degradeRead reports whether err should degrade to a zero-value read. Caller
// cancellation propagates; everything else is logged and swallowed.
func (s *Store) degradeRead(ctx context.Context, op, key string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.root.log.Warn(ctx, "kv read degraded", "op", op, "key", key, "err", err.Error())
	return nil
}

// wrapWrite normalizes write-side errors, mapping pool acquisition timeouts
// to kv.ErrPoolExhausted.
func wrapWrite(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrPoolTimeout) {
		return fmt.Errorf("%s %q: %w", op, key, kv.ErrPoolExhausted)
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}

// Get returns the value at key, nil on miss, and nil on degraded reads.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return nil, s.degradeRead(ctx, "get", key, err)
	}
	return val, nil
}

// Set stores value at key with the given TTL (zero means no expiry).
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapWrite("set", key, s.rdb.Set(ctx, s.key(key), value, ttl).Err())
}

// SetNX stores value only when key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, wrapWrite("setnx", key, err)
	}
	return ok, nil
}

// Del removes keys and returns the number removed.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, s.keys(keys)...).Result()
	if err != nil {
		return 0, wrapWrite("del", keys[0], err)
	}
	return n, nil
}

// Exists returns how many of the given keys exist.
func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.rdb.Exists(ctx, s.keys(keys)...).Result()
	if err != nil {
		return 0, wrapWrite("exists", keys[0], err)
	}
	return n, nil
}

// Incr atomically increments the integer at key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrapWrite("incr", key, err)
	}
	return n, nil
}

// Expire sets the key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapWrite("expire", key, s.rdb.Expire(ctx, s.key(key), ttl).Err())
}

// PTTL returns the remaining TTL of key.
func (s *Store) PTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrapWrite("pttl", key, err)
	}
	return d, nil
}

// HGetAll returns all fields of the hash at key.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return map[string]string{}, s.degradeRead(ctx, "hgetall", key, err)
	}
	return m, nil
}

// HSet writes the given fields of the hash at key.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrapWrite("hset", key, s.rdb.HSet(ctx, s.key(key), fields).Err())
}

// HIncrBy atomically increments a hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, s.key(key), field, incr).Result()
	if err != nil {
		return 0, wrapWrite("hincrby", key, err)
	}
	return n, nil
}

// LPush prepends values to the list at key.
func (s *Store) LPush(ctx context.Context, key string, values ...[]byte) error {
	return wrapWrite("lpush", key, s.rdb.LPush(ctx, s.key(key), byteSliceToAny(values)...).Err())
}

// RPush appends values to the list at key.
func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) error {
	return wrapWrite("rpush", key, s.rdb.RPush(ctx, s.key(key), byteSliceToAny(values)...).Err())
}

// LRem removes count occurrences of value from the list at key.
func (s *Store) LRem(ctx context.Context, key string, count int64, value []byte) (int64, error) {
	n, err := s.rdb.LRem(ctx, s.key(key), count, value).Result()
	if err != nil {
		return 0, wrapWrite("lrem", key, err)
	}
	return n, nil
}

// LRange returns list elements between start and stop inclusive.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, s.degradeRead(ctx, "lrange", key, err)
	}
	return vals, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrapWrite("llen", key, err)
	}
	return n, nil
}

// ZAdd adds members to the sorted set at key.
func (s *Store) ZAdd(ctx context.Context, key string, members ...kv.Z) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return wrapWrite("zadd", key, s.rdb.ZAdd(ctx, s.key(key), zs...).Err())
}

// ZRem removes members from the sorted set at key.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.rdb.ZRem(ctx, s.key(key), args...).Result()
	if err != nil {
		return 0, wrapWrite("zrem", key, err)
	}
	return n, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrapWrite("zcard", key, err)
	}
	return n, nil
}

// ZRangeByScore returns members with scores in [min, max].
func (s *Store) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	vals, err := s.rdb.ZRangeByScore(ctx, s.key(key), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, s.degradeRead(ctx, "zrangebyscore", key, err)
	}
	return vals, nil
}

// ZRangeByScoreWithScores returns scored members in [min, max], paginated.
func (s *Store) ZRangeByScoreWithScores(ctx context.Context, key, min, max string, offset, count int64) ([]kv.Z, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.key(key), &redis.ZRangeBy{
		Min: min, Max: max, Offset: offset, Count: count,
	}).Result()
	if err != nil {
		return nil, s.degradeRead(ctx, "zrangebyscore", key, err)
	}
	out := make([]kv.Z, len(zs))
	for i, z := range zs {
		out[i] = kv.Z{Score: z.Score, Member: fmt.Sprint(z.Member)}
	}
	return out, nil
}

// ZRemRangeByScore removes members with scores in [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, s.key(key), min, max).Result()
	if err != nil {
		return 0, wrapWrite("zremrangebyscore", key, err)
	}
	return n, nil
}

// Publish sends payload on channel. Channel names are not namespaced.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapWrite("publish", channel, s.rdb.Publish(ctx, channel, payload).Err())
}

// ConfigSet applies a server configuration parameter.
func (s *Store) ConfigSet(ctx context.Context, parameter, value string) error {
	return wrapWrite("config set", parameter, s.rdb.ConfigSet(ctx, parameter, value).Err())
}

// Eval runs a Lua script, caching the compiled script so repeat evaluations
// use EVALSHA. Keys are namespaced; args pass through.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	cached, _ := s.root.scripts.LoadOrStore(script, redis.NewScript(script))
	res, err := cached.(*redis.Script).Run(ctx, s.rdb, s.keys(keys), args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		k := ""
		if len(keys) > 0 {
			k = keys[0]
		}
		return nil, wrapWrite("eval", k, err)
	}
	return res, nil
}

func byteSliceToAny(values [][]byte) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
