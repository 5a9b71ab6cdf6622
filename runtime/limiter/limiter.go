// Package limiter implements a fleet-accurate sliding-window rate limiter on
// top of the keyed store. Each window is a sorted set of timestamp-scored
// members pruned and counted atomically by a stored script, so concurrent
// checks from any process observe the same count.
//
// The limiter fails open: when the store is unreachable a check admits the
// request and says so in Result.Reason. Protecting the backends from a store
// outage is the circuit breaker's job, not the limiter's.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

type (
	// Options configures the limiter. Store is required.
	Options struct {
		// Store is the shared keyed store holding the windows.
		Store kv.Store
		// Logger records degraded checks. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts denials. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Limiter checks sliding windows. Safe for concurrent use.
	Limiter struct {
		store   kv.Store
		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	// Result is the outcome of one admission check.
	Result struct {
		// Allowed reports whether the request may proceed.
		Allowed bool
		// Current is the number of requests in the window after this check.
		Current int64
		// Remaining is the allowance available when the check ran: max less
		// the requests already in the window, zero on denials.
		Remaining int64
		// ResetAt is when the oldest window entry expires.
		ResetAt time.Time
		// Reason is set on denials and degraded checks.
		Reason string
	}
)

// Denial and degradation reasons surfaced to ingress.
const (
	ReasonUserLimited = "user rate limit exceeded"
	ReasonOrgLimited  = "organization rate limit exceeded"
	ReasonCheckFailed = "rate limit check failed"
)

// keyPrefix namespaces limiter windows in the keyed store.
const keyPrefix = "ratelimit:"

// checkScript prunes entries older than the window, admits the request when
// the count is under max, and refreshes the key TTL. Returns
// {allowed, count after this check, oldest entry score in ms}.
const checkScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < max then
	redis.call("ZADD", key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local reset = now
if oldest[2] then
	reset = tonumber(oldest[2])
end
return {allowed, count, reset}
`

// New builds a limiter from opts.
func New(opts Options) (*Limiter, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Limiter{store: opts.Store, log: opts.Logger, metrics: opts.Metrics}, nil
}

// Check admits one request against the window at key. A zero max denies
// everything; a store failure admits and reports ReasonCheckFailed.
func (l *Limiter) Check(ctx context.Context, key string, window time.Duration, max int64) Result {
	now := time.Now()
	res, err := l.store.Eval(ctx, checkScript,
		[]string{keyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), max, nonce(now),
	)
	if err != nil {
		l.log.Warn(ctx, "rate limit check failed open", "key", key, "err", err.Error())
		return Result{Allowed: true, Remaining: max, ResetAt: now.Add(window), Reason: ReasonCheckFailed}
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		l.log.Warn(ctx, "rate limit check failed open", "key", key, "err", fmt.Sprintf("unexpected script reply %T", res))
		return Result{Allowed: true, Remaining: max, ResetAt: now.Add(window), Reason: ReasonCheckFailed}
	}
	allowed, count, oldest := toInt64(vals[0]) == 1, toInt64(vals[1]), toInt64(vals[2])
	out := Result{
		Allowed: allowed,
		Current: count,
		ResetAt: time.UnixMilli(oldest).Add(window),
	}
	if allowed {
		out.Remaining = max - count + 1
	} else {
		l.metrics.IncCounter(telemetry.MetricLimiterDenied, 1, "key", key)
	}
	return out
}

// CheckUserAndOrg admits a request only when both the user and organization
// windows admit it. The organization window is only touched once the user
// window passes, so a user-limited request never consumes org budget. On
// success the binding result (fewest remaining) is returned so ingress
// headers reflect the tighter constraint.
func (l *Limiter) CheckUserAndOrg(ctx context.Context, userKey, orgKey string, window time.Duration, userMax, orgMax int64) Result {
	user := l.Check(ctx, userKey, window, userMax)
	if !user.Allowed {
		user.Reason = ReasonUserLimited
		return user
	}
	org := l.Check(ctx, orgKey, window, orgMax)
	if !org.Allowed {
		org.Reason = ReasonOrgLimited
		return org
	}
	if org.Remaining < user.Remaining {
		return org
	}
	return user
}

// ResetLimits clears the user and organization windows, restoring the full
// allowance immediately.
func (l *Limiter) ResetLimits(ctx context.Context, userKey, orgKey string) error {
	if _, err := l.store.Del(ctx, keyPrefix+userKey, keyPrefix+orgKey); err != nil {
		return fmt.Errorf("reset limits: %w", err)
	}
	return nil
}

// Headers renders a check result as HTTP rate-limit response headers. Denied
// results additionally carry Retry-After in whole seconds, rounded up so
// clients never retry early.
func Headers(res Result, max int64) map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(max, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(res.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(res.ResetAt.Unix(), 10),
	}
	if !res.Allowed {
		retry := int64(time.Until(res.ResetAt).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		h["Retry-After"] = strconv.FormatInt(retry, 10)
	}
	return h
}

// nonce makes window members unique so two admissions in the same
// millisecond cannot collapse into one sorted-set entry.
func nonce(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
