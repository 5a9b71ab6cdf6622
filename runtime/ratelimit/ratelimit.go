// Package ratelimit enforces per-(organization, provider) request and token
// budgets ahead of backend calls. Four fixed windows guard each pair: RPM and
// RPH count requests, TPM and TPD count tokens. An explicit backoff key,
// escalated on every throttled call and cleared on success, dominates the
// windows so a provider telling us to slow down always wins.
//
// Windows are advisory aggregates fed by estimates; exact per-account
// accounting is the capacity tracker's job.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/provider"
	"goa.design/relay/runtime/telemetry"
)

type (
	// Options configures the limiter. Store is required.
	Options struct {
		// Store is the shared keyed store holding windows and backoff keys.
		Store kv.Store
		// Limits overrides the per-provider defaults, keyed by provider
		// name. Providers absent from the map use DefaultLimits.
		Limits map[string]Limits
		// Attempts bounds WithRateLimit invocation attempts. Defaults to 3.
		Attempts int
		// SleepCap bounds a single WithRateLimit wait. Defaults to 30s.
		SleepCap time.Duration
		// Logger records degraded checks. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts backoff escalations. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Limits are the window ceilings for one provider.
	Limits struct {
		// RPM caps requests per minute.
		RPM int64
		// RPH caps requests per hour.
		RPH int64
		// TPM caps tokens per minute.
		TPM int64
		// TPD caps tokens per day.
		TPD int64
	}

	// Limiter guards backend calls. Safe for concurrent use.
	Limiter struct {
		store    kv.Store
		limits   map[string]Limits
		attempts int
		sleepCap time.Duration
		log      telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Verdict is the outcome of one admission check.
	Verdict struct {
		// Allowed reports whether the call may proceed.
		Allowed bool
		// RetryAfter is how long to wait before the denying window clears.
		RetryAfter time.Duration
		// Window names what denied: "backoff", "rpm", "rph", "tpm" or "tpd".
		Window string
	}
)

// Window durations.
const (
	windowRPM = time.Minute
	windowRPH = time.Hour
	windowTPM = time.Minute
	windowTPD = 24 * time.Hour
)

// Backoff escalation bounds and loop defaults.
const (
	minBackoff      = time.Second
	maxBackoff      = time.Minute
	DefaultAttempts = 3
	DefaultSleepCap = 30 * time.Second
)

// Key prefixes in the keyed store.
const (
	windowPrefix  = "ratelimit:"
	backoffPrefix = "backoff:"
)

// checkScript admits or denies one prospective call. KEYS = {backoff, rpm,
// rph, tpm, tpd}; ARGV = {estimatedTokens, rpmLimit, rphLimit, tpmLimit,
// tpdLimit}. Returns {deniedWindow, retryAfterMs}; an empty window name means
// allowed.
const checkScript = `
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
	return {"backoff", ttl}
end
local names = {"rpm", "rph", "tpm", "tpd"}
local est = tonumber(ARGV[1])
for i = 2, 5 do
	local used = tonumber(redis.call("GET", KEYS[i])) or 0
	local add = 1
	if i > 3 then
		add = est
	end
	if used + add > tonumber(ARGV[i]) then
		local t = redis.call("PTTL", KEYS[i])
		if t < 0 then
			t = 0
		end
		return {names[i-1], t}
	end
end
return {"", 0}
`

// recordScript advances all four windows. KEYS = {rpm, rph, tpm, tpd}; ARGV =
// {tokens, rpmWindowMs, rphWindowMs, tpmWindowMs, tpdWindowMs}. A window's
// TTL starts when its counter is created, fixed-window style.
const recordScript = `
local function bump(key, amount, win)
	local v = redis.call("INCRBY", key, amount)
	if v == amount then
		redis.call("PEXPIRE", key, win)
	end
end
bump(KEYS[1], 1, tonumber(ARGV[2]))
bump(KEYS[2], 1, tonumber(ARGV[3]))
bump(KEYS[3], tonumber(ARGV[1]), tonumber(ARGV[4]))
bump(KEYS[4], tonumber(ARGV[1]), tonumber(ARGV[5]))
return 1
`

// escalateScript doubles the stored backoff within [minMs, maxMs] and arms
// it for exactly its own duration. KEYS = {backoff}; ARGV = {minMs, maxMs}.
// Returns the new backoff in ms.
const escalateScript = `
local cur = tonumber(redis.call("GET", KEYS[1])) or 0
local next = cur * 2
if next < tonumber(ARGV[1]) then
	next = tonumber(ARGV[1])
end
if next > tonumber(ARGV[2]) then
	next = tonumber(ARGV[2])
end
redis.call("SET", KEYS[1], next)
redis.call("PEXPIRE", KEYS[1], next)
return next
`

// DefaultLimits returns the baked-in ceilings for a provider. Unknown
// providers get a conservative allowance so a typo cannot disable limiting.
func DefaultLimits(providerName string) Limits {
	switch providerName {
	case provider.NameAnthropic:
		return Limits{RPM: 4000, RPH: 50_000, TPM: 400_000, TPD: 50_000_000}
	case provider.NameOpenAI:
		return Limits{RPM: 10_000, RPH: 100_000, TPM: 2_000_000, TPD: 200_000_000}
	case provider.NameBedrock:
		return Limits{RPM: 2000, RPH: 40_000, TPM: 800_000, TPD: 80_000_000}
	default:
		return Limits{RPM: 600, RPH: 10_000, TPM: 100_000, TPD: 10_000_000}
	}
}

// New builds a limiter from opts.
func New(opts Options) (*Limiter, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.SleepCap <= 0 {
		opts.SleepCap = DefaultSleepCap
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Limiter{
		store:    opts.Store,
		limits:   opts.Limits,
		attempts: opts.Attempts,
		sleepCap: opts.SleepCap,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// limitsFor resolves the ceilings for a provider.
func (l *Limiter) limitsFor(providerName string) Limits {
	if lim, ok := l.limits[providerName]; ok {
		return lim
	}
	return DefaultLimits(providerName)
}

// Check reports whether one call of estimatedTokens may go to the provider
// on the organization's behalf. A live backoff dominates the windows. Store
// failures degrade open.
func (l *Limiter) Check(ctx context.Context, org, providerName string, estimatedTokens int64) Verdict {
	lim := l.limitsFor(providerName)
	keys := append([]string{backoffKey(org, providerName)}, windowKeys(org, providerName)...)
	res, err := l.store.Eval(ctx, checkScript, keys,
		estimatedTokens, lim.RPM, lim.RPH, lim.TPM, lim.TPD,
	)
	vals, ok := res.([]any)
	if err != nil || !ok || len(vals) != 2 {
		l.log.Warn(ctx, "provider limit check failed open",
			"org", org, "provider", providerName, "err", evalErr(err, res))
		return Verdict{Allowed: true}
	}
	window, _ := vals[0].(string)
	if window == "" {
		return Verdict{Allowed: true}
	}
	retryMs, _ := vals[1].(int64)
	return Verdict{RetryAfter: time.Duration(retryMs) * time.Millisecond, Window: window}
}

// Record advances all four windows after a completed call.
func (l *Limiter) Record(ctx context.Context, org, providerName string, tokens int64) error {
	_, err := l.store.Eval(ctx, recordScript, windowKeys(org, providerName),
		tokens,
		windowRPM.Milliseconds(), windowRPH.Milliseconds(),
		windowTPM.Milliseconds(), windowTPD.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record provider usage for %s/%s: %w", org, providerName, err)
	}
	return nil
}

// RecordRateLimitError escalates the pair's backoff: double the previous
// value, never below one second, capped at one minute. Returns the new
// backoff.
func (l *Limiter) RecordRateLimitError(ctx context.Context, org, providerName string) (time.Duration, error) {
	res, err := l.store.Eval(ctx, escalateScript,
		[]string{backoffKey(org, providerName)},
		minBackoff.Milliseconds(), maxBackoff.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("escalate backoff for %s/%s: %w", org, providerName, err)
	}
	ms, _ := res.(int64)
	backoff := time.Duration(ms) * time.Millisecond
	l.metrics.IncCounter(telemetry.MetricProviderBackoffs, 1, "provider", providerName)
	l.log.Warn(ctx, "provider backoff escalated",
		"org", org, "provider", providerName, "backoff", backoff.String())
	return backoff, nil
}

// ClearBackoff drops the pair's backoff after a successful call.
func (l *Limiter) ClearBackoff(ctx context.Context, org, providerName string) error {
	if _, err := l.store.Del(ctx, backoffKey(org, providerName)); err != nil {
		return fmt.Errorf("clear backoff for %s/%s: %w", org, providerName, err)
	}
	return nil
}

// WithRateLimit runs fn under the pair's limits: check, wait out denials (up
// to SleepCap per attempt, honoring ctx), then invoke. Successful calls
// advance the windows and clear the backoff; rate-limited failures escalate
// the backoff and retry. Other errors return immediately. Exhausting every
// attempt returns the last rate-limit error.
func (l *Limiter) WithRateLimit(ctx context.Context, org, providerName string, estimatedTokens int64, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < l.attempts; attempt++ {
		if verdict := l.Check(ctx, org, providerName, estimatedTokens); !verdict.Allowed {
			wait := verdict.RetryAfter
			if wait > l.sleepCap {
				wait = l.sleepCap
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			if rerr := l.Record(ctx, org, providerName, estimatedTokens); rerr != nil {
				l.log.Warn(ctx, "provider usage not recorded",
					"org", org, "provider", providerName, "err", rerr.Error())
			}
			if cerr := l.ClearBackoff(ctx, org, providerName); cerr != nil {
				l.log.Warn(ctx, "backoff not cleared",
					"org", org, "provider", providerName, "err", cerr.Error())
			}
			return nil
		}
		if !provider.IsRateLimited(err) {
			return err
		}
		lastErr = err
		if _, rerr := l.RecordRateLimitError(ctx, org, providerName); rerr != nil {
			l.log.Warn(ctx, "backoff not escalated",
				"org", org, "provider", providerName, "err", rerr.Error())
		}
	}
	return fmt.Errorf("rate limited after %d attempts: %w", l.attempts, lastErr)
}

func windowKeys(org, providerName string) []string {
	base := windowPrefix + org + ":" + providerName + ":"
	return []string{base + "rpm", base + "rph", base + "tpm", base + "tpd"}
}

func backoffKey(org, providerName string) string {
	return backoffPrefix + org + ":" + providerName
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func evalErr(err error, res any) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("unexpected script reply %T", res)
}
