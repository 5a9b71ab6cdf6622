// Package breaker implements a per-account circuit breaker whose state lives
// in the keyed store, so every process in the fleet sees the same circuit.
// Transitions run as stored scripts: concurrent successes and failures from
// many workers cannot race the state machine.
//
// The cycle is closed → open after OpenThreshold consecutive failures, open →
// half-open once HalfOpenAfter has elapsed (probe traffic only), half-open →
// closed after HalfOpenSuccesses consecutive successes, and half-open → open
// on any failure.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

type (
	// Options configures the breaker. Store is required.
	Options struct {
		// Store is the shared keyed store holding circuit state.
		Store kv.Store
		// OpenThreshold is the consecutive-failure count that opens the
		// circuit. Defaults to 5.
		OpenThreshold int
		// HalfOpenAfter is how long an open circuit waits before admitting
		// probes. Defaults to 30s; values must fall in [30s, 60s].
		HalfOpenAfter time.Duration
		// HalfOpenSuccesses is the consecutive-success count that closes a
		// half-open circuit. Defaults to 3.
		HalfOpenSuccesses int
		// Logger records degraded reads. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts transitions. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Breaker runs the circuit state machine. Safe for concurrent use.
	Breaker struct {
		store         kv.Store
		openThreshold int
		halfOpenAfter time.Duration
		needSuccesses int
		log           telemetry.Logger
		metrics       telemetry.Metrics
	}

	// State is a circuit state.
	State string

	// Decision is the outcome of an admission check.
	Decision struct {
		// Allowed reports whether traffic may reach the account.
		Allowed bool
		// State is the circuit state after the check.
		State State
		// Probe marks a half-open admission; callers should treat probe
		// traffic as diagnostic, not steady-state.
		Probe bool
	}

	// Transition is the state change taken by a recorded outcome. From and
	// To are equal when nothing changed.
	Transition struct {
		From State
		To   State
	}
)

// Circuit states.
const (
	Closed   State = "closed"
	HalfOpen State = "half-open"
	Open     State = "open"
)

// Defaults and validity bounds.
const (
	DefaultOpenThreshold     = 5
	DefaultHalfOpenAfter     = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	minHalfOpenAfter = 30 * time.Second
	maxHalfOpenAfter = 60 * time.Second
)

// keyPrefix namespaces circuit hashes in the keyed store.
const keyPrefix = "breaker:"

// allowScript admits or rejects traffic, promoting an expired open circuit
// to half-open on the way. KEYS = {circuit}; ARGV = {nowMs, halfOpenAfterMs}.
// Returns {state, allowed, probe}.
const allowScript = `
local key = KEYS[1]
local state = redis.call("HGET", key, "state")
if not state or state == "closed" then
	return {"closed", 1, 0}
end
if state == "half-open" then
	return {"half-open", 1, 1}
end
local openedAt = tonumber(redis.call("HGET", key, "opened_at")) or 0
if tonumber(ARGV[1]) >= openedAt + tonumber(ARGV[2]) then
	redis.call("HSET", key, "state", "half-open", "successes", 0)
	return {"half-open", 1, 1}
end
return {"open", 0, 0}
`

// successScript applies one success. KEYS = {circuit}; ARGV =
// {halfOpenSuccesses}. Returns {from, to}.
const successScript = `
local key = KEYS[1]
local state = redis.call("HGET", key, "state")
if not state or state == "closed" then
	if (tonumber(redis.call("HGET", key, "failures")) or 0) > 0 then
		redis.call("HSET", key, "failures", 0)
	end
	return {"closed", "closed"}
end
if state == "half-open" then
	local n = redis.call("HINCRBY", key, "successes", 1)
	if n >= tonumber(ARGV[1]) then
		redis.call("HSET", key, "state", "closed", "failures", 0, "successes", 0)
		redis.call("HDEL", key, "opened_at")
		return {"half-open", "closed"}
	end
	return {"half-open", "half-open"}
end
return {"open", "open"}
`

// failureScript applies one failure. KEYS = {circuit}; ARGV = {nowMs,
// openThreshold, reason}. Returns {from, to}.
const failureScript = `
local key = KEYS[1]
local state = redis.call("HGET", key, "state")
redis.call("HSET", key, "last_failure_reason", ARGV[3])
if state == "half-open" then
	redis.call("HSET", key, "state", "open", "opened_at", ARGV[1], "successes", 0)
	return {"half-open", "open"}
end
if state == "open" then
	return {"open", "open"}
end
local n = redis.call("HINCRBY", key, "failures", 1)
if n >= tonumber(ARGV[2]) then
	redis.call("HSET", key, "state", "open", "opened_at", ARGV[1], "successes", 0)
	return {"closed", "open"}
end
redis.call("HSET", key, "state", "closed")
return {"closed", "closed"}
`

// New builds a breaker from opts.
func New(opts Options) (*Breaker, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.OpenThreshold <= 0 {
		opts.OpenThreshold = DefaultOpenThreshold
	}
	if opts.HalfOpenAfter == 0 {
		opts.HalfOpenAfter = DefaultHalfOpenAfter
	}
	if opts.HalfOpenAfter < minHalfOpenAfter || opts.HalfOpenAfter > maxHalfOpenAfter {
		return nil, fmt.Errorf("HalfOpenAfter must be between %s and %s", minHalfOpenAfter, maxHalfOpenAfter)
	}
	if opts.HalfOpenSuccesses <= 0 {
		opts.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Breaker{
		store:         opts.Store,
		openThreshold: opts.OpenThreshold,
		halfOpenAfter: opts.HalfOpenAfter,
		needSuccesses: opts.HalfOpenSuccesses,
		log:           opts.Logger,
		metrics:       opts.Metrics,
	}, nil
}

// Allow reports whether traffic may reach the account. An open circuit whose
// wait has elapsed is promoted to half-open and admits the caller as a
// probe. Store failures degrade open so a store outage never blanks the
// fleet.
func (b *Breaker) Allow(ctx context.Context, accountID string) Decision {
	res, err := b.store.Eval(ctx, allowScript,
		[]string{keyPrefix + accountID},
		time.Now().UnixMilli(), b.halfOpenAfter.Milliseconds(),
	)
	vals, ok := res.([]any)
	if err != nil || !ok || len(vals) != 3 {
		b.log.Warn(ctx, "circuit check degraded, allowing", "account", accountID, "err", evalErr(err, res))
		return Decision{Allowed: true, State: Closed}
	}
	state, _ := vals[0].(string)
	allowed, _ := vals[1].(int64)
	probe, _ := vals[2].(int64)
	return Decision{Allowed: allowed == 1, State: State(state), Probe: probe == 1}
}

// RecordSuccess applies one success and returns the transition taken.
func (b *Breaker) RecordSuccess(ctx context.Context, accountID string) (Transition, error) {
	return b.transition(ctx, accountID, successScript, b.needSuccesses)
}

// RecordFailure applies one failure and returns the transition taken. Rate
// limited failures count toward opening like any other; backoff escalation
// is the provider rate-limiter's job.
func (b *Breaker) RecordFailure(ctx context.Context, accountID, reason string) (Transition, error) {
	return b.transition(ctx, accountID, failureScript, time.Now().UnixMilli(), b.openThreshold, reason)
}

// State reads the current circuit state without side effects. Missing or
// unreadable circuits report closed.
func (b *Breaker) State(ctx context.Context, accountID string) State {
	fields, err := b.store.HGetAll(ctx, keyPrefix+accountID)
	if err != nil {
		return Closed
	}
	if s, ok := fields["state"]; ok {
		return State(s)
	}
	return Closed
}

func (b *Breaker) transition(ctx context.Context, accountID, script string, args ...any) (Transition, error) {
	res, err := b.store.Eval(ctx, script, []string{keyPrefix + accountID}, args...)
	if err != nil {
		return Transition{}, fmt.Errorf("record outcome for %q: %w", accountID, err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Transition{}, fmt.Errorf("record outcome for %q: unexpected script reply %T", accountID, res)
	}
	from, _ := vals[0].(string)
	to, _ := vals[1].(string)
	tr := Transition{From: State(from), To: State(to)}
	if tr.Changed() {
		b.metrics.IncCounter(telemetry.MetricBreakerTransitions, 1, "from", from, "to", to)
		b.log.Info(ctx, "circuit transition", "account", accountID, "from", from, "to", to)
	}
	return tr, nil
}

// Changed reports whether the transition moved the circuit.
func (t Transition) Changed() bool { return t.From != t.To }

func evalErr(err error, res any) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("unexpected script reply %T", res)
}
