// Package pool selects provider accounts for outbound requests and records
// their outcomes. Selection composes the persistent account store, the
// circuit breaker and the capacity tracker, then delegates the final pick to
// the organization's configured strategy. Recording serializes per-account
// updates under a fleet-wide mutex so capacity windows, breaker state and the
// persistent row advance together.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/breaker"
	"goa.design/relay/runtime/capacity"
	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/provider"
	"goa.design/relay/runtime/ratelimit"
	"goa.design/relay/runtime/retry"
	"goa.design/relay/runtime/selector"
	"goa.design/relay/runtime/telemetry"
)

// EventKind classifies pool events.
type EventKind string

const (
	// EventCircuitOpened fires when an account's circuit opens.
	EventCircuitOpened EventKind = "circuit_opened"
	// EventCircuitClosed fires when an account's circuit closes again.
	EventCircuitClosed EventKind = "circuit_closed"
)

// DefaultLockTTL bounds how long a crashed recorder can hold an account
// mutex.
const DefaultLockTTL = 3 * time.Second

// accountLockPrefix namespaces per-account mutexes in the keyed store.
const accountLockPrefix = "lock:account:"

type (
	// Options configures a Pool. Accounts, KV, Capacity, Breaker and
	// Strategies are required.
	Options struct {
		// Accounts is the persistent account/organization store.
		Accounts account.Store
		// KV holds the per-account mutexes.
		KV kv.Store
		// Capacity tracks per-account windows.
		Capacity *capacity.Tracker
		// Breaker runs the circuit state machine.
		Breaker *breaker.Breaker
		// Strategies resolves selection strategies by name.
		Strategies *selector.Registry
		// DefaultStrategy applies to organizations that configure none.
		// Must name a registered strategy; empty means least-loaded.
		DefaultStrategy string
		// RateLimiter, when set, receives backoff escalations for
		// rate-limited outcomes.
		RateLimiter *ratelimit.Limiter
		// Events, when set, receives circuit transitions.
		Events EventSink
		// LockTTL is the per-account mutex TTL.
		LockTTL time.Duration
		// LockRetry bounds mutex acquisition retries.
		LockRetry retry.Config
		// Logger records degraded paths. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts selections and exhaustions. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Selection is one account request.
	Selection struct {
		// OrganizationID scopes the candidate set.
		OrganizationID string
		// EstimatedTokens is the expected footprint of the request.
		EstimatedTokens int64
		// Category is the analyzed request category, when known.
		Category string
	}

	// Outcome is the result of one provider call against an account.
	Outcome struct {
		// Success reports whether the call succeeded.
		Success bool
		// Tokens is the total token usage of the call.
		Tokens int64
		// InputTokens is the input-side token usage.
		InputTokens int64
		// CacheRead marks a call served mostly from provider cache.
		CacheRead bool
		// Err is the failure, when any. Rate-limited errors additionally
		// escalate the provider backoff.
		Err error
	}

	// Event is a circuit transition surfaced to the Events sink.
	Event struct {
		Kind           EventKind
		AccountID      string
		OrganizationID string
		Provider       string
		Reason         string
		At             time.Time
	}

	// EventSink consumes pool events. Sinks run synchronously on the
	// recording path and must not block.
	EventSink func(ctx context.Context, e Event)

	// Pool selects accounts and records outcomes. Safe for concurrent use.
	Pool struct {
		accounts        account.Store
		kv              kv.Store
		capacity        *capacity.Tracker
		breaker         *breaker.Breaker
		strategies      *selector.Registry
		defaultStrategy string
		ratelimiter     *ratelimit.Limiter
		events          EventSink
		lockTTL         time.Duration
		lockRetry       retry.Config
		log             telemetry.Logger
		metrics         telemetry.Metrics
	}
)

// New builds a Pool from opts.
func New(opts Options) (*Pool, error) {
	if opts.Accounts == nil {
		return nil, errors.New("Accounts is required")
	}
	if opts.KV == nil {
		return nil, errors.New("KV is required")
	}
	if opts.Capacity == nil {
		return nil, errors.New("Capacity is required")
	}
	if opts.Breaker == nil {
		return nil, errors.New("Breaker is required")
	}
	if opts.Strategies == nil {
		return nil, errors.New("Strategies is required")
	}
	if opts.DefaultStrategy != "" {
		if _, err := opts.Strategies.Lookup(opts.DefaultStrategy); err != nil {
			return nil, fmt.Errorf("default strategy: %w", err)
		}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.LockRetry.MaxAttempts == 0 {
		opts.LockRetry = retry.Config{
			MaxAttempts:       5,
			InitialBackoff:    20 * time.Millisecond,
			MaxBackoff:        200 * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Pool{
		accounts:        opts.Accounts,
		kv:              opts.KV,
		capacity:        opts.Capacity,
		breaker:         opts.Breaker,
		strategies:      opts.Strategies,
		defaultStrategy: opts.DefaultStrategy,
		ratelimiter:     opts.RateLimiter,
		events:          opts.Events,
		lockTTL:         opts.LockTTL,
		lockRetry:       opts.LockRetry,
		log:             opts.Logger,
		metrics:         opts.Metrics,
	}, nil
}

// SelectAccount picks an account for the request, or (nil, nil) when no
// account currently qualifies. Candidates must not be disabled, must pass the
// circuit breaker and must have window capacity for the estimate. Accounts
// with closed circuits win over half-open probes. Errors surface only when
// configuration itself is unreadable.
func (p *Pool) SelectAccount(ctx context.Context, sel Selection) (*account.Account, error) {
	strategyName := p.defaultStrategy
	org, err := p.accounts.GetOrganization(ctx, sel.OrganizationID)
	switch {
	case err == nil:
		if org.Strategy != "" {
			strategyName = org.Strategy
		}
	case errors.Is(err, account.ErrNotFound):
		// Unconfigured organizations run on defaults.
	default:
		return nil, fmt.Errorf("load organization %q: %w", sel.OrganizationID, err)
	}
	strategy, err := p.strategies.Lookup(strategyName)
	if err != nil {
		return nil, fmt.Errorf("organization %q: %w", sel.OrganizationID, err)
	}

	accts, err := p.accounts.ListAccounts(ctx, sel.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %q: %w", sel.OrganizationID, err)
	}

	var ready, probes []*account.Account
	for _, a := range accts {
		if a.Status == account.StatusDisabled {
			continue
		}
		decision := p.breaker.Allow(ctx, a.ID)
		if !decision.Allowed {
			continue
		}
		if !p.capacity.HasCapacity(ctx, a, sel.EstimatedTokens) {
			continue
		}
		if decision.Probe {
			probes = append(probes, a)
		} else {
			ready = append(ready, a)
		}
	}
	candidates := ready
	if len(candidates) == 0 {
		candidates = probes
	}
	if len(candidates) == 0 {
		p.exhausted(ctx, sel)
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, a := range candidates {
		ids[i] = a.ID
	}
	picked, err := strategy.Select(ctx, candidates, selector.Input{
		OrganizationID:  sel.OrganizationID,
		EstimatedTokens: sel.EstimatedTokens,
		Category:        sel.Category,
		Usage:           p.capacity.UsageBatch(ctx, ids),
	})
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", strategy.Name(), err)
	}
	if picked == nil {
		p.exhausted(ctx, sel)
		return nil, nil
	}
	p.metrics.IncCounter(telemetry.MetricAccountSelected, 1, "strategy", strategy.Name())
	return picked, nil
}

func (p *Pool) exhausted(ctx context.Context, sel Selection) {
	p.metrics.IncCounter(telemetry.MetricAccountExhausted, 1, "org", sel.OrganizationID)
	p.log.Warn(ctx, "account pool exhausted",
		"org", sel.OrganizationID, "estimated_tokens", sel.EstimatedTokens)
}

// RecordRequest records one call outcome against an account: capacity
// windows, breaker state and the persistent row advance under the account's
// fleet-wide mutex. Rate-limited failures escalate the provider backoff, and
// circuit transitions reach the Events sink.
func (p *Pool) RecordRequest(ctx context.Context, accountID string, out Outcome) error {
	lockKey := accountLockPrefix + accountID
	return retry.Do(ctx, p.lockRetry, func(ctx context.Context) error {
		mu, acquired, err := kv.AcquireMutex(ctx, p.kv, lockKey, p.lockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("%w: account %s record in flight", retry.ErrTransient, accountID)
		}
		defer func() {
			if rerr := mu.Release(ctx); rerr != nil {
				p.log.Warn(ctx, "account lock not released", "account_id", accountID, "err", rerr.Error())
			}
		}()
		return p.record(ctx, accountID, out)
	})
}

func (p *Pool) record(ctx context.Context, accountID string, out Outcome) error {
	acct, err := p.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account %q: %w", accountID, err)
	}

	if cerr := p.capacity.Record(ctx, accountID, capacity.Sample{
		Tokens:      out.Tokens,
		InputTokens: out.InputTokens,
		CacheRead:   out.CacheRead,
	}); cerr != nil {
		p.log.Warn(ctx, "capacity not recorded", "account_id", accountID, "err", cerr.Error())
	}

	now := time.Now().UTC()
	var tr breaker.Transition
	if out.Success {
		tr, err = p.breaker.RecordSuccess(ctx, accountID)
		if err != nil {
			return fmt.Errorf("record success for %q: %w", accountID, err)
		}
		acct.LastSuccessAt = &now
		acct.ConsecutiveFailures = 0
	} else {
		reason := "request failed"
		if out.Err != nil {
			reason = out.Err.Error()
		}
		tr, err = p.breaker.RecordFailure(ctx, accountID, reason)
		if err != nil {
			return fmt.Errorf("record failure for %q: %w", accountID, err)
		}
		acct.LastFailureAt = &now
		acct.LastFailureReason = reason
		acct.ConsecutiveFailures++
	}

	acct.MonthlyUsage.Requests++
	acct.MonthlyUsage.Tokens += out.Tokens

	p.mirror(acct, tr, out, now)

	if serr := p.accounts.SaveAccount(ctx, acct); serr != nil {
		return fmt.Errorf("save account %q: %w", accountID, serr)
	}

	if !out.Success && p.ratelimiter != nil && provider.IsRateLimited(out.Err) {
		if _, berr := p.ratelimiter.RecordRateLimitError(ctx, acct.OrganizationID, acct.Provider); berr != nil {
			p.log.Warn(ctx, "provider backoff not escalated",
				"org", acct.OrganizationID, "provider", acct.Provider, "err", berr.Error())
		}
	}

	p.emit(ctx, acct, tr, now)
	return nil
}

// mirror copies the breaker transition onto the persistent row. The keyed
// store stays the source of truth; the row is an advisory view for operators
// and the fleet map.
func (p *Pool) mirror(acct *account.Account, tr breaker.Transition, out Outcome, now time.Time) {
	switch tr.To {
	case breaker.Open:
		if tr.Changed() {
			acct.Status = account.StatusCircuitOpen
			acct.CircuitOpenedAt = &now
			acct.HalfOpenSuccesses = 0
		}
	case breaker.Closed:
		if tr.Changed() {
			acct.Status = account.StatusActive
			acct.CircuitOpenedAt = nil
			acct.ConsecutiveFailures = 0
			acct.HalfOpenSuccesses = 0
		}
	case breaker.HalfOpen:
		acct.Status = account.StatusCircuitOpen
		if out.Success {
			acct.HalfOpenSuccesses++
		}
	}
}

func (p *Pool) emit(ctx context.Context, acct *account.Account, tr breaker.Transition, now time.Time) {
	if p.events == nil || !tr.Changed() {
		return
	}
	var kind EventKind
	switch {
	case tr.To == breaker.Open:
		kind = EventCircuitOpened
	case tr.To == breaker.Closed && tr.From == breaker.HalfOpen:
		kind = EventCircuitClosed
	default:
		return
	}
	p.events(ctx, Event{
		Kind:           kind,
		AccountID:      acct.ID,
		OrganizationID: acct.OrganizationID,
		Provider:       acct.Provider,
		Reason:         acct.LastFailureReason,
		At:             now,
	})
}
