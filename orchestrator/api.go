package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/relay/features/provider/middleware"
	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/analyzer"
	"goa.design/relay/runtime/cache"
	"goa.design/relay/runtime/keyspace"
	"goa.design/relay/runtime/limiter"
	"goa.design/relay/runtime/pool"
	"goa.design/relay/runtime/provider"
	"goa.design/relay/runtime/ratelimit"
	"goa.design/relay/runtime/usage"
	"goa.design/relay/runtime/webhook"
)

// AnalyzeRequest classifies a request before routing: intent, entities,
// keywords, complexity and whether it needs multi-agent handling. Pure
// computation, no store access.
func (o *Orchestrator) AnalyzeRequest(text string, conv *analyzer.Conversation) analyzer.RequestAnalysis {
	return o.analyzer.Analyze(text, conv)
}

// SelectAccount picks a provider account for the organization's request, or
// nil when every candidate is disabled, open or saturated.
func (o *Orchestrator) SelectAccount(ctx context.Context, orgID string, estimatedTokens int64, category string) (*account.Account, error) {
	return o.pool.SelectAccount(ctx, pool.Selection{
		OrganizationID:  orgID,
		EstimatedTokens: estimatedTokens,
		Category:        category,
	})
}

// RecordRequest records one call outcome against the account, advancing its
// capacity window, circuit state and persistent row together.
func (o *Orchestrator) RecordRequest(ctx context.Context, accountID string, out pool.Outcome) error {
	return o.pool.RecordRequest(ctx, accountID, out)
}

// CheckLimit enforces the user and organization sliding windows in one call.
func (o *Orchestrator) CheckLimit(ctx context.Context, userKey, orgKey string, window time.Duration, userMax, orgMax int64) limiter.Result {
	return o.limiter.CheckUserAndOrg(ctx, userKey, orgKey, window, userMax, orgMax)
}

// GetOrSet reads key through the cache, computing and filling on miss. At
// most one filler runs per key across the fleet.
func (o *Orchestrator) GetOrSet(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	return o.cache.GetOrSet(ctx, key, ttl, compute)
}

// TrackUsage meters one request's spend. Best-effort: failures are logged,
// never surfaced.
func (o *Orchestrator) TrackUsage(ctx context.Context, rec usage.Record) {
	o.usage.TrackUsage(ctx, rec)
}

// CheckBudget derives the organization's budget position for the current
// month.
func (o *Orchestrator) CheckBudget(ctx context.Context, orgID string) usage.BudgetStatus {
	return o.usage.CheckBudget(ctx, orgID)
}

// EnforceBudgetWithAlert fires any pending threshold alert and returns
// usage.ErrBudgetExceeded when the organization has spent its budget.
func (o *Orchestrator) EnforceBudgetWithAlert(ctx context.Context, orgID string) error {
	return o.usage.EnforceBudgetWithAlert(ctx, orgID)
}

// EnqueueWebhook queues a delivery and returns its ID.
func (o *Orchestrator) EnqueueWebhook(ctx context.Context, req webhook.Request) (string, error) {
	return o.webhooks.Enqueue(ctx, req)
}

// WrapCaller puts an adaptive pacer in front of an outbound provider caller.
// The pacer slows this process down ahead of the shared per-provider windows
// and, when the orchestrator has a fleet, converges its tokens-per-minute
// budget with the other processes. initialTPM and maxTPM bound the budget;
// zero initialTPM picks a conservative default.
func (o *Orchestrator) WrapCaller(ctx context.Context, c provider.Caller, initialTPM, maxTPM float64) provider.Caller {
	pacer := middleware.New(ctx, middleware.Options{
		InitialTPM: initialTPM,
		MaxTPM:     maxTPM,
		Map:        o.pacerMap,
		Key:        c.Name(),
		Logger:     o.log,
		Metrics:    o.metrics,
	})
	return pacer.Middleware()(c)
}

// HealthCheck pings the configured dependencies and returns an error naming
// the ones that are down.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	if o.health == nil {
		return o.kv.Ping(ctx)
	}
	h, healthy := o.health.Check(ctx)
	if healthy {
		return nil
	}
	var down []string
	for name, status := range h.Status {
		if status != "OK" {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return fmt.Errorf("dependencies down: %s", strings.Join(down, ", "))
}

// Cache returns the read-through cache for direct typed access.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Invalidator returns the tag and entity-write invalidator.
func (o *Orchestrator) Invalidator() *cache.Invalidator { return o.invalidator }

// Webhooks returns the delivery pipeline for admin operations such as DLQ
// retries and stats.
func (o *Orchestrator) Webhooks() *webhook.Pipeline { return o.webhooks }

// RateLimiter returns the provider rate limiter for wrapping outbound calls.
func (o *Orchestrator) RateLimiter() *ratelimit.Limiter { return o.ratelimit }

// Usage returns the accountant for reporting queries.
func (o *Orchestrator) Usage() *usage.Accountant { return o.usage }

// Keyspace returns the keyevent router for registering further handlers
// before Start.
func (o *Orchestrator) Keyspace() *keyspace.Router { return o.keyspace }
