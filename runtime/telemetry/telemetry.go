// Package telemetry defines the observability facade used across the relay
// runtime. Components take a Logger (and optionally Metrics and a Tracer) in
// their options and default to the no-op implementations, so instrumentation
// is always available but never required.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for runtime
// instrumentation. Tags are flat key-value string pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "webhook.deliver", trace.WithSpanKind(trace.SpanKindClient))
//	defer span.End()
//	span.SetStatus(codes.Ok, "delivered")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the runtime. Components reference these constants
// so dashboards stay stable across refactors.
const (
	MetricLimiterDenied      = "relay.limiter.denied"
	MetricBreakerTransitions = "relay.breaker.transitions"
	MetricInvalidations      = "relay.cache.invalidations"
	MetricCacheHits          = "relay.cache.hits"
	MetricCacheMisses        = "relay.cache.misses"
	MetricWebhookDelivered   = "relay.webhook.delivered"
	MetricWebhookFailed      = "relay.webhook.failed"
	MetricWebhookDuration    = "relay.webhook.duration"
	MetricBudgetAlerts       = "relay.budget.alerts"
	MetricProviderBackoffs   = "relay.provider.backoffs"
	MetricAccountSelected    = "relay.pool.selected"
	MetricAccountExhausted   = "relay.pool.exhausted"
)
