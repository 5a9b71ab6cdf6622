// Package orchestrator assembles the relay runtime into one deployable
// service. It wires account selection, outcome recording, request analysis,
// sliding-window and provider rate limits, budget accounting, stampede-safe
// caching, rule-driven invalidation and webhook delivery behind a single
// Config/New/Run/Close lifecycle.
//
// Processes sharing a Name and Redis connection form a fleet: circuit
// transitions replicate to a shared status map and the webhook background
// jobs (retry mover, stale reaper) run on fleet-unique tickers so exactly one
// process fires each tick. Without a Redis client the orchestrator runs
// standalone: status stays in process and jobs tick locally.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	pulsepool "goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/analyzer"
	"goa.design/relay/runtime/breaker"
	"goa.design/relay/runtime/cache"
	"goa.design/relay/runtime/capacity"
	"goa.design/relay/runtime/keyspace"
	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/limiter"
	"goa.design/relay/runtime/pool"
	"goa.design/relay/runtime/ratelimit"
	"goa.design/relay/runtime/selector"
	"goa.design/relay/runtime/telemetry"
	"goa.design/relay/runtime/usage"
	"goa.design/relay/runtime/webhook"
)

const (
	// DefaultRefreshTimeout bounds the detached refresh work spawned off
	// the recording path: fleet status replication and event webhook
	// fan-out.
	DefaultRefreshTimeout = 10 * time.Second

	// Background job cadences. The retry mover promotes due retries every
	// second; the stale reaper sweeps crashed deliveries every 30 seconds.
	retryMoverInterval = time.Second
	staleReapInterval  = 30 * time.Second

	// shutdownTimeout bounds resource release after Run's context ends.
	shutdownTimeout = 10 * time.Second
)

type (
	// Config configures the orchestrator service.
	Config struct {
		// KV is the shared keyed store backing every runtime component.
		// Required.
		KV kv.Store
		// Accounts is the persistent account and organization store.
		// Required.
		Accounts account.Store
		// Redis enables fleet coordination: the replicated account status
		// map and fleet-unique background job tickers. Nil runs the
		// orchestrator standalone. The caller owns the client.
		Redis *redis.Client
		// Name derives the fleet resource names. Processes sharing a Name
		// and Redis connection form one fleet, replicating circuit status
		// to the same map and electing a single runner per background job
		// tick.
		//
		// Derived names:
		//   - Job pool: "<name>"
		//   - Account status map: "<name>:accounts"
		//   - Pacing budget map: "<name>:pacer"
		//
		// Defaults to "relay".
		Name string
		// KeyPrefix is the store's environment namespace ("production:"),
		// stripped from keyevent payloads so handlers match logical keys.
		KeyPrefix string
		// DB is the Redis database index in keyevent channel names.
		DB int
		// Ruleset drives entity-write cache invalidation. Optional;
		// without rules entity writes invalidate nothing.
		Ruleset *cache.Ruleset
		// Strategy is the fleet-default account selection strategy for
		// organizations that configure none. Unknown names fail New.
		Strategy string
		// ProviderLimits overrides the per-provider rate limit defaults.
		ProviderLimits map[string]ratelimit.Limits
		// Prices overrides or extends the built-in model price table.
		Prices map[string]usage.Price
		// BudgetWarningPercent and BudgetCriticalPercent set the budget
		// alert thresholds. Defaults 80 and 90.
		BudgetWarningPercent  float64
		BudgetCriticalPercent float64
		// WebhookWorkers is the delivery worker count. Defaults to 4.
		WebhookWorkers int
		// WebhookMaxRetries bounds delivery attempts before the dead
		// letter queue. Defaults to 5.
		WebhookMaxRetries int
		// HotCacheTTL overrides the in-process hot cache TTL.
		HotCacheTTL time.Duration
		// StampedeLockTTL overrides the cache fill lock TTL.
		StampedeLockTTL time.Duration
		// RefreshTimeout bounds detached fan-out work per event. Defaults
		// to DefaultRefreshTimeout.
		RefreshTimeout time.Duration
		// NodeOptions are additional options for the fleet job node.
		NodeOptions []pulsepool.NodeOption
		// Pingers are the dependencies HealthCheck reports on. When empty,
		// HealthCheck pings the keyed store directly.
		Pingers []health.Pinger
		// Logger receives component logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives component counters and timers. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Orchestrator is the assembled service. Its methods are safe for
	// concurrent use once New returns.
	Orchestrator struct {
		name           string
		refreshTimeout time.Duration

		kv       kv.Store
		accounts account.Store

		analyzer    *analyzer.Analyzer
		limiter     *limiter.Limiter
		cache       *cache.Cache
		invalidator *cache.Invalidator
		keyspace    *keyspace.Router
		capacity    *capacity.Tracker
		breaker     *breaker.Breaker
		strategies  *selector.Registry
		ratelimit   *ratelimit.Limiter
		usage       *usage.Accountant
		webhooks    *webhook.Pipeline
		pool        *pool.Pool

		statusMap *rmap.Map
		pacerMap  *rmap.Map
		node      *pulsepool.Node
		health    health.Checker

		// fleetLocal mirrors circuit state standalone, when no status map
		// replicates it.
		fleetMu    sync.Mutex
		fleetLocal map[string]breaker.State

		tickers   []*pulsepool.Ticker
		cancel    context.CancelFunc
		wg        sync.WaitGroup
		stopOnce  sync.Once
		closeOnce sync.Once
		closeErr  error

		log     telemetry.Logger
		metrics telemetry.Metrics
	}
)

// New wires all components and joins the fleet when a Redis client is
// configured. The caller must Close the returned orchestrator to release
// fleet resources; Run does so on its way out.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.KV == nil {
		return nil, errors.New("kv store is required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("account store is required")
	}
	name := cfg.Name
	if name == "" {
		name = "relay"
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}

	o := &Orchestrator{
		name:           name,
		refreshTimeout: cfg.RefreshTimeout,
		kv:             cfg.KV,
		accounts:       cfg.Accounts,
		fleetLocal:     make(map[string]breaker.State),
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}

	o.analyzer = analyzer.New(analyzer.Options{})

	var err error
	if o.limiter, err = limiter.New(limiter.Options{
		Store:   cfg.KV,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create limiter: %w", err)
	}

	if o.cache, err = cache.New(cache.Options{
		Store:   cfg.KV,
		HotTTL:  cfg.HotCacheTTL,
		LockTTL: cfg.StampedeLockTTL,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	if o.invalidator, err = cache.NewInvalidator(cache.InvalidatorOptions{
		Store:   cfg.KV,
		Rules:   cfg.Ruleset,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create invalidator: %w", err)
	}

	if o.capacity, err = capacity.New(capacity.Options{
		Store:  cfg.KV,
		Logger: cfg.Logger,
	}); err != nil {
		return nil, fmt.Errorf("create capacity tracker: %w", err)
	}

	if o.breaker, err = breaker.New(breaker.Options{
		Store:   cfg.KV,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	if o.strategies, err = selector.NewRegistry(selector.Options{
		Store:  cfg.KV,
		Logger: cfg.Logger,
	}); err != nil {
		return nil, fmt.Errorf("create strategy registry: %w", err)
	}

	if o.ratelimit, err = ratelimit.New(ratelimit.Options{
		Store:   cfg.KV,
		Limits:  cfg.ProviderLimits,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create provider rate limiter: %w", err)
	}

	if o.webhooks, err = webhook.New(webhook.Options{
		Store:      cfg.KV,
		Workers:    cfg.WebhookWorkers,
		MaxRetries: cfg.WebhookMaxRetries,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create webhook pipeline: %w", err)
	}

	if o.usage, err = usage.New(usage.Options{
		Store:           cfg.KV,
		Accounts:        cfg.Accounts,
		Prices:          cfg.Prices,
		Alerts:          o.deliverBudgetAlert,
		WarningPercent:  cfg.BudgetWarningPercent,
		CriticalPercent: cfg.BudgetCriticalPercent,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create usage accountant: %w", err)
	}

	if o.pool, err = pool.New(pool.Options{
		Accounts:        cfg.Accounts,
		KV:              cfg.KV,
		Capacity:        o.capacity,
		Breaker:         o.breaker,
		Strategies:      o.strategies,
		DefaultStrategy: cfg.Strategy,
		RateLimiter:     o.ratelimit,
		Events:          o.onCircuitEvent,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("create account pool: %w", err)
	}

	if o.keyspace, err = keyspace.New(keyspace.Options{
		Store:     cfg.KV,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
		Logger:    cfg.Logger,
	}); err != nil {
		return nil, fmt.Errorf("create keyevent router: %w", err)
	}
	// A claim expiring without its delivery settling means a worker died;
	// reap immediately instead of waiting for the periodic sweep.
	if err := o.keyspace.OnExpired(webhook.ClaimPrefix+"*", o.reapOnClaimExpiry); err != nil {
		return nil, fmt.Errorf("register claim expiry handler: %w", err)
	}

	if len(cfg.Pingers) > 0 {
		o.health = health.NewChecker(cfg.Pingers...)
	}

	if cfg.Redis != nil {
		if o.statusMap, err = rmap.Join(ctx, name+":accounts", cfg.Redis); err != nil {
			return nil, fmt.Errorf("join account status map: %w", err)
		}
		if o.pacerMap, err = rmap.Join(ctx, name+":pacer", cfg.Redis); err != nil {
			o.statusMap.Close()
			return nil, fmt.Errorf("join pacing budget map: %w", err)
		}
		if o.node, err = pulsepool.AddNode(ctx, name, cfg.Redis, cfg.NodeOptions...); err != nil {
			o.statusMap.Close()
			o.pacerMap.Close()
			return nil, fmt.Errorf("add fleet node: %w", err)
		}
	}

	return o, nil
}

// Start launches the webhook workers, the keyevent router and the background
// jobs. It returns once everything is running; use Run for a blocking
// lifecycle with signal handling.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}

	o.webhooks.Start(ctx)

	// Keyevent routing needs CONFIG SET, which managed Redis deployments
	// often forbid. The periodic reaper covers crash recovery without it.
	if err := o.keyspace.Start(ctx); err != nil {
		o.log.Warn(ctx, "keyevent routing unavailable", "err", err.Error())
	}

	// Jobs outlive ctx so a caller-scoped context cannot silently halt
	// them; Stop ends them explicitly.
	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	if err := o.startJob(ctx, loopCtx, "webhook:retry-mover", retryMoverInterval, o.moveDueRetries); err != nil {
		o.Stop()
		return err
	}
	if err := o.startJob(ctx, loopCtx, "webhook:stale-reaper", staleReapInterval, o.reapStale); err != nil {
		o.Stop()
		return err
	}
	return nil
}

// startJob schedules fn every interval. With a fleet node the ticker is
// fleet-unique: one process fires each tick. Standalone it ticks locally.
func (o *Orchestrator) startJob(ctx, loopCtx context.Context, name string, every time.Duration, fn func(context.Context)) error {
	if o.node == nil {
		t := time.NewTicker(every)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer t.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-t.C:
					fn(loopCtx)
				}
			}
		}()
		return nil
	}

	t, err := o.node.NewTicker(ctx, name, every)
	if err != nil {
		return fmt.Errorf("create %s ticker: %w", name, err)
	}
	o.tickers = append(o.tickers, t)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-t.C:
				fn(loopCtx)
			}
		}
	}()
	return nil
}

// moveDueRetries promotes retry-scheduled deliveries whose backoff elapsed.
func (o *Orchestrator) moveDueRetries(ctx context.Context) {
	n, err := o.webhooks.MoveDueRetries(ctx)
	if err != nil {
		o.log.Warn(ctx, "webhook retry move failed", "err", err.Error())
		return
	}
	if n > 0 {
		o.log.Debug(ctx, "due webhook retries requeued", "count", n)
	}
}

// reapStale recovers deliveries whose worker crashed mid-flight.
func (o *Orchestrator) reapStale(ctx context.Context) {
	n, err := o.webhooks.ReapStale(ctx)
	if err != nil {
		o.log.Warn(ctx, "webhook reap failed", "err", err.Error())
		return
	}
	if n > 0 {
		o.log.Info(ctx, "stale webhook deliveries requeued", "count", n)
	}
}

func (o *Orchestrator) reapOnClaimExpiry(ctx context.Context, key string, _ keyspace.EventKind) error {
	n, err := o.webhooks.ReapStale(ctx)
	if err != nil {
		return fmt.Errorf("reap stale deliveries: %w", err)
	}
	if n > 0 {
		o.log.Info(ctx, "stale webhook delivery recovered on claim expiry", "key", key, "count", n)
	}
	return nil
}

// Stop halts the background jobs, the keyevent router and the webhook
// workers. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		for _, t := range o.tickers {
			t.Stop()
		}
		if err := o.keyspace.Stop(); err != nil {
			o.log.Warn(context.Background(), "keyevent router stop failed", "err", err.Error())
		}
		o.webhooks.Stop()
		o.wg.Wait()
	})
}

// Close stops background work and releases fleet resources. Safe to call
// more than once; repeat calls return the first result. It does not close
// the keyed store, the account store or the Redis client passed in Config;
// the caller owns those.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.Stop()

		var errs []error
		if o.node != nil {
			if err := o.node.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close fleet node: %w", err))
			}
		}
		if o.statusMap != nil {
			o.statusMap.Close()
		}
		if o.pacerMap != nil {
			o.pacerMap.Close()
		}
		if len(errs) > 0 {
			o.closeErr = fmt.Errorf("close orchestrator: %v", errs)
		}
	})
	return o.closeErr
}

// Run starts background work and blocks until the context is canceled or a
// termination signal arrives, then stops and releases fleet resources.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return o.Close(shutdownCtx)
}
