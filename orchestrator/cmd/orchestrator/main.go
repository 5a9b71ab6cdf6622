// Command orchestrator runs the relay orchestration service.
//
// # Fleet
//
// Multiple processes with the same RELAY_NAME and KV_URL form a fleet,
// automatically replicating account circuit status and electing a single
// runner per webhook background job tick. A single process is simply a fleet
// of one.
//
// # Configuration
//
// Environment variables:
//
//	KV_URL                  - Redis address (default: "localhost:6379"; rediss:// enables TLS)
//	KV_PASSWORD             - Redis password (optional)
//	KV_ENV                  - key namespace, e.g. "production" (optional)
//	KV_POOL_MIN             - primary pool idle connections (default: 5)
//	KV_POOL_MAX             - primary pool size cap (default: 50)
//	KV_ACQUIRE_TIMEOUT      - pool acquire timeout (default: "5s")
//	LEAK_CHECK_MS           - connection leak threshold in ms (default: 30000)
//	MONGO_URL               - MongoDB URI; empty runs the in-memory account store
//	MONGO_DB                - MongoDB database name (default: "relay")
//	RELAY_NAME              - fleet name (default: "relay")
//	STRATEGY                - default account selection strategy (default: "least-loaded")
//	WEBHOOK_WORKERS         - delivery worker count (default: 4)
//	WEBHOOK_MAX_RETRIES     - delivery attempts before the dead letter queue (default: 5)
//	REFRESH_TIMEOUT_MS      - detached fan-out timeout in ms (default: 10000)
//	HOT_CACHE_TTL_MS        - in-process hot cache TTL in ms (default: 30000)
//	STAMPEDE_LOCK_TTL_MS    - cache fill lock TTL in ms (default: 10000)
//	BUDGET_WARNING_PERCENT  - budget warning threshold in percent (default: 80)
//	BUDGET_CRITICAL_PERCENT - budget critical threshold in percent (default: 90)
//	INVALIDATION_RULES      - path to the cache invalidation ruleset YAML (optional)
//
// # Example
//
// Single process with persistent accounts:
//
//	KV_URL=localhost:6379 MONGO_URL=mongodb://localhost:27017 go run ./orchestrator/cmd/orchestrator
//
// Fleet (run on different hosts):
//
//	RELAY_NAME=prod KV_URL=redis:6379 MONGO_URL=mongodb://mongo:27017 ./orchestrator
//	RELAY_NAME=prod KV_URL=redis:6379 MONGO_URL=mongodb://mongo:27017 ./orchestrator
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	accmemory "goa.design/relay/features/account/memory"
	accmongo "goa.design/relay/features/account/mongo"
	kvredis "goa.design/relay/features/kv/redis"
	"goa.design/relay/orchestrator"
	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/cache"
	"goa.design/relay/runtime/telemetry"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	kvURL := envOr("KV_URL", "localhost:6379")
	kvEnv := os.Getenv("KV_ENV")

	store, err := kvredis.New(kvredis.Options{
		URL:         kvURL,
		Password:    os.Getenv("KV_PASSWORD"),
		Environment: kvEnv,
		Primary: kvredis.PoolOptions{
			MinConns:       envIntOr("KV_POOL_MIN", 0),
			MaxConns:       envIntOr("KV_POOL_MAX", 0),
			AcquireTimeout: envDurationOr("KV_ACQUIRE_TIMEOUT", 0),
		},
		LeakThreshold: envMillisOr("LEAK_CHECK_MS", 0),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create keyed store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Errorf(ctx, cerr, "close keyed store")
		}
	}()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("connect to keyed store: %w", err)
	}

	pingers := []health.Pinger{store}

	// Account rows persist in Mongo when configured; otherwise they live in
	// process and vanish on restart.
	var accounts account.Store
	if mongoURL := os.Getenv("MONGO_URL"); mongoURL != "" {
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(mongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongodb: %w", err)
		}
		defer func() {
			if derr := client.Disconnect(context.Background()); derr != nil {
				log.Errorf(ctx, derr, "disconnect mongodb")
			}
		}()
		mstore, err := accmongo.New(accmongo.Options{
			Client:   client,
			Database: envOr("MONGO_DB", "relay"),
		})
		if err != nil {
			return fmt.Errorf("create account store: %w", err)
		}
		accounts = mstore
		pingers = append(pingers, mstore)
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "MONGO_URL not set, account rows will not survive restarts"})
		accounts = accmemory.New()
	}

	var rules *cache.Ruleset
	if path := os.Getenv("INVALIDATION_RULES"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read invalidation rules %s: %w", path, err)
		}
		if rules, err = cache.LoadRuleset(data); err != nil {
			return fmt.Errorf("load invalidation rules %s: %w", path, err)
		}
	}

	// Fleet coordination uses its own client: pulse and the replicated map
	// manage dedicated subscriptions outside the store's pools.
	rdb, err := fleetClient(kvURL, os.Getenv("KV_PASSWORD"))
	if err != nil {
		return fmt.Errorf("configure fleet client: %w", err)
	}
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			log.Errorf(ctx, cerr, "close fleet client")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect fleet client: %w", err)
	}

	keyPrefix := ""
	if kvEnv != "" {
		keyPrefix = kvEnv + ":"
	}

	name := envOr("RELAY_NAME", "relay")
	orc, err := orchestrator.New(ctx, orchestrator.Config{
		KV:                    store,
		Accounts:              accounts,
		Redis:                 rdb,
		Name:                  name,
		KeyPrefix:             keyPrefix,
		Ruleset:               rules,
		Strategy:              os.Getenv("STRATEGY"),
		BudgetWarningPercent:  envFloatOr("BUDGET_WARNING_PERCENT", 0),
		BudgetCriticalPercent: envFloatOr("BUDGET_CRITICAL_PERCENT", 0),
		WebhookWorkers:        envIntOr("WEBHOOK_WORKERS", 0),
		WebhookMaxRetries:     envIntOr("WEBHOOK_MAX_RETRIES", 0),
		HotCacheTTL:           envMillisOr("HOT_CACHE_TTL_MS", 0),
		StampedeLockTTL:       envMillisOr("STAMPEDE_LOCK_TTL_MS", 0),
		RefreshTimeout:        envMillisOr("REFRESH_TIMEOUT_MS", 0),
		Pingers:               pingers,
		Logger:                logger,
		Metrics:               metrics,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	log.Print(ctx, log.KV{K: "msg", V: "orchestrator starting"},
		log.KV{K: "name", V: name}, log.KV{K: "kv_env", V: kvEnv})
	if err := orc.Run(ctx); err != nil {
		return fmt.Errorf("run orchestrator: %w", err)
	}
	return nil
}

// fleetClient builds the go-redis client for pulse and the replicated map,
// accepting the same URL forms as the keyed store.
func fleetClient(url, password string) (*redis.Client, error) {
	var ropts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: url}
	}
	if password != "" {
		ropts.Password = password
	}
	return redis.NewClient(ropts), nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envMillisOr returns the environment variable, an integer millisecond count,
// as a duration.
func envMillisOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
