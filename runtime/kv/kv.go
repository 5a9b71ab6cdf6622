// Package kv defines the keyed-store contract the relay runtime is built on.
// The store is the fleet's shared state: rate-limit windows, capacity windows,
// circuit state, caches, locks and webhook queues all live behind this
// interface. Implementations wrap a real backend (see features/kv/redis);
// correctness of the runtime rests on the store's atomicity guarantees, never
// on in-process locks.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrPoolExhausted is returned when a connection cannot be acquired from the
// pool within the configured timeout.
var ErrPoolExhausted = errors.New("kv: connection pool exhausted")

type (
	// Store is the typed verb set over the keyed store. All methods are safe
	// for concurrent use. Keys are logical: implementations namespace them by
	// deployment environment (reserved "pkce:" keys excepted).
	//
	// Read verbs (Get, HGetAll, LRange) degrade on transient store failures:
	// they log a warning and return the zero value instead of an error, so
	// callers fall back gracefully (cache miss, limiter fails open). Write and
	// script verbs report errors.
	Store interface {
		// Get returns the value at key, or nil when the key is absent.
		Get(ctx context.Context, key string) ([]byte, error)
		// Set stores value at key. A zero ttl stores without expiry.
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		// SetNX stores value only when key is absent. Reports whether the
		// value was set.
		SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
		// Del removes keys and returns the number removed.
		Del(ctx context.Context, keys ...string) (int64, error)
		// Exists returns how many of the given keys exist.
		Exists(ctx context.Context, keys ...string) (int64, error)
		// Incr atomically increments the integer at key and returns the new
		// value.
		Incr(ctx context.Context, key string) (int64, error)
		// Expire sets the key's TTL.
		Expire(ctx context.Context, key string, ttl time.Duration) error
		// PTTL returns the remaining TTL of key. Keys without expiry or
		// missing keys return a negative duration.
		PTTL(ctx context.Context, key string) (time.Duration, error)

		// HGetAll returns all fields of the hash at key; empty map when
		// absent.
		HGetAll(ctx context.Context, key string) (map[string]string, error)
		// HSet writes the given fields of the hash at key.
		HSet(ctx context.Context, key string, fields map[string]string) error
		// HIncrBy atomically increments a hash field and returns the new
		// value.
		HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

		// LPush prepends values to the list at key.
		LPush(ctx context.Context, key string, values ...[]byte) error
		// RPush appends values to the list at key.
		RPush(ctx context.Context, key string, values ...[]byte) error
		// LRem removes count occurrences of value from the list at key.
		LRem(ctx context.Context, key string, count int64, value []byte) (int64, error)
		// LRange returns the list elements between start and stop inclusive.
		LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// LLen returns the length of the list at key.
		LLen(ctx context.Context, key string) (int64, error)

		// ZAdd adds members to the sorted set at key.
		ZAdd(ctx context.Context, key string, members ...Z) error
		// ZRem removes members from the sorted set at key and returns the
		// number removed.
		ZRem(ctx context.Context, key string, members ...string) (int64, error)
		// ZCard returns the cardinality of the sorted set at key.
		ZCard(ctx context.Context, key string) (int64, error)
		// ZRangeByScore returns the members whose scores fall in [min, max].
		// Bounds use Redis syntax ("-inf", "+inf", "(1694000000").
		ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error)
		// ZRangeByScoreWithScores is ZRangeByScore with scores, paginated by
		// offset and count. A count of 0 returns every match.
		ZRangeByScoreWithScores(ctx context.Context, key, min, max string, offset, count int64) ([]Z, error)
		// ZRemRangeByScore removes the members whose scores fall in
		// [min, max] and returns the number removed.
		ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)

		// Publish sends payload on channel.
		Publish(ctx context.Context, channel string, payload []byte) error
		// Subscribe opens a dedicated subscriber connection for the given
		// channels. The caller owns the returned subscription.
		Subscribe(ctx context.Context, channels ...string) (Subscription, error)
		// ConfigSet applies a server configuration parameter.
		ConfigSet(ctx context.Context, parameter, value string) error

		// Eval runs a Lua script with the given keys and arguments.
		// Implementations cache compiled scripts and prefix the keys.
		Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

		// Pipelined queues the commands issued by fn and flushes them in a
		// single round trip.
		Pipelined(ctx context.Context, fn func(p Pipeliner) error) error

		// WithConnection runs fn against a single pooled connection. The
		// connection is released on every exit path; holding it past the
		// store's leak threshold force-releases it with a warning.
		WithConnection(ctx context.Context, fn func(ctx context.Context, c Conn) error) error

		// Worker returns a store view bound to the background-job pool.
		// Stores without a distinct worker pool return themselves.
		Worker() Store

		// Ping verifies connectivity.
		Ping(ctx context.Context) error
		// Close releases both pools.
		Close() error
	}

	// Pipeliner queues write commands inside Store.Pipelined. Queued commands
	// report errors through the Pipelined return value.
	Pipeliner interface {
		Set(key string, value []byte, ttl time.Duration)
		Del(keys ...string)
		Expire(key string, ttl time.Duration)
		HSet(key string, fields map[string]string)
		HIncrBy(key, field string, incr int64)
		LPush(key string, values ...[]byte)
		RPush(key string, values ...[]byte)
		LRem(key string, count int64, value []byte)
		ZAdd(key string, members ...Z)
		ZRem(key string, members ...string)
		ZRemRangeByScore(key, min, max string)
	}

	// Conn is the verb subset available inside a WithConnection scope.
	Conn interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		Del(ctx context.Context, keys ...string) (int64, error)
		Incr(ctx context.Context, key string) (int64, error)
		Expire(ctx context.Context, key string, ttl time.Duration) error
		Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
		ConfigSet(ctx context.Context, parameter, value string) error
		Ping(ctx context.Context) error
	}

	// Z is a sorted-set member with its score.
	Z struct {
		Score  float64
		Member string
	}

	// Message is a single pub/sub delivery.
	Message struct {
		Channel string
		Payload string
	}

	// Subscription is an open pub/sub subscription. Channel is closed when
	// the subscription is closed or the connection is lost.
	Subscription interface {
		Channel() <-chan Message
		Close() error
	}
)
