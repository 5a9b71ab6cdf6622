package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/relay/runtime/kv"
)

// Pipelined queues the commands issued by fn and flushes them in one round
// trip. Command errors surface from the flush.
func (s *Store) Pipelined(ctx context.Context, fn func(p kv.Pipeliner) error) error {
	_, err := s.rdb.Pipelined(ctx, func(rp redis.Pipeliner) error {
		return fn(&pipe{ctx: ctx, p: rp, store: s})
	})
	return wrapWrite("pipeline", "", err)
}

// pipe adapts a go-redis pipeliner to the runtime contract, namespacing keys
// as it queues.
type pipe struct {
	ctx   context.Context
	p     redis.Pipeliner
	store *Store
}

func (p *pipe) Set(key string, value []byte, ttl time.Duration) {
	p.p.Set(p.ctx, p.store.key(key), value, ttl)
}

func (p *pipe) Del(keys ...string) {
	p.p.Del(p.ctx, p.store.keys(keys)...)
}

func (p *pipe) Expire(key string, ttl time.Duration) {
	p.p.Expire(p.ctx, p.store.key(key), ttl)
}

func (p *pipe) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	p.p.HSet(p.ctx, p.store.key(key), fields)
}

func (p *pipe) HIncrBy(key, field string, incr int64) {
	p.p.HIncrBy(p.ctx, p.store.key(key), field, incr)
}

func (p *pipe) LPush(key string, values ...[]byte) {
	p.p.LPush(p.ctx, p.store.key(key), byteSliceToAny(values)...)
}

func (p *pipe) RPush(key string, values ...[]byte) {
	p.p.RPush(p.ctx, p.store.key(key), byteSliceToAny(values)...)
}

func (p *pipe) LRem(key string, count int64, value []byte) {
	p.p.LRem(p.ctx, p.store.key(key), count, value)
}

func (p *pipe) ZAdd(key string, members ...kv.Z) {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	p.p.ZAdd(p.ctx, p.store.key(key), zs...)
}

func (p *pipe) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.p.ZRem(p.ctx, p.store.key(key), args...)
}

func (p *pipe) ZRemRangeByScore(key, min, max string) {
	p.p.ZRemRangeByScore(p.ctx, p.store.key(key), min, max)
}

// WithConnection runs fn against a dedicated connection checked out of the
// pool. A watchdog force-closes the connection if fn holds it past the leak
// threshold so a stuck caller cannot drain the pool.
func (s *Store) WithConnection(ctx context.Context, fn func(ctx context.Context, c kv.Conn) error) error {
	conn := s.rdb.Conn()
	watchdog := time.AfterFunc(s.root.leak, func() {
		s.root.log.Warn(ctx, "kv connection held past leak threshold, force releasing",
			"threshold", s.root.leak.String())
		_ = conn.Close()
	})
	defer func() {
		watchdog.Stop()
		_ = conn.Close()
	}()
	return fn(ctx, &scopedConn{conn: conn, store: s})
}

// scopedConn exposes the single-connection verbs.
type scopedConn struct {
	conn  *redis.Conn
	store *Store
}

func (c *scopedConn) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.conn.Get(ctx, c.store.key(key)).Bytes()
	if err != nil {
		return nil, c.store.degradeRead(ctx, "conn get", key, err)
	}
	return val, nil
}

func (c *scopedConn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapWrite("conn set", key, c.conn.Set(ctx, c.store.key(key), value, ttl).Err())
}

func (c *scopedConn) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.conn.Del(ctx, c.store.keys(keys)...).Result()
	if err != nil {
		return 0, wrapWrite("conn del", keys[0], err)
	}
	return n, nil
}

func (c *scopedConn) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.conn.Incr(ctx, c.store.key(key)).Result()
	if err != nil {
		return 0, wrapWrite("conn incr", key, err)
	}
	return n, nil
}

func (c *scopedConn) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapWrite("conn expire", key, c.conn.Expire(ctx, c.store.key(key), ttl).Err())
}

func (c *scopedConn) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := c.conn.Eval(ctx, script, c.store.keys(keys), args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		k := ""
		if len(keys) > 0 {
			k = keys[0]
		}
		return nil, wrapWrite("conn eval", k, err)
	}
	return res, nil
}

func (c *scopedConn) ConfigSet(ctx context.Context, parameter, value string) error {
	return wrapWrite("conn config set", parameter, c.conn.ConfigSet(ctx, parameter, value).Err())
}

func (c *scopedConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx).Err()
}

// Subscribe opens a pub/sub subscription on the given channels. Channel
// names are not namespaced so keyspace notification channels work verbatim.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (kv.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapWrite("subscribe", channels[0], err)
	}
	sub := &subscription{ps: ps, ch: make(chan kv.Message, 64)}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps *redis.PubSub
	ch chan kv.Message
}

// pump copies messages until the underlying channel closes on Close.
func (s *subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- kv.Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *subscription) Channel() <-chan kv.Message { return s.ch }

func (s *subscription) Close() error { return s.ps.Close() }
