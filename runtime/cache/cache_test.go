package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "goa.design/relay/features/kv/redis"
	"goa.design/relay/runtime/kv"
)

func newStore(t *testing.T) (kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := kvredis.New(kvredis.Options{URL: mr.Addr(), Environment: "test", RetryLimit: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newCache(t *testing.T, opts Options) (*Cache, kv.Store) {
	t.Helper()
	s, _ := newStore(t)
	opts.Store = s
	c, err := New(opts)
	require.NoError(t, err)
	return c, s
}

func constant(v string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return []byte(v), nil }
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Store is required")
}

func TestNewRejectsInvertedTTLs(t *testing.T) {
	s, _ := newStore(t)
	_, err := New(Options{Store: s, StableTTL: time.Minute, VolatileTTL: time.Hour})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "StableTTL")
}

func TestGetOrSetComputesOnceThenHits(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("payload"), nil
	}

	got, err := c.GetOrSet(ctx, "mcp-response:abc", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	got, err = c.GetOrSet(ctx, "mcp-response:abc", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, int32(1), computes.Load())
}

func TestGetOrSetCollapsesConcurrentCallers(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	errs := make([]error, 10)
	for n := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[n], errs[n] = c.GetOrSet(ctx, "hot-key", time.Minute, compute)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, computes.Load(), int32(2), "concurrent callers share a flight")
	for n, v := range results {
		require.NoError(t, errs[n])
		assert.Equal(t, "shared", string(v))
	}
}

func TestGetOrSetWaitsForForeignFiller(t *testing.T) {
	s, _ := newStore(t)
	c, err := New(Options{Store: s, RetryInterval: 10 * time.Millisecond, MaxWait: 2 * time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	// Another process holds the fill lock.
	_, acquired, err := kv.AcquireMutex(ctx, s, "report:42:lock", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Set(ctx, "report:42", []byte("filled elsewhere"), time.Minute)
	}()

	got, err := c.GetOrSet(ctx, "report:42", time.Minute, func(context.Context) ([]byte, error) {
		t.Error("compute must not run while another filler works")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "filled elsewhere", string(got))
}

func TestGetOrSetSelfHealsOnWaitTimeout(t *testing.T) {
	s, _ := newStore(t)
	c, err := New(Options{Store: s, RetryInterval: 10 * time.Millisecond, MaxWait: 80 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, acquired, err := kv.AcquireMutex(ctx, s, "stuck:lock", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	got, err := c.GetOrSet(ctx, "stuck", time.Minute, constant("local copy"))
	require.NoError(t, err)
	assert.Equal(t, "local copy", string(got))

	stored, err := s.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Nil(t, stored, "timed-out waiter never writes back")
}

func TestGetOrSetReleasesLockOnComputeError(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	boom := errors.New("upstream down")
	_, err := c.GetOrSet(ctx, "flaky", time.Minute, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := c.GetOrSet(ctx, "flaky", time.Minute, constant("second try"))
	require.NoError(t, err)
	assert.Equal(t, "second try", string(got), "failed fill does not wedge the lock")
}

func TestGetOrSetRejectsNonPositiveTTL(t *testing.T) {
	c, _ := newCache(t, Options{})
	_, err := c.GetOrSet(context.Background(), "k", 0, constant("v"))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetPicksTTLByDataType(t *testing.T) {
	s, mr := newStore(t)
	c, err := New(Options{Store: s, StableTTL: time.Hour, VolatileTTL: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "schema", []byte("s"), DataTypeStable))
	require.NoError(t, c.Set(ctx, "query", []byte("q"), DataTypeVolatile))

	assert.Equal(t, time.Hour, mr.TTL("test:schema"))
	assert.Equal(t, time.Minute, mr.TTL("test:query"))
}

func TestSetWithTTLRejectsUnbounded(t *testing.T) {
	c, _ := newCache(t, Options{})
	err := c.SetWithTTL(context.Background(), "k", []byte("v"), 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestJSONHelpers(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.SetJSON(ctx, "p", payload{Name: "relay", Count: 3}, DataTypeVolatile))

	var out payload
	found, err := c.GetJSON(ctx, "p", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, payload{Name: "relay", Count: 3}, out)

	found, err = c.GetJSON(ctx, "absent", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHotCacheAbsorbsReadsAndAgesOut(t *testing.T) {
	s, _ := newStore(t)
	c, err := New(Options{Store: s, HotTTL: 60 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.GetOrSet(ctx, "hot", time.Minute, constant("v1"))
	require.NoError(t, err)

	// Drop the backing key; the hot layer still serves within its TTL.
	_, err = s.Del(ctx, "hot")
	require.NoError(t, err)

	got, err := c.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	time.Sleep(80 * time.Millisecond)
	got, err = c.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Nil(t, got, "hot copy ages out")
}

func TestSetInvalidatesHotCopy(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	_, err := c.GetOrSet(ctx, "doc", time.Minute, constant("old"))
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "doc", []byte("new"), DataTypeVolatile))

	got, err := c.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got), "explicit write is visible immediately")
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	_, err := c.GetOrSet(ctx, "gone", time.Minute, constant("v"))
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "gone"))

	got, err := c.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, got)
}
