package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "goa.design/relay/features/kv/redis"
	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/provider"
)

func newStore(t *testing.T) (kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := kvredis.New(kvredis.Options{URL: mr.Addr(), Environment: "test", RetryLimit: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newLimiter(t *testing.T, opts Options) (*Limiter, kv.Store) {
	t.Helper()
	s, _ := newStore(t)
	opts.Store = s
	l, err := New(opts)
	require.NoError(t, err)
	return l, s
}

func rateLimitErr() error {
	return provider.NewError("anthropic", "complete", 429, provider.KindRateLimited, "rate_limit_error", "overloaded", "req-1", nil)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Store is required")
}

func TestCheckAllowsFreshPair(t *testing.T) {
	l, _ := newLimiter(t, Options{})
	v := l.Check(context.Background(), "org-1", provider.NameAnthropic, 1000)
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Window)
	assert.Zero(t, v.RetryAfter)
}

func TestRequestWindowDenies(t *testing.T) {
	l, _ := newLimiter(t, Options{
		Limits: map[string]Limits{"anthropic": {RPM: 2, RPH: 1000, TPM: 1 << 30, TPD: 1 << 40}},
	})
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "org-1", "anthropic", 10))
	require.NoError(t, l.Record(ctx, "org-1", "anthropic", 10))

	v := l.Check(ctx, "org-1", "anthropic", 10)
	require.False(t, v.Allowed)
	assert.Equal(t, "rpm", v.Window)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, v.RetryAfter, time.Minute)
}

func TestTokenWindowCountsEstimate(t *testing.T) {
	l, _ := newLimiter(t, Options{
		Limits: map[string]Limits{"anthropic": {RPM: 1000, RPH: 10000, TPM: 1000, TPD: 1 << 40}},
	})
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "org-1", "anthropic", 600))

	denied := l.Check(ctx, "org-1", "anthropic", 500)
	require.False(t, denied.Allowed, "600 used + 500 estimated exceeds 1000")
	assert.Equal(t, "tpm", denied.Window)

	allowed := l.Check(ctx, "org-1", "anthropic", 300)
	assert.True(t, allowed.Allowed)
}

func TestWindowsAreIndependentPerPair(t *testing.T) {
	l, _ := newLimiter(t, Options{
		Limits: map[string]Limits{"anthropic": {RPM: 1, RPH: 1000, TPM: 1 << 30, TPD: 1 << 40}},
	})
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "org-1", "anthropic", 10))
	require.False(t, l.Check(ctx, "org-1", "anthropic", 10).Allowed)

	assert.True(t, l.Check(ctx, "org-2", "anthropic", 10).Allowed, "other org untouched")
	assert.True(t, l.Check(ctx, "org-1", "openai", 10).Allowed, "other provider untouched")
}

func TestRecordAdvancesAllWindows(t *testing.T) {
	l, s := newLimiter(t, Options{})
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "org-1", "anthropic", 500))
	require.NoError(t, l.Record(ctx, "org-1", "anthropic", 250))

	for key, want := range map[string]string{
		"ratelimit:org-1:anthropic:rpm": "2",
		"ratelimit:org-1:anthropic:rph": "2",
		"ratelimit:org-1:anthropic:tpm": "750",
		"ratelimit:org-1:anthropic:tpd": "750",
	} {
		got, err := s.Get(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, want, string(got), key)
	}
}

func TestBackoffDominatesWindows(t *testing.T) {
	l, _ := newLimiter(t, Options{})
	ctx := context.Background()

	backoff, err := l.RecordRateLimitError(ctx, "org-1", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, time.Second, backoff)

	v := l.Check(ctx, "org-1", "anthropic", 10)
	require.False(t, v.Allowed)
	assert.Equal(t, "backoff", v.Window)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, v.RetryAfter, time.Second)

	require.NoError(t, l.ClearBackoff(ctx, "org-1", "anthropic"))
	assert.True(t, l.Check(ctx, "org-1", "anthropic", 10).Allowed)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	l, _ := newLimiter(t, Options{})
	ctx := context.Background()

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, time.Minute, time.Minute,
	}
	for i, w := range want {
		got, err := l.RecordRateLimitError(ctx, "org-1", "anthropic")
		require.NoError(t, err)
		assert.Equal(t, w, got, "escalation %d", i+1)
	}
}

func TestCheckFailsOpenWhenStoreDown(t *testing.T) {
	s, mr := newStore(t)
	l, err := New(Options{Store: s})
	require.NoError(t, err)
	mr.Close()

	v := l.Check(context.Background(), "org-1", "anthropic", 10)
	assert.True(t, v.Allowed, "admission degrades open when the store is unreachable")
}

func TestUnknownProviderGetsConservativeDefaults(t *testing.T) {
	lim := DefaultLimits("mystery")
	assert.Equal(t, int64(600), lim.RPM)
	assert.Equal(t, int64(10_000), lim.RPH)

	l, _ := newLimiter(t, Options{})
	assert.True(t, l.Check(context.Background(), "org-1", "mystery", 10).Allowed)
}

func TestWithRateLimitRetriesOnRateLimit(t *testing.T) {
	l, s := newLimiter(t, Options{SleepCap: 5 * time.Millisecond})
	ctx := context.Background()

	calls := 0
	err := l.WithRateLimit(ctx, "org-1", "anthropic", 100, func(context.Context) error {
		calls++
		if calls < 3 {
			return rateLimitErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	n, err := s.Exists(ctx, "backoff:org-1:anthropic")
	require.NoError(t, err)
	assert.Zero(t, n, "success clears the backoff")

	rpm, err := s.Get(ctx, "ratelimit:org-1:anthropic:rpm")
	require.NoError(t, err)
	assert.Equal(t, "1", string(rpm), "only the successful call is recorded")
}

func TestWithRateLimitBubblesOtherErrors(t *testing.T) {
	l, _ := newLimiter(t, Options{SleepCap: time.Millisecond})

	authErr := provider.NewError("anthropic", "complete", 401, provider.KindAuth, "unauthorized", "bad key", "", nil)
	calls := 0
	err := l.WithRateLimit(context.Background(), "org-1", "anthropic", 100, func(context.Context) error {
		calls++
		return authErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non rate-limit failures do not retry")
	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, provider.KindAuth, perr.Kind())
}

func TestWithRateLimitExhaustsAttempts(t *testing.T) {
	l, _ := newLimiter(t, Options{Attempts: 2, SleepCap: time.Millisecond})

	calls := 0
	err := l.WithRateLimit(context.Background(), "org-1", "anthropic", 100, func(context.Context) error {
		calls++
		return rateLimitErr()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.True(t, provider.IsRateLimited(err), "cause stays inspectable")
}

func TestWithRateLimitHonorsContext(t *testing.T) {
	l, _ := newLimiter(t, Options{})
	ctx := context.Background()

	_, err := l.RecordRateLimitError(ctx, "org-1", "anthropic")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	calls := 0
	err = l.WithRateLimit(ctx, "org-1", "anthropic", 100, func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, calls, "canceled before the backoff elapsed")
}

func TestBackoffBoundsProperty(t *testing.T) {
	l, _ := newLimiter(t, Options{})
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("escalations stay within [1s, 60s] and never shrink", prop.ForAll(
		func(n int) bool {
			run++
			org := "org-prop-" + strconv.Itoa(run)
			prev := time.Duration(0)
			for i := 0; i < n; i++ {
				got, err := l.RecordRateLimitError(ctx, org, "anthropic")
				if err != nil {
					return false
				}
				if got < time.Second || got > time.Minute {
					return false
				}
				if got < prev {
					return false
				}
				prev = got
			}
			return true
		},
		gen.IntRange(1, 12),
	))
	properties.TestingRun(t)
}
