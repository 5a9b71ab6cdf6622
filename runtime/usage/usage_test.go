package usage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accmemory "goa.design/relay/features/account/memory"
	kvredis "goa.design/relay/features/kv/redis"
	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/kv"
)

var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	acct     *Accountant
	store    kv.Store
	accounts account.Store
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := kvredis.New(kvredis.Options{URL: mr.Addr(), Environment: "test", RetryLimit: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	accounts := accmemory.New()
	o := Options{
		Store:    s,
		Accounts: accounts,
		Now:      func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&o)
	}
	a, err := New(o)
	require.NoError(t, err)
	return &fixture{acct: a, store: s, accounts: accounts, mr: mr}
}

func (f *fixture) seedOrg(t *testing.T, org string, budgetMinor int64) {
	t.Helper()
	require.NoError(t, f.accounts.SaveOrganization(context.Background(), &account.Organization{
		ID:                 org,
		MonthlyBudgetMinor: budgetMinor,
	}))
}

func (f *fixture) setSpend(t *testing.T, org string, spentMinor int64) {
	t.Helper()
	require.NoError(t, f.store.HSet(context.Background(), "usage:monthly:"+org+":2026-03",
		map[string]string{"totalCost": strconv.FormatInt(spentMinor*microsPerMinor, 10)}))
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *alertRecorder) sink(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) delivered() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Accounts: accmemory.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Store is required")

	mr := miniredis.RunT(t)
	s, err := kvredis.New(kvredis.Options{URL: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = New(Options{Store: s})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Accounts is required")
}

func TestTrackUsageAdvancesAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.acct.TrackUsage(ctx, Record{
		OrganizationID: "o1",
		SessionID:      "s1",
		Model:          "claude-sonnet-4",
		InputTokens:    1000,
		OutputTokens:   500,
		Category:       "search",
	})

	fields, err := f.store.HGetAll(ctx, "usage:monthly:o1:2026-03")
	require.NoError(t, err)
	// 1000 input tokens at 3 micros each plus 500 output at 15 micros each.
	assert.Equal(t, "10500", fields["totalCost"])
	assert.Equal(t, "1000", fields["totalInputTokens"])
	assert.Equal(t, "500", fields["totalOutputTokens"])
	assert.Equal(t, "1", fields["requestCount"])
	assert.Equal(t, "10500", fields["model:claude-sonnet-4:cost"])
	assert.Equal(t, "1", fields["model:claude-sonnet-4:requests"])
	assert.Equal(t, "10500", fields["category:search:cost"])
	assert.Equal(t, "1", fields["category:search:requests"])

	assert.Equal(t, monthlyTTL, f.mr.TTL("test:usage:monthly:o1:2026-03"))
	assert.Equal(t, dailyTTL, f.mr.TTL("test:usage:daily:o1:2026-03-04"))

	records, err := f.acct.DailyRecords(ctx, "o1", fixedNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(10500), records[0].CostMicros)
	assert.Equal(t, "s1", records[0].SessionID)
	assert.True(t, records[0].Timestamp.Equal(fixedNow))
}

func TestTrackUsageKeepsExplicitCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.acct.TrackUsage(ctx, Record{OrganizationID: "o1", Model: "claude-sonnet-4", CostMicros: 999})

	fields, err := f.store.HGetAll(ctx, "usage:monthly:o1:2026-03")
	require.NoError(t, err)
	assert.Equal(t, "999", fields["totalCost"])
}

func TestTrackUsageUnknownModelUsesFallbackPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.acct.TrackUsage(ctx, Record{
		OrganizationID: "o1",
		Model:          "mystery-model",
		InputTokens:    1000,
		OutputTokens:   1000,
	})

	fields, err := f.store.HGetAll(ctx, "usage:monthly:o1:2026-03")
	require.NoError(t, err)
	assert.Equal(t, "4000", fields["totalCost"])
}

func TestTrackUsagePriceOverride(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Prices = map[string]Price{"claude-sonnet-4": {InputPerMTok: 1_000_000, OutputPerMTok: 1_000_000}}
	})
	ctx := context.Background()

	f.acct.TrackUsage(ctx, Record{OrganizationID: "o1", Model: "claude-sonnet-4", InputTokens: 1000, OutputTokens: 1000})

	fields, err := f.store.HGetAll(ctx, "usage:monthly:o1:2026-03")
	require.NoError(t, err)
	assert.Equal(t, "2000", fields["totalCost"])
}

func TestTrackUsageDropsWithoutOrganization(t *testing.T) {
	f := newFixture(t)
	f.acct.TrackUsage(context.Background(), Record{Model: "claude-sonnet-4", InputTokens: 10})
	assert.Empty(t, f.mr.Keys())
}

func TestTrackUsageDropsOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	// Must not panic or error; metering is best-effort.
	f.acct.TrackUsage(context.Background(), Record{OrganizationID: "o1", InputTokens: 10})
}

func TestCheckBudgetThresholds(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, "o1", 10_000)

	for spent, want := range map[int64]BudgetState{
		7_999:  BudgetWithin,
		8_000:  BudgetWarning,
		9_000:  BudgetCritical,
		10_000: BudgetExceeded,
		12_000: BudgetExceeded,
	} {
		f.setSpend(t, "o1", spent)
		got := f.acct.CheckBudget(context.Background(), "o1")
		assert.Equal(t, want, got.Status, "spent %d", spent)
		assert.Equal(t, spent, got.SpentMinor)
		assert.Equal(t, max(10_000-spent, 0), got.RemainingMinor)
	}
}

func TestCheckBudgetCustomThresholds(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.WarningPercent = 50
		o.CriticalPercent = 75
	})
	f.seedOrg(t, "o1", 10_000)

	for spent, want := range map[int64]BudgetState{
		4_999:  BudgetWithin,
		5_000:  BudgetWarning,
		7_500:  BudgetCritical,
		10_000: BudgetExceeded,
	} {
		f.setSpend(t, "o1", spent)
		got := f.acct.CheckBudget(context.Background(), "o1")
		assert.Equal(t, want, got.Status, "spent %d", spent)
	}
}

func TestNewRejectsMisorderedThresholds(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := kvredis.New(kvredis.Options{URL: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = New(Options{
		Store:           s,
		Accounts:        accmemory.New(),
		WarningPercent:  90,
		CriticalPercent: 80,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid budget thresholds")
}

func TestCheckBudgetSeedNumbers(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, "o1", 10_000)
	f.setSpend(t, "o1", 8_100)

	got := f.acct.CheckBudget(context.Background(), "o1")
	assert.Equal(t, BudgetWarning, got.Status)
	assert.InDelta(t, 81.0, got.UsedPercent, 1e-9)
	assert.Equal(t, int64(1_900), got.RemainingMinor)
}

func TestCheckBudgetUnlimited(t *testing.T) {
	f := newFixture(t)
	f.setSpend(t, "ghost", 50_000)

	got := f.acct.CheckBudget(context.Background(), "ghost")
	assert.Equal(t, BudgetWithin, got.Status, "no configured budget means nothing to exceed")
	assert.Zero(t, got.BudgetMinor)
	assert.Equal(t, int64(50_000), got.SpentMinor)
}

func TestBudgetAlertFiresOncePerThreshold(t *testing.T) {
	rec := &alertRecorder{}
	f := newFixture(t, func(o *Options) { o.Alerts = rec.sink })
	ctx := context.Background()
	f.seedOrg(t, "o1", 10_000)
	f.setSpend(t, "o1", 8_100)

	alert, ok := f.acct.CheckBudgetAlert(ctx, "o1")
	require.True(t, ok)
	assert.Equal(t, BudgetWarning, alert.Threshold)
	require.NoError(t, f.acct.SendBudgetAlert(ctx, alert))
	require.Len(t, rec.delivered(), 1)

	_, ok = f.acct.CheckBudgetAlert(ctx, "o1")
	assert.False(t, ok, "warning already alerted this month")

	// Crossing the next threshold alerts again.
	f.setSpend(t, "o1", 9_100)
	alert, ok = f.acct.CheckBudgetAlert(ctx, "o1")
	require.True(t, ok)
	assert.Equal(t, BudgetCritical, alert.Threshold)
}

func TestSendBudgetAlertSinkFailureKeepsAlertPending(t *testing.T) {
	rec := &alertRecorder{err: errors.New("smtp down")}
	f := newFixture(t, func(o *Options) { o.Alerts = rec.sink })
	ctx := context.Background()
	f.seedOrg(t, "o1", 10_000)
	f.setSpend(t, "o1", 8_100)

	alert, ok := f.acct.CheckBudgetAlert(ctx, "o1")
	require.True(t, ok)
	require.Error(t, f.acct.SendBudgetAlert(ctx, alert))

	_, ok = f.acct.CheckBudgetAlert(ctx, "o1")
	assert.True(t, ok, "failed delivery does not set the marker")
}

func TestSendBudgetAlertWithoutSink(t *testing.T) {
	f := newFixture(t)
	err := f.acct.SendBudgetAlert(context.Background(), Alert{OrganizationID: "o1", Threshold: BudgetWarning})
	assert.NoError(t, err)
}

func TestMarkAlertSentCoversMonthRemainder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.acct.MarkAlertSent(context.Background(), "o1", BudgetWarning))

	// March 4 10:00 to April 1 is 27d14h; the marker adds a day of slack.
	want := 27*24*time.Hour + 14*time.Hour + 24*time.Hour
	assert.Equal(t, want, f.mr.TTL("test:budget_alert_sent:o1:2026-03:warning"))
}

func TestEnforceBudgetWithAlertBlocksExceeded(t *testing.T) {
	delivered := make(chan Alert, 1)
	f := newFixture(t, func(o *Options) {
		o.Alerts = func(_ context.Context, a Alert) error {
			delivered <- a
			return nil
		}
	})
	ctx := context.Background()
	f.seedOrg(t, "o1", 10_000)
	f.setSpend(t, "o1", 10_500)

	err := f.acct.EnforceBudgetWithAlert(ctx, "o1")
	require.ErrorIs(t, err, ErrBudgetExceeded)

	select {
	case a := <-delivered:
		assert.Equal(t, BudgetExceeded, a.Threshold)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered")
	}
}

func TestEnforceBudgetWithAlertPassesWithin(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, "o1", 10_000)
	f.setSpend(t, "o1", 1_000)

	assert.NoError(t, f.acct.EnforceBudgetWithAlert(context.Background(), "o1"))
}
