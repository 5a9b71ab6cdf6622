package memory

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/account"
)

// TestAccountRoundTripConsistency verifies that saving an account and
// retrieving it by ID returns equivalent data for any generated account.
func TestAccountRoundTripConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("save then get returns equivalent account", prop.ForAll(
		func(acct *account.Account) bool {
			st := New()
			ctx := context.Background()

			if err := st.SaveAccount(ctx, acct); err != nil {
				return false
			}
			got, err := st.GetAccount(ctx, acct.ID)
			if err != nil {
				return false
			}
			return got.ID == acct.ID &&
				got.OrganizationID == acct.OrganizationID &&
				got.Provider == acct.Provider &&
				got.Tier == acct.Tier &&
				got.Status == acct.Status &&
				got.Weight == acct.Weight &&
				got.MonthlyUsage == acct.MonthlyUsage
		},
		genAccount(),
	))

	properties.TestingRun(t)
}

func genAccount() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.Identifier(),
		gen.OneConstOf("anthropic", "openai", "bedrock"),
		gen.IntRange(1, 4),
		gen.OneConstOf(account.StatusActive, account.StatusCircuitOpen, account.StatusDisabled),
		gen.IntRange(1, 100),
		gen.Int64Range(0, 1_000_000),
	).Map(func(vals []any) *account.Account {
		return &account.Account{
			ID:             "acct-" + vals[0].(string),
			OrganizationID: "org-" + vals[1].(string),
			Provider:       vals[2].(string),
			Tier:           account.Tier(vals[3].(int)),
			Status:         vals[4].(account.Status),
			Weight:         vals[5].(int),
			MonthlyUsage: account.MonthlyUsage{
				Requests: vals[6].(int64),
				Tokens:   vals[6].(int64) * 100,
			},
		}
	})
}

func TestGetAccountNotFound(t *testing.T) {
	st := New()
	_, err := st.GetAccount(context.Background(), "missing")
	require.ErrorIs(t, err, account.ErrNotFound)
}

func TestDeleteAccount(t *testing.T) {
	st := New()
	ctx := context.Background()

	require.NoError(t, st.SaveAccount(ctx, &account.Account{ID: "a1", OrganizationID: "o1"}))
	require.NoError(t, st.DeleteAccount(ctx, "a1"))
	_, err := st.GetAccount(ctx, "a1")
	require.ErrorIs(t, err, account.ErrNotFound)

	require.ErrorIs(t, st.DeleteAccount(ctx, "a1"), account.ErrNotFound)
}

func TestListAccountsFiltersAndSorts(t *testing.T) {
	st := New()
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, st.SaveAccount(ctx, &account.Account{ID: id, OrganizationID: "o1"}))
	}
	require.NoError(t, st.SaveAccount(ctx, &account.Account{ID: "z", OrganizationID: "o2"}))

	got, err := st.ListAccounts(ctx, "o1")
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, a := range got {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	empty, err := st.ListAccounts(ctx, "o3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoredRowsDoNotAlias(t *testing.T) {
	st := New()
	ctx := context.Background()

	opened := time.Now()
	acct := &account.Account{ID: "a1", OrganizationID: "o1", CircuitOpenedAt: &opened}
	require.NoError(t, st.SaveAccount(ctx, acct))

	// Mutating the caller's copy must not leak into the store.
	acct.Status = account.StatusDisabled
	*acct.CircuitOpenedAt = opened.Add(time.Hour)

	got, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, got.Status)
	assert.WithinDuration(t, opened, *got.CircuitOpenedAt, time.Second)

	// Mutating a retrieved copy must not leak either.
	got.Weight = 99
	again, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, again.Weight)
}

func TestOrganizationRoundTrip(t *testing.T) {
	st := New()
	ctx := context.Background()

	_, err := st.GetOrganization(ctx, "o1")
	require.ErrorIs(t, err, account.ErrNotFound)

	org := &account.Organization{
		ID:                 "o1",
		MonthlyBudgetMinor: 50_000,
		Strategy:           "weighted",
		Settings:           map[string]string{"region": "us"},
	}
	require.NoError(t, st.SaveOrganization(ctx, org))

	got, err := st.GetOrganization(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, org.ID, got.ID)
	assert.Equal(t, int64(50_000), got.MonthlyBudgetMinor)
	assert.Equal(t, "weighted", got.Strategy)
	assert.Equal(t, "us", got.Settings["region"])

	got.Settings["region"] = "eu"
	again, err := st.GetOrganization(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "us", again.Settings["region"], "settings map must not alias")
}

func TestContextCancellationStopsCalls(t *testing.T) {
	st := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, st.SaveAccount(ctx, &account.Account{ID: "a"}), context.Canceled)
	_, err := st.GetAccount(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)
	_, err = st.ListAccounts(ctx, "o")
	require.ErrorIs(t, err, context.Canceled)
}
