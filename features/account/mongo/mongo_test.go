package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/relay/runtime/account"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo client is required")

	cl, err := mongodriver.Connect(context.Background(),
		options.Client().ApplyURI("mongodb://127.0.0.1:1"))
	require.NoError(t, err)
	defer func() { _ = cl.Disconnect(context.Background()) }()

	_, err = New(Options{Client: cl})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database name is required")
}

func TestEnsureIndexes(t *testing.T) {
	accounts := newFakeAccounts()
	require.NoError(t, ensureIndexes(context.Background(), accounts))
	assert.Equal(t, 1, accounts.indexCreated)
}

func TestSaveAndGetAccount(t *testing.T) {
	s := mustNewTestStore(t)
	ctx := context.Background()

	opened := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	acct := &account.Account{
		ID:                  "acct-1",
		OrganizationID:      "org-1",
		Provider:            "anthropic",
		Tier:                account.Tier3,
		Status:              account.StatusCircuitOpen,
		Weight:              2,
		ConsecutiveFailures: 5,
		CircuitOpenedAt:     &opened,
		LastFailureReason:   "backend 500",
		MonthlyUsage: account.MonthlyUsage{
			Requests:           10,
			Tokens:             12_000,
			EstimatedCostMinor: 42,
			LastResetAt:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, s.SaveAccount(ctx, acct))

	got, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, acct, got)
	assert.NotSame(t, acct, got)
}

func TestGetAccountNotFound(t *testing.T) {
	s := mustNewTestStore(t)
	_, err := s.GetAccount(context.Background(), "ghost")
	require.ErrorIs(t, err, account.ErrNotFound)
}

func TestSaveAccountValidates(t *testing.T) {
	s := mustNewTestStore(t)
	require.Error(t, s.SaveAccount(context.Background(), nil))
	require.Error(t, s.SaveAccount(context.Background(), &account.Account{}))
}

func TestSaveAccountReplacesExisting(t *testing.T) {
	s := mustNewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, &account.Account{
		ID: "acct-1", OrganizationID: "org-1", Status: account.StatusActive,
	}))
	require.NoError(t, s.SaveAccount(ctx, &account.Account{
		ID: "acct-1", OrganizationID: "org-1", Status: account.StatusDisabled,
	}))

	got, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, account.StatusDisabled, got.Status)
}

func TestDeleteAccount(t *testing.T) {
	s := mustNewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, &account.Account{ID: "acct-1", OrganizationID: "org-1"}))
	require.NoError(t, s.DeleteAccount(ctx, "acct-1"))

	_, err := s.GetAccount(ctx, "acct-1")
	require.ErrorIs(t, err, account.ErrNotFound)
	require.ErrorIs(t, s.DeleteAccount(ctx, "acct-1"), account.ErrNotFound)
}

func TestListAccountsFiltersAndSorts(t *testing.T) {
	s := mustNewTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"acct-b", "acct-a", "acct-c"} {
		require.NoError(t, s.SaveAccount(ctx, &account.Account{ID: id, OrganizationID: "org-1"}))
	}
	require.NoError(t, s.SaveAccount(ctx, &account.Account{ID: "acct-z", OrganizationID: "org-2"}))

	got, err := s.ListAccounts(ctx, "org-1")
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, a := range got {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"acct-a", "acct-b", "acct-c"}, ids)

	empty, err := s.ListAccounts(ctx, "org-ghost")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSaveAndGetOrganization(t *testing.T) {
	s := mustNewTestStore(t)
	ctx := context.Background()

	org := &account.Organization{
		ID:                 "org-1",
		MonthlyBudgetMinor: 10_000,
		Strategy:           "weighted",
		Settings:           map[string]string{"region": "ap-northeast-2"},
	}
	require.NoError(t, s.SaveOrganization(ctx, org))

	got, err := s.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, org, got)

	_, err = s.GetOrganization(ctx, "ghost")
	require.ErrorIs(t, err, account.ErrNotFound)
}

func TestStoreName(t *testing.T) {
	s := mustNewTestStore(t)
	assert.Equal(t, "account-mongo", s.Name())
}

func mustNewTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := newStoreWithCollections(nil, newFakeAccounts(), newFakeOrgs(), time.Second)
	require.NoError(t, err)
	return s
}

type fakeAccounts struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]account.Account
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{docs: make(map[string]account.Account)}
}

func (c *fakeAccounts) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: &doc}
}

func (c *fakeAccounts) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	orgID, _ := filter.(bson.M)["organization_id"].(string)
	matches := make([]account.Account, 0)
	for _, doc := range c.docs {
		if doc.OrganizationID == orgID {
			matches = append(matches, doc)
		}
	}
	// The real store requests an _id sort; the fake honors it directly.
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	docs := make([]any, len(matches))
	for i := range matches {
		docs[i] = &matches[i]
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeAccounts) ReplaceOne(_ context.Context, filter any, replacement any,
	_ ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	acct, ok := replacement.(*account.Account)
	if !ok {
		return nil, errors.New("unsupported replacement")
	}
	c.docs[id] = *acct
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeAccounts) DeleteOne(_ context.Context, filter any,
	_ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	if _, ok := c.docs[id]; !ok {
		return &mongodriver.DeleteResult{DeletedCount: 0}, nil
	}
	delete(c.docs, id)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeAccounts) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeOrgs struct {
	mu   sync.Mutex
	docs map[string]account.Organization
}

func newFakeOrgs() *fakeOrgs {
	return &fakeOrgs{docs: make(map[string]account.Organization)}
}

func (c *fakeOrgs) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: &doc}
}

func (c *fakeOrgs) Find(context.Context, any, ...*options.FindOptions) (cursor, error) {
	return &fakeCursor{}, nil
}

func (c *fakeOrgs) ReplaceOne(_ context.Context, filter any, replacement any,
	_ ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	org, ok := replacement.(*account.Organization)
	if !ok {
		return nil, errors.New("unsupported replacement")
	}
	c.docs[id] = *org
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeOrgs) DeleteOne(context.Context, any,
	...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return &mongodriver.DeleteResult{}, nil
}

func (c *fakeOrgs) Indexes() indexView {
	return fakeIndexView{parent: new(int)}
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "organization_id_idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch typed := val.(type) {
	case *account.Account:
		*typed = *(r.doc.(*account.Account))
	case *account.Organization:
		*typed = *(r.doc.(*account.Organization))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

type fakeCursor struct {
	docs []any
	idx  int
	cur  any
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.cur = c.docs[c.idx]
	c.idx++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	return fakeSingleResult{doc: c.cur}.Decode(val)
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(context.Context) error { return nil }
