// Package mongo provides a MongoDB implementation of the account store.
//
// Accounts and organizations persist across restarts, making this the store
// for production deployments. The driver is wrapped behind narrow collection
// interfaces so the store logic stays testable without a server.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/relay/runtime/account"
)

const (
	defaultAccountsCollection      = "relay_accounts"
	defaultOrganizationsCollection = "relay_organizations"
	defaultOpTimeout               = 5 * time.Second
	storeName                      = "account-mongo"
)

// Options configures the Mongo account store.
type Options struct {
	// Client is a connected MongoDB client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// AccountsCollection defaults to "relay_accounts".
	AccountsCollection string
	// OrganizationsCollection defaults to "relay_organizations".
	OrganizationsCollection string
	// Timeout bounds each store operation. Defaults to 5s.
	Timeout time.Duration
}

// Store is a MongoDB implementation of the account.Store interface.
type Store struct {
	mongo    *mongodriver.Client
	accounts collection
	orgs     collection
	timeout  time.Duration
}

// Compile-time checks.
var (
	_ account.Store = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a Store backed by MongoDB. It ensures the indexes the list
// path relies on, so the client must be connected.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	accountsCollection := opts.AccountsCollection
	if accountsCollection == "" {
		accountsCollection = defaultAccountsCollection
	}
	organizationsCollection := opts.OrganizationsCollection
	if organizationsCollection == "" {
		organizationsCollection = defaultOrganizationsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	accounts := mongoCollection{coll: db.Collection(accountsCollection)}
	orgs := mongoCollection{coll: db.Collection(organizationsCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, accounts); err != nil {
		return nil, fmt.Errorf("mongodb ensure indexes: %w", err)
	}
	return newStoreWithCollections(opts.Client, accounts, orgs, timeout)
}

// Name identifies the store for health reporting.
func (s *Store) Name() string {
	return storeName
}

// Ping verifies connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*account.Organization, error) {
	if id == "" {
		return nil, errors.New("organization id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var org account.Organization
	if err := s.orgs.FindOne(ctx, bson.M{"_id": id}).Decode(&org); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get organization %q: %w", id, err)
	}
	return &org, nil
}

// SaveOrganization stores or updates an organization.
func (s *Store) SaveOrganization(ctx context.Context, org *account.Organization) error {
	if org == nil || org.ID == "" {
		return errors.New("organization id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Replace().SetUpsert(true)
	if _, err := s.orgs.ReplaceOne(ctx, bson.M{"_id": org.ID}, org, opts); err != nil {
		return fmt.Errorf("mongodb save organization %q: %w", org.ID, err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	if id == "" {
		return nil, errors.New("account id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var acct account.Account
	if err := s.accounts.FindOne(ctx, bson.M{"_id": id}).Decode(&acct); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get account %q: %w", id, err)
	}
	return &acct, nil
}

// SaveAccount stores or updates an account.
func (s *Store) SaveAccount(ctx context.Context, acct *account.Account) error {
	if acct == nil || acct.ID == "" {
		return errors.New("account id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Replace().SetUpsert(true)
	if _, err := s.accounts.ReplaceOne(ctx, bson.M{"_id": acct.ID}, acct, opts); err != nil {
		return fmt.Errorf("mongodb save account %q: %w", acct.ID, err)
	}
	return nil
}

// DeleteAccount removes an account by ID.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("account id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.accounts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete account %q: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return account.ErrNotFound
	}
	return nil
}

// ListAccounts returns all accounts owned by the organization sorted by ID.
func (s *Store) ListAccounts(ctx context.Context, orgID string) ([]*account.Account, error) {
	if orgID == "" {
		return nil, errors.New("organization id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"organization_id": orgID}
	sort := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.accounts.Find(ctx, filter, sort)
	if err != nil {
		return nil, fmt.Errorf("mongodb list accounts %q: %w", orgID, err)
	}
	defer func() { _ = cur.Close(ctx) }()
	out := make([]*account.Account, 0)
	for cur.Next(ctx) {
		var acct account.Account
		if err := cur.Decode(&acct); err != nil {
			return nil, fmt.Errorf("mongodb list accounts %q decode: %w", orgID, err)
		}
		out = append(out, &acct)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongodb list accounts %q: %w", orgID, err)
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// ensureIndexes creates the compound index the ListAccounts filter-and-sort
// path relies on. Unique _id indexes exist implicitly.
func ensureIndexes(ctx context.Context, accounts collection) error {
	orgIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "organization_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	_, err := accounts.Indexes().CreateOne(ctx, orgIndex)
	return err
}

func newStoreWithCollections(mongoClient *mongodriver.Client, accounts, orgs collection, timeout time.Duration) (*Store, error) {
	if accounts == nil || orgs == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:    mongoClient,
		accounts: accounts,
		orgs:     orgs,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
