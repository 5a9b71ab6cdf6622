// Package memory provides an in-memory implementation of the account store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"

	"goa.design/relay/runtime/account"
)

// Store is an in-memory implementation of the account.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account.Account
	orgs     map[string]*account.Organization
}

// Compile-time check that Store implements account.Store.
var _ account.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*account.Account),
		orgs:     make(map[string]*account.Organization),
	}
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*account.Organization, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return org.Clone(), nil
}

// SaveOrganization stores or updates an organization.
func (s *Store) SaveOrganization(ctx context.Context, org *account.Organization) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org.Clone()
	return nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return acct.Clone(), nil
}

// SaveAccount stores or updates an account.
func (s *Store) SaveAccount(ctx context.Context, acct *account.Account) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct.Clone()
	return nil
}

// DeleteAccount removes an account by ID.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return account.ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

// ListAccounts returns all accounts owned by the organization sorted by ID.
func (s *Store) ListAccounts(ctx context.Context, orgID string) ([]*account.Account, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*account.Account, 0)
	for _, acct := range s.accounts {
		if acct.OrganizationID == orgID {
			result = append(result, acct.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
