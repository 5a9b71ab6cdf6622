// Package account defines the provider accounts and organizations the relay
// pool orchestrates, and the persistence contract their stores implement.
//
// The Store interface abstracts account and organization storage, allowing
// different backend implementations. Available implementations:
//
//   - memory: In-memory store for development and testing
//   - mongo: MongoDB store for production persistence
//
// To add a new implementation, create a subpackage that implements the Store
// interface and returns account.ErrNotFound for missing rows.
package account

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an account or organization is not in the
// store. Implementations wrap it with the missing entity's identity.
var ErrNotFound = errors.New("not found")

type (
	// Status is the lifecycle state of an account. Circuit state lives in
	// the keyed store; the account row carries an advisory mirror.
	Status string

	// Tier is the provisioned capacity tier of an account. The tier fixes
	// the per-minute window limits the capacity tracker enforces.
	Tier int

	// TierLimits are the 60s window ceilings for one tier.
	TierLimits struct {
		// RPM caps requests per minute.
		RPM int64
		// TPM caps total tokens per minute.
		TPM int64
		// ITPM caps input tokens per minute.
		ITPM int64
	}

	// MonthlyUsage aggregates an account's traffic for the current month.
	MonthlyUsage struct {
		Requests           int64     `bson:"requests" json:"requests"`
		Tokens             int64     `bson:"tokens" json:"tokens"`
		EstimatedCostMinor int64     `bson:"estimated_cost_minor" json:"estimatedCostMinor"`
		LastResetAt        time.Time `bson:"last_reset_at" json:"lastResetAt"`
	}

	// Account is a provisioned backend credential owned by an organization.
	Account struct {
		ID                  string       `bson:"_id" json:"id"`
		OrganizationID      string       `bson:"organization_id" json:"organizationId"`
		Provider            string       `bson:"provider" json:"provider"`
		Tier                Tier         `bson:"tier" json:"tier"`
		Status              Status       `bson:"status" json:"status"`
		Weight              int          `bson:"weight" json:"weight"`
		ConsecutiveFailures int          `bson:"consecutive_failures" json:"consecutiveFailures"`
		HalfOpenSuccesses   int          `bson:"half_open_successes" json:"halfOpenSuccesses"`
		CircuitOpenedAt     *time.Time   `bson:"circuit_opened_at,omitempty" json:"circuitOpenedAt,omitempty"`
		LastSuccessAt       *time.Time   `bson:"last_success_at,omitempty" json:"lastSuccessAt,omitempty"`
		LastFailureAt       *time.Time   `bson:"last_failure_at,omitempty" json:"lastFailureAt,omitempty"`
		LastFailureReason   string       `bson:"last_failure_reason,omitempty" json:"lastFailureReason,omitempty"`
		MonthlyUsage        MonthlyUsage `bson:"monthly_usage" json:"monthlyUsage"`
	}

	// Organization is the tenancy boundary. Lifecycle is managed outside the
	// relay core; the pool reads it for strategy and budget configuration.
	Organization struct {
		ID                 string            `bson:"_id" json:"id"`
		MonthlyBudgetMinor int64             `bson:"monthly_budget_minor" json:"monthlyBudgetMinor"`
		Strategy           string            `bson:"strategy" json:"strategy"`
		Settings           map[string]string `bson:"settings,omitempty" json:"settings,omitempty"`
	}

	// Store defines the persistence layer for accounts and organizations.
	// Implementations must be safe for concurrent use.
	Store interface {
		// GetOrganization retrieves an organization by ID. Returns
		// ErrNotFound if the organization does not exist.
		GetOrganization(ctx context.Context, id string) (*Organization, error)

		// SaveOrganization stores or updates an organization. If an
		// organization with the same ID already exists, it is replaced.
		SaveOrganization(ctx context.Context, org *Organization) error

		// GetAccount retrieves an account by ID. Returns ErrNotFound if the
		// account does not exist.
		GetAccount(ctx context.Context, id string) (*Account, error)

		// SaveAccount stores or updates an account. If an account with the
		// same ID already exists, it is replaced.
		SaveAccount(ctx context.Context, acct *Account) error

		// DeleteAccount removes an account by ID. Returns ErrNotFound if the
		// account does not exist.
		DeleteAccount(ctx context.Context, id string) error

		// ListAccounts returns all accounts owned by the organization sorted
		// by ID. Returns an empty slice when the organization has none.
		ListAccounts(ctx context.Context, orgID string) ([]*Account, error)
	}
)

// Account lifecycle states.
const (
	StatusActive      Status = "active"
	StatusCircuitOpen Status = "circuit_open"
	StatusDisabled    Status = "disabled"
)

// Provisioned tiers, lowest to highest capacity.
const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
	Tier4 Tier = 4
)

// Limits returns the window ceilings for the tier. Unknown tiers fall back
// to Tier1 so a misprovisioned account throttles rather than floods.
func (t Tier) Limits() TierLimits {
	switch t {
	case Tier4:
		return TierLimits{RPM: 4000, TPM: 500_000, ITPM: 400_000}
	case Tier3:
		return TierLimits{RPM: 2000, TPM: 200_000, ITPM: 160_000}
	case Tier2:
		return TierLimits{RPM: 1000, TPM: 100_000, ITPM: 80_000}
	default:
		return TierLimits{RPM: 50, TPM: 50_000, ITPM: 40_000}
	}
}

// CostPerRequest returns the account's average monthly cost per request in
// minor currency units. Accounts with no traffic report zero.
func (a *Account) CostPerRequest() float64 {
	if a.MonthlyUsage.Requests == 0 {
		return 0
	}
	return float64(a.MonthlyUsage.EstimatedCostMinor) / float64(a.MonthlyUsage.Requests)
}

// Clone returns a deep copy so stores can hand out rows without aliasing.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.CircuitOpenedAt = cloneTime(a.CircuitOpenedAt)
	cp.LastSuccessAt = cloneTime(a.LastSuccessAt)
	cp.LastFailureAt = cloneTime(a.LastFailureAt)
	return &cp
}

// Clone returns a deep copy of the organization.
func (o *Organization) Clone() *Organization {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Settings != nil {
		cp.Settings = make(map[string]string, len(o.Settings))
		for k, v := range o.Settings {
			cp.Settings[k] = v
		}
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
