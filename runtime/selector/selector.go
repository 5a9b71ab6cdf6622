// Package selector picks one account out of the pool's filtered candidates.
// Strategies are small capability interfaces registered at startup and looked
// up by the organization's configured name, so tenants can pick their own
// dispatch behavior without the pool knowing any of them.
//
// Candidates arrive pre-filtered: status, circuit and capacity checks are the
// pool's job. A strategy only ranks.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/capacity"
	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

type (
	// Input is what a strategy may consider when ranking candidates.
	Input struct {
		// OrganizationID scopes fleet-shared strategy state (cursors).
		OrganizationID string
		// EstimatedTokens is the expected footprint of the next request.
		EstimatedTokens int64
		// Category is the analyzed request category, when known.
		Category string
		// Usage maps account ID to its current window usage.
		Usage map[string]capacity.Snapshot
	}

	// Strategy ranks candidates and picks one. Implementations must not
	// mutate candidates and must be safe for concurrent use. A nil account
	// with nil error means no candidate qualified.
	Strategy interface {
		// Name is the identifier organizations configure.
		Name() string
		// Select picks one of candidates.
		Select(ctx context.Context, candidates []*account.Account, input Input) (*account.Account, error)
	}

	// Options configures the registry. Store is required (the round-robin
	// cursor is fleet-shared).
	Options struct {
		Store  kv.Store
		Logger telemetry.Logger
	}

	// Registry resolves strategies by name. Safe for concurrent use.
	Registry struct {
		mu         sync.RWMutex
		strategies map[string]Strategy
	}
)

// ErrUnknownStrategy is returned when an organization names a strategy
// nothing registered.
var ErrUnknownStrategy = errors.New("unknown selection strategy")

// Built-in strategy names. DefaultName applies when an organization
// configures none.
const (
	NameLeastLoaded = "least-loaded"
	NameWeighted    = "weighted"
	NameRoundRobin  = "round-robin"
	NameRandom      = "random"

	DefaultName = NameLeastLoaded
)

// rrKeyPrefix namespaces round-robin cursors in the keyed store.
const rrKeyPrefix = "selector:rr:"

// NewRegistry builds a registry holding the built-in strategies.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		leastLoaded{},
		weighted{},
		&roundRobin{store: opts.Store, log: opts.Logger},
		random{},
	} {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a strategy. Names must be unique.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Lookup resolves a strategy by name. The empty name resolves to DefaultName.
func (r *Registry) Lookup(name string) (Strategy, error) {
	if name == "" {
		name = DefaultName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// leastLoaded picks the account with the lowest combined window load. Ties
// break toward the higher tier, then the lower monthly cost per request,
// then the lexicographically smaller ID, so repeated calls are stable.
type leastLoaded struct{}

func (leastLoaded) Name() string { return NameLeastLoaded }

func (leastLoaded) Select(_ context.Context, candidates []*account.Account, input Input) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	const eps = 1e-9
	best := candidates[0]
	bestScore := loadScore(best, input.Usage[best.ID])
	for _, c := range candidates[1:] {
		s := loadScore(c, input.Usage[c.ID])
		switch {
		case s < bestScore-eps:
			best, bestScore = c, s
		case math.Abs(s-bestScore) <= eps && preferred(c, best):
			best = c
		}
	}
	return best, nil
}

// loadScore is the mean of the rpm and tpm window utilizations.
func loadScore(a *account.Account, u capacity.Snapshot) float64 {
	limits := a.Tier.Limits()
	return (float64(u.RPMUsed)/float64(limits.RPM) + float64(u.TPMUsed)/float64(limits.TPM)) / 2
}

func preferred(a, b *account.Account) bool {
	if a.Tier != b.Tier {
		return a.Tier > b.Tier
	}
	if ac, bc := a.CostPerRequest(), b.CostPerRequest(); ac != bc {
		return ac < bc
	}
	return a.ID < b.ID
}

// weighted picks at random proportionally to Account.Weight. Weights below
// one count as one so misconfigured accounts stay reachable.
type weighted struct{}

func (weighted) Name() string { return NameWeighted }

func (weighted) Select(_ context.Context, candidates []*account.Account, _ Input) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	var total int64
	for _, c := range candidates {
		total += effectiveWeight(c)
	}
	n := rand.Int63n(total)
	for _, c := range candidates {
		n -= effectiveWeight(c)
		if n < 0 {
			return c, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func effectiveWeight(a *account.Account) int64 {
	if a.Weight < 1 {
		return 1
	}
	return int64(a.Weight)
}

// roundRobin walks candidates in ID order using a fleet-shared cursor, so
// every worker process participates in the same rotation.
type roundRobin struct {
	store kv.Store
	log   telemetry.Logger
}

func (*roundRobin) Name() string { return NameRoundRobin }

func (r *roundRobin) Select(ctx context.Context, candidates []*account.Account, input Input) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ordered := make([]*account.Account, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	n, err := r.store.Incr(ctx, rrKeyPrefix+input.OrganizationID)
	if err != nil {
		r.log.Warn(ctx, "round-robin cursor unavailable, picking at random",
			"org", input.OrganizationID, "err", err.Error())
		return ordered[rand.Intn(len(ordered))], nil
	}
	return ordered[(n-1)%int64(len(ordered))], nil
}

// random picks uniformly.
type random struct{}

func (random) Name() string { return NameRandom }

func (random) Select(_ context.Context, candidates []*account.Account, _ Input) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}
