package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/reconcile"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Reconciler is the query surface of the reconciliation service
type Reconciler interface {
	Organizations(ctx context.Context) ([]*models.Organization, error)
	Organization(ctx context.Context, address string, opts reconcile.Options) (*models.Organization, error)
	Proposal(ctx context.Context, address string, opts reconcile.Options) (*models.Proposal, error)
	Registry(ctx context.Context) (*models.Registry, error)
}

// StaleTimes is how long a cached result is trusted per query type
type StaleTimes struct {
	Collection   time.Duration
	Organization time.Duration
	Proposal     time.Duration
}

// StaleTimesFromConfig reads the trust windows from scheduler config
func StaleTimesFromConfig(cfg config.SchedulerConfig) StaleTimes {
	return StaleTimes{
		Collection:   cfg.CollectionStaleTime,
		Organization: cfg.OrganizationStaleTime,
		Proposal:     cfg.ProposalStaleTime,
	}
}

// Queries serves reconciliation queries through a QueryCache
type Queries struct {
	reconciler Reconciler
	cache      *QueryCache
	stale      StaleTimes
}

// NewQueries creates a cached query front
func NewQueries(reconciler Reconciler, cache *QueryCache, stale StaleTimes) *Queries {
	return &Queries{reconciler: reconciler, cache: cache, stale: stale}
}

// Cache returns the underlying cache
func (q *Queries) Cache() *QueryCache {
	return q.cache
}

// Organizations returns the organization collection
func (q *Queries) Organizations(ctx context.Context) ([]*models.Organization, error) {
	return q.organizations(ctx, q.stale.Collection)
}

func (q *Queries) organizations(ctx context.Context, staleTime time.Duration) ([]*models.Organization, error) {
	value, err := q.cache.Fetch(ctx, "organizations", staleTime, func(ctx context.Context) (interface{}, error) {
		return q.reconciler.Organizations(ctx)
	})
	if err != nil {
		return nil, err
	}
	return value.([]*models.Organization), nil
}

// Organization returns one organization. Ledger-only queries bypass the cache.
func (q *Queries) Organization(ctx context.Context, address string, opts reconcile.Options) (*models.Organization, error) {
	if opts.LedgerOnly {
		return q.reconciler.Organization(ctx, address, opts)
	}
	return q.organization(ctx, address, opts, q.stale.Organization)
}

func (q *Queries) organization(ctx context.Context, address string, opts reconcile.Options, staleTime time.Duration) (*models.Organization, error) {
	addr := utils.NormalizeAddress(address)
	value, err := q.cache.Fetch(ctx, queryKey("organization", addr, opts), staleTime, func(ctx context.Context) (interface{}, error) {
		return q.reconciler.Organization(ctx, addr, opts)
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Organization).Clone(), nil
}

// Proposal returns one proposal. Ledger-only queries bypass the cache.
func (q *Queries) Proposal(ctx context.Context, address string, opts reconcile.Options) (*models.Proposal, error) {
	if opts.LedgerOnly {
		return q.reconciler.Proposal(ctx, address, opts)
	}
	return q.proposal(ctx, address, opts, q.stale.Proposal)
}

func (q *Queries) proposal(ctx context.Context, address string, opts reconcile.Options, staleTime time.Duration) (*models.Proposal, error) {
	addr := utils.NormalizeAddress(address)
	value, err := q.cache.Fetch(ctx, queryKey("proposal", addr, opts), staleTime, func(ctx context.Context) (interface{}, error) {
		return q.reconciler.Proposal(ctx, addr, opts)
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Proposal).Clone(), nil
}

// Registry returns the organization registry, trusted as long as the collection
func (q *Queries) Registry(ctx context.Context) (*models.Registry, error) {
	value, err := q.cache.Fetch(ctx, "registry", q.stale.Collection, func(ctx context.Context) (interface{}, error) {
		return q.reconciler.Registry(ctx)
	})
	if err != nil {
		return nil, err
	}
	registry := *value.(*models.Registry)
	return &registry, nil
}

func queryKey(kind, address string, opts reconcile.Options) string {
	return fmt.Sprintf("%s:%s:lt=%t:res=%t", kind, address, opts.ValidateLogicalTime, opts.ValidateResults)
}
