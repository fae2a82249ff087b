package pending

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/storage"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Reconciliation splits the pending set of one scope against what the
// indexer reported.
type Reconciliation struct {
	// ToInclude are pending addresses the indexer has not reported yet.
	ToInclude []string
	// ToRemove are pending addresses the indexer now reports.
	ToRemove []string
}

// Partition compares pending addresses with the observed indexer addresses
func Partition(pending []string, observed []string) Reconciliation {
	seen := make(map[string]struct{}, len(observed))
	for _, addr := range observed {
		seen[utils.NormalizeAddress(addr)] = struct{}{}
	}

	var r Reconciliation
	handled := make(map[string]struct{}, len(pending))
	for _, addr := range pending {
		addr = utils.NormalizeAddress(addr)
		if _, dup := handled[addr]; dup {
			continue
		}
		handled[addr] = struct{}{}

		if _, ok := seen[addr]; ok {
			r.ToRemove = append(r.ToRemove, addr)
		} else {
			r.ToInclude = append(r.ToInclude, addr)
		}
	}
	return r
}

// Merge appends include to observed, keeping observed order and dropping
// any address already present.
func Merge(observed, include []string) []string {
	out := make([]string, 0, len(observed)+len(include))
	seen := make(map[string]struct{}, len(observed)+len(include))
	for _, list := range [][]string{observed, include} {
		for _, addr := range list {
			key := utils.NormalizeAddress(addr)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Tracker keeps the locally created entities that the indexer has not
// reported yet.
type Tracker struct {
	store   storage.Storage
	metrics *metrics.Manager
	logger  *logrus.Entry
}

// NewTracker creates a tracker backed by store
func NewTracker(store storage.Storage, metricsManager *metrics.Manager) *Tracker {
	return &Tracker{
		store:   store,
		metrics: metricsManager,
		logger:  utils.ComponentLogger("pending"),
	}
}

// Add starts tracking a locally created entity
func (t *Tracker) Add(ctx context.Context, kind models.EntityKind, parent, address string) error {
	return t.store.AddPending(ctx, &models.PendingEntry{
		Kind:      kind,
		Parent:    parent,
		Address:   address,
		CreatedAt: time.Now().UTC(),
	})
}

// List returns the pending addresses of one scope
func (t *Tracker) List(ctx context.Context, kind models.EntityKind, scope string) ([]string, error) {
	entries, err := t.store.ListPending(ctx, kind, scope)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(entries))
	for _, entry := range entries {
		addrs = append(addrs, entry.Address)
	}
	return addrs, nil
}

// Reconcile partitions the scope's pending entries against observed and
// stops tracking the ones the indexer now reports.
func (t *Tracker) Reconcile(ctx context.Context, kind models.EntityKind, scope string, observed []string) (Reconciliation, error) {
	pending, err := t.List(ctx, kind, scope)
	if err != nil {
		return Reconciliation{}, err
	}

	r := Partition(pending, observed)
	for _, addr := range r.ToRemove {
		removed, err := t.store.RemovePending(ctx, kind, addr)
		if err != nil {
			t.logger.WithError(err).WithField("address", addr).Warn("Failed to prune confirmed pending entry")
			continue
		}
		if removed {
			t.recordPruned(kind, "confirmed")
			t.logger.WithFields(logrus.Fields{
				"kind":    kind,
				"address": addr,
			}).Debug("Pending entry confirmed by indexer")
		}
	}
	return r, nil
}

// Drop stops tracking an entry whose resolution failed. Failures are logged.
func (t *Tracker) Drop(ctx context.Context, kind models.EntityKind, address string) {
	removed, err := t.store.RemovePending(ctx, kind, address)
	if err != nil {
		t.logger.WithError(err).WithField("address", address).Warn("Failed to drop pending entry")
		return
	}
	if removed {
		t.recordPruned(kind, "failed")
	}
}

// Remove stops tracking an entry and reports whether it was tracked
func (t *Tracker) Remove(ctx context.Context, kind models.EntityKind, address string) (bool, error) {
	removed, err := t.store.RemovePending(ctx, kind, address)
	if err == nil && removed {
		t.recordPruned(kind, "manual")
	}
	return removed, err
}

func (t *Tracker) recordPruned(kind models.EntityKind, reason string) {
	if t.metrics != nil {
		t.metrics.GetPrometheusMetrics().RecordPendingPruned(string(kind), reason)
	}
}

// Outcome is the result of resolving one pending address
type Outcome[T any] struct {
	Value T
	Err   error
}

// ResolveAndAdmit resolves every address concurrently, at most concurrency
// at a time, and reports each outcome individually. It never fails as a
// whole; a cancelled context shows up as the outcome of the addresses that
// had not finished.
func ResolveAndAdmit[T any](ctx context.Context, addresses []string, concurrency int, fn func(ctx context.Context, address string) (T, error)) map[string]Outcome[T] {
	outcomes := make(map[string]Outcome[T], len(addresses))
	var mu sync.Mutex

	g := new(errgroup.Group)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, addr := range addresses {
		addr := addr
		g.Go(func() error {
			var (
				value T
				err   = ctx.Err()
			)
			if err == nil {
				value, err = fn(ctx, addr)
			}
			mu.Lock()
			outcomes[addr] = Outcome[T]{Value: value, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
