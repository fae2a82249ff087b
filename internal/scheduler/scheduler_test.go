package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/reconcile"
)

const (
	orgA  = "0x00000000000000000000000000000000000000a1"
	propA = "0x00000000000000000000000000000000000000b1"
)

type countingReconciler struct {
	mu        sync.Mutex
	calls     map[string]int
	proposals []reconcile.Options
}

func newCountingReconciler() *countingReconciler {
	return &countingReconciler{calls: make(map[string]int)}
}

func (r *countingReconciler) count(name string) {
	r.mu.Lock()
	r.calls[name]++
	r.mu.Unlock()
}

func (r *countingReconciler) Calls(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *countingReconciler) Organizations(ctx context.Context) ([]*models.Organization, error) {
	r.count("organizations")
	return []*models.Organization{{Address: orgA}}, nil
}

func (r *countingReconciler) Organization(ctx context.Context, address string, opts reconcile.Options) (*models.Organization, error) {
	r.count("organization")
	return &models.Organization{Address: address, Metadata: &models.OrganizationMetadata{Name: "dao"}}, nil
}

func (r *countingReconciler) Proposal(ctx context.Context, address string, opts reconcile.Options) (*models.Proposal, error) {
	r.count("proposal")
	r.mu.Lock()
	r.proposals = append(r.proposals, opts)
	r.mu.Unlock()
	return &models.Proposal{Address: address}, nil
}

func (r *countingReconciler) Registry(ctx context.Context) (*models.Registry, error) {
	r.count("registry")
	return &models.Registry{Address: "0xc1", ID: 1}, nil
}

func TestQueryCacheServesFreshValues(t *testing.T) {
	cache := NewQueryCache(metrics.NewManager())
	clock := time.Unix(1000, 0)
	cache.now = func() time.Time { return clock }

	calls := 0
	fetch := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}
	ctx := context.Background()

	v, err := cache.Fetch(ctx, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = cache.Fetch(ctx, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock = clock.Add(time.Minute)
	v, err = cache.Fetch(ctx, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = cache.Fetch(ctx, "k", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 3, v, "zero stale time always fetches")
}

func TestQueryCacheDoesNotCacheErrors(t *testing.T) {
	cache := NewQueryCache(nil)
	boom := errors.New("boom")

	_, err := cache.Fetch(context.Background(), "k", time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, cache.Len())
}

func TestQueryCacheSharesConcurrentFetches(t *testing.T) {
	cache := NewQueryCache(nil)
	release := make(chan struct{})
	var calls int32

	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.Fetch(context.Background(), "k", time.Minute, fetch)
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "value", r)
	}
}

func TestQueryCacheWaiterHonoursContext(t *testing.T) {
	cache := NewQueryCache(nil)
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cache.Fetch(ctx, "k", time.Minute, func(context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueryCacheCancelledCallerDoesNotFailOthers(t *testing.T) {
	cache := NewQueryCache(nil)
	release := make(chan struct{})
	var calls int32

	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
			return "value", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(first, "k", time.Minute, fetch)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)

	type result struct {
		value interface{}
		err   error
	}
	second := make(chan result, 1)
	go func() {
		v, err := cache.Fetch(context.Background(), "k", time.Minute, fetch)
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "value", res.value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, cache.Len())
}

func TestQueryCacheFetchTimeoutBoundsSharedCall(t *testing.T) {
	cache := NewQueryCache(nil)
	cache.SetFetchTimeout(20 * time.Millisecond)

	_, err := cache.Fetch(context.Background(), "k", time.Minute, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, cache.Len())
}

func TestQueryCacheInvalidate(t *testing.T) {
	cache := NewQueryCache(nil)
	fetch := func(ctx context.Context) (interface{}, error) { return 1, nil }

	_, err := cache.Fetch(context.Background(), "a", time.Minute, fetch)
	require.NoError(t, err)
	_, err = cache.Fetch(context.Background(), "b", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	cache.Invalidate("a")
	assert.Equal(t, 1, cache.Len())
	cache.Purge()
	assert.Zero(t, cache.Len())
}

func TestQueriesCacheByOptions(t *testing.T) {
	r := newCountingReconciler()
	q := NewQueries(r, NewQueryCache(nil), StaleTimes{Collection: time.Minute, Organization: time.Minute, Proposal: time.Minute})
	ctx := context.Background()

	_, err := q.Proposal(ctx, propA, reconcile.Options{})
	require.NoError(t, err)
	_, err = q.Proposal(ctx, propA, reconcile.Options{})
	require.NoError(t, err)
	_, err = q.Proposal(ctx, propA, reconcile.Options{ValidateResults: true})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Calls("proposal"))

	_, err = q.Proposal(ctx, propA, reconcile.Options{LedgerOnly: true})
	require.NoError(t, err)
	_, err = q.Proposal(ctx, propA, reconcile.Options{LedgerOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 4, r.Calls("proposal"), "ledger-only queries bypass the cache")

	org, err := q.Organization(ctx, "0x00000000000000000000000000000000000000A1", reconcile.Options{})
	require.NoError(t, err)
	org.Metadata.Name = "mutated"
	again, err := q.Organization(ctx, orgA, reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, "dao", again.Metadata.Name)
	assert.Equal(t, 1, r.Calls("organization"))

	registry, err := q.Registry(ctx)
	require.NoError(t, err)
	registry.Admin = "mutated"
	registry, err = q.Registry(ctx)
	require.NoError(t, err)
	assert.Empty(t, registry.Admin)
	assert.Equal(t, 1, r.Calls("registry"))
}

func TestSchedulerRegisterValidation(t *testing.T) {
	s := NewScheduler(nil)
	run := func(context.Context) error { return nil }

	assert.Error(t, s.Register(Job{Name: "", Interval: time.Second, Run: run}))
	assert.Error(t, s.Register(Job{Name: "a", Interval: 0, Run: run}))
	require.NoError(t, s.Register(Job{Name: "a", Interval: time.Second, Run: run}))
	assert.Error(t, s.Register(Job{Name: "a", Interval: time.Second, Run: run}))
}

func TestSchedulerRunsJobsUntilStopped(t *testing.T) {
	s := NewScheduler(metrics.NewManager())
	var ok, failing int32

	require.NoError(t, s.Register(Job{
		Name:     "ok",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt32(&ok, 1)
			return nil
		},
	}))
	require.NoError(t, s.Register(Job{
		Name:     "failing",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt32(&failing, 1)
			return errors.New("indexer down")
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ok) >= 3 && atomic.LoadInt32(&failing) >= 3
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())

	stats := s.GetStats()
	assert.GreaterOrEqual(t, stats["ok"].Runs, uint64(3))
	assert.Zero(t, stats["ok"].Failures)
	assert.NotNil(t, stats["ok"].LastSuccess)
	assert.Equal(t, stats["failing"].Runs, stats["failing"].Failures)
	require.NotNil(t, stats["failing"].LastError)
	assert.Equal(t, "indexer down", *stats["failing"].LastError)

	after := atomic.LoadInt32(&ok)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&ok))
}

func TestRefreshJobsWarmTheCache(t *testing.T) {
	r := newCountingReconciler()
	q := NewQueries(r, NewQueryCache(nil), StaleTimes{Collection: time.Minute, Organization: time.Minute, Proposal: time.Minute})

	jobs := RefreshJobs(config.SchedulerConfig{
		CollectionInterval:   time.Minute,
		OrganizationInterval: time.Minute,
		ProposalInterval:     time.Minute,
		WatchOrganizations:   []string{orgA},
		WatchProposals:       []string{propA},
	}, q)
	require.Len(t, jobs, 3)

	ctx := context.Background()
	for _, job := range jobs {
		require.NoError(t, job.Run(ctx))
		require.NoError(t, job.Run(ctx))
	}
	assert.Equal(t, 2, r.Calls("organizations"), "refresh ignores the trust window")
	assert.Equal(t, 2, r.Calls("organization"))
	assert.Equal(t, 2, r.Calls("proposal"))
	for _, opts := range r.proposals {
		assert.True(t, opts.ValidateLogicalTime)
		assert.True(t, opts.ValidateResults)
	}

	_, err := q.Organizations(ctx)
	require.NoError(t, err)
	_, err = q.Proposal(ctx, propA, reconcile.Options{ValidateLogicalTime: true, ValidateResults: true})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Calls("organizations"), "served from the warmed cache")
	assert.Equal(t, 2, r.Calls("proposal"))
}
