package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/reconcile"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Job is a query refreshed on its own interval
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// JobStats provides per-job refresh statistics
type JobStats struct {
	Runs        uint64     `json:"runs"`
	Failures    uint64     `json:"failures"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// Scheduler runs registered jobs in the background
type Scheduler struct {
	logger  *logrus.Entry
	metrics *metrics.Manager

	mu       sync.RWMutex
	running  bool
	jobs     []Job
	stats    map[string]*JobStats
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler with no jobs
func NewScheduler(metricsManager *metrics.Manager) *Scheduler {
	return &Scheduler{
		logger:   utils.ComponentLogger("scheduler"),
		metrics:  metricsManager,
		stats:    make(map[string]*JobStats),
		stopChan: make(chan struct{}),
	}
}

// Register adds a job. Jobs cannot be added while running.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Scheduler already running", job.Name)
	}
	if job.Name == "" || job.Run == nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Job interval must be positive", job.Name)
	}
	if _, exists := s.stats[job.Name]; exists {
		return utils.NewAppError(utils.ErrCodeValidation, "Duplicate job", job.Name)
	}

	s.jobs = append(s.jobs, job)
	s.stats[job.Name] = &JobStats{}
	return nil
}

// Start launches one loop per job. Each job runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Scheduler already running")
	}
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}

	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
	return nil
}

// Stop signals every loop and waits for them to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()

	s.logger.Info("Scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStats returns a copy of every job's statistics
func (s *Scheduler) GetStats() map[string]JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]JobStats, len(s.stats))
	for name, stats := range s.stats {
		out[name] = *stats
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	err := job.Run(runCtx)
	now := time.Now()

	s.mu.Lock()
	stats := s.stats[job.Name]
	stats.Runs++
	stats.LastRun = &now
	if err != nil {
		stats.Failures++
		msg := err.Error()
		stats.LastError = &msg
	} else {
		stats.LastSuccess = &now
		stats.LastError = nil
	}
	s.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		s.logger.WithError(err).WithField("job", job.Name).Warn("Scheduled refresh failed")
	}
	if s.metrics != nil {
		s.metrics.GetPrometheusMetrics().RecordScheduledRefresh(job.Name, status)
	}
}

// RefreshJobs builds the refresh jobs for the collection and the watched
// organizations and proposals. Watched proposals are refreshed with logical
// time and results validation.
func RefreshJobs(cfg config.SchedulerConfig, q *Queries) []Job {
	jobs := []Job{{
		Name:     "organizations",
		Interval: cfg.CollectionInterval,
		Timeout:  cfg.QueryTimeout,
		Run: func(ctx context.Context) error {
			_, err := q.organizations(ctx, 0)
			return err
		},
	}}

	for _, address := range utils.NormalizeAddresses(cfg.WatchOrganizations) {
		addr := address
		jobs = append(jobs, Job{
			Name:     "organization:" + addr,
			Interval: cfg.OrganizationInterval,
			Timeout:  cfg.QueryTimeout,
			Run: func(ctx context.Context) error {
				_, err := q.organization(ctx, addr, reconcile.Options{}, 0)
				return err
			},
		})
	}

	watched := reconcile.Options{ValidateLogicalTime: true, ValidateResults: true}
	for _, address := range utils.NormalizeAddresses(cfg.WatchProposals) {
		addr := address
		jobs = append(jobs, Job{
			Name:     "proposal:" + addr,
			Interval: cfg.ProposalInterval,
			Timeout:  cfg.QueryTimeout,
			Run: func(ctx context.Context) error {
				_, err := q.proposal(ctx, addr, watched, 0)
				return err
			},
		})
	}
	return jobs
}
