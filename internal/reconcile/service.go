package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/pending"
	"github.com/smartdevs17/dao-reconciler/internal/staleness"
	"github.com/smartdevs17/dao-reconciler/internal/storage"
	"github.com/smartdevs17/dao-reconciler/internal/whitelist"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Indexer is the eventually consistent read model
type Indexer interface {
	GetUpdateTime(ctx context.Context) (int64, error)
	GetOrganizations(ctx context.Context) ([]*models.Organization, error)
	GetOrganization(ctx context.Context, address string) (*models.Organization, error)
	GetProposal(ctx context.Context, address string) (*models.Proposal, error)
	GetLogicalTimeWatermark(ctx context.Context, address string) (models.LogicalTime, error)
}

// Ledger rebuilds authoritative state from contracts
type Ledger interface {
	ResolveOrganization(ctx context.Context, address string) (*models.Organization, error)
	ResolveOrganizationMetadata(ctx context.Context, address string) (*models.OrganizationMetadata, error)
	ResolveProposal(ctx context.Context, address string, checkpoint *models.LogicalTime, base *models.Proposal) (*models.Proposal, error)
	ResolveRegistry(ctx context.Context) (*models.Registry, error)
}

// Options are per-query switches
type Options struct {
	// LedgerOnly bypasses the indexer entirely.
	LedgerOnly bool
	// ValidateLogicalTime compares the indexer's watermark with the local
	// checkpoint before trusting its proposal copy.
	ValidateLogicalTime bool
	// ValidateResults treats a proposal without results as incomplete.
	ValidateResults bool
}

// Config tunes the service
type Config struct {
	FreshnessTolerance time.Duration
	QueryRetryAttempts int
	RetryDelay         time.Duration
	PendingConcurrency int
}

// Dependencies are the collaborators of the service
type Dependencies struct {
	Indexer       Indexer
	Ledger        Ledger
	Store         storage.Storage
	Organizations whitelist.Policy
	Proposals     whitelist.Policy
	Overrides     *Overrides
	Metrics       *metrics.Manager
}

// Service answers organization and proposal queries by reconciling the
// indexer, the ledger and locally pending entries.
type Service struct {
	indexer       Indexer
	ledger        Ledger
	store         storage.Storage
	tracker       *pending.Tracker
	organizations whitelist.Policy
	proposals     whitelist.Policy
	overrides     *Overrides
	validator     staleness.Validator
	snapshots     *snapshotCache
	config        Config
	metrics       *metrics.Manager
	logger        *logrus.Entry
	now           func() time.Time
}

// NewService creates a reconciliation service
func NewService(deps Dependencies, cfg Config) *Service {
	if deps.Organizations == nil {
		deps.Organizations = whitelist.AllowAll{}
	}
	if deps.Proposals == nil {
		deps.Proposals = whitelist.AllowAll{}
	}
	if deps.Overrides == nil {
		deps.Overrides = NewOverrides()
	}
	if cfg.PendingConcurrency <= 0 {
		cfg.PendingConcurrency = 4
	}

	return &Service{
		indexer:       deps.Indexer,
		ledger:        deps.Ledger,
		store:         deps.Store,
		tracker:       pending.NewTracker(deps.Store, deps.Metrics),
		organizations: deps.Organizations,
		proposals:     deps.Proposals,
		overrides:     deps.Overrides,
		validator:     staleness.NewValidator(cfg.FreshnessTolerance),
		snapshots:     newSnapshotCache(),
		config:        cfg,
		metrics:       deps.Metrics,
		logger:        utils.ComponentLogger("reconcile"),
		now:           time.Now,
	}
}

// Tracker exposes the pending-entry tracker
func (s *Service) Tracker() *pending.Tracker {
	return s.tracker
}

// Organizations returns every organization: the legacy entry, the indexer's
// list with stale metadata corrected, and pending organizations the indexer
// has not reported yet.
func (s *Service) Organizations(ctx context.Context) ([]*models.Organization, error) {
	start := time.Now()
	orgs, err := retryQuery(ctx, s, "organizations", func() ([]*models.Organization, error) {
		return s.collectOrganizations(ctx)
	})
	s.recordQuery("organizations", models.SourceIndexer, start, err)
	return orgs, err
}

func (s *Service) collectOrganizations(ctx context.Context) ([]*models.Organization, error) {
	serverUpdate, updateErr := s.indexer.GetUpdateTime(ctx)
	if updateErr != nil {
		s.logger.WithError(updateErr).Warn("Indexer update time unavailable")
	}

	indexed, err := s.indexer.GetOrganizations(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.WithError(err).Warn("Indexer organization list unavailable")
		indexed = nil
	}

	// Targeted metadata correction for organizations written locally after
	// the indexer's last update.
	var stale []string
	for _, org := range indexed {
		if s.isOrganizationStale(ctx, org.Address, serverUpdate, updateErr) {
			stale = append(stale, org.Address)
		}
	}
	if len(stale) > 0 {
		corrections := pending.ResolveAndAdmit(ctx, stale, s.config.PendingConcurrency, s.ledger.ResolveOrganizationMetadata)
		for _, org := range indexed {
			outcome, ok := corrections[org.Address]
			if !ok {
				continue
			}
			if outcome.Err != nil {
				s.logger.WithError(outcome.Err).WithField("address", org.Address).Warn("Metadata correction failed, keeping indexer copy")
				continue
			}
			if outcome.Value != nil {
				org.Metadata = outcome.Value
			}
			s.recordFallback("organizations", "stale")
		}
	}

	result := make([]*models.Organization, 0, len(indexed)+1)
	legacy := s.overrides.Legacy()
	if legacy != nil {
		result = append(result, legacy)
	}
	result = append(result, indexed...)

	result = s.admitPendingOrganizations(ctx, result, legacy != nil)

	out := make([]*models.Organization, 0, len(result))
	seen := make(map[string]struct{}, len(result))
	for _, org := range result {
		if _, dup := seen[org.Address]; dup {
			continue
		}
		seen[org.Address] = struct{}{}
		if s.organizations.IsWhitelisted(org.Address) {
			out = append(out, org)
		}
	}
	return out, nil
}

// admitPendingOrganizations prunes confirmed pending organizations and
// resolves the rest from the ledger. Resolved ones are placed right after
// the legacy entry; failed ones stop being tracked.
func (s *Service) admitPendingOrganizations(ctx context.Context, result []*models.Organization, hasLegacy bool) []*models.Organization {
	observed := make([]string, 0, len(result))
	for _, org := range result {
		observed = append(observed, org.Address)
	}

	r, err := s.tracker.Reconcile(ctx, models.KindOrganization, "", observed)
	if err != nil {
		s.logger.WithError(err).Warn("Pending organizations unavailable")
		return result
	}
	if len(r.ToInclude) == 0 {
		return result
	}

	outcomes := pending.ResolveAndAdmit(ctx, r.ToInclude, s.config.PendingConcurrency, s.ledger.ResolveOrganization)

	admitted := make([]*models.Organization, 0, len(r.ToInclude))
	for _, addr := range r.ToInclude {
		outcome := outcomes[addr]
		if outcome.Err != nil {
			s.recordPending(models.KindOrganization, "failed")
			if isCancellation(outcome.Err) {
				continue
			}
			s.logger.WithError(outcome.Err).WithField("address", addr).Warn("Pending organization could not be resolved, dropping it")
			s.tracker.Drop(ctx, models.KindOrganization, addr)
			continue
		}
		org := outcome.Value
		org.Source = models.SourcePending
		admitted = append(admitted, org)
		s.recordPending(models.KindOrganization, "admitted")
	}

	at := 0
	if hasLegacy {
		at = 1
	}
	if at > len(result) {
		at = len(result)
	}
	spliced := make([]*models.Organization, 0, len(result)+len(admitted))
	spliced = append(spliced, result[:at]...)
	spliced = append(spliced, admitted...)
	spliced = append(spliced, result[at:]...)
	return spliced
}

// Organization returns one organization, falling back to the ledger when
// the indexer copy is stale, missing or has no metadata.
func (s *Service) Organization(ctx context.Context, address string, opts Options) (*models.Organization, error) {
	addr := utils.NormalizeAddress(address)

	if org, ok := s.overrides.Organization(addr); ok {
		s.recordQuery("organization", models.SourceOverride, time.Now(), nil)
		return org, nil
	}
	if !s.organizations.IsWhitelisted(addr) {
		err := utils.NewAppError(utils.ErrCodeNotWhitelisted, "Organization is not whitelisted", addr)
		s.recordQuery("organization", "", time.Now(), err)
		return nil, err
	}

	start := time.Now()
	org, err := retryQuery(ctx, s, "organization", func() (*models.Organization, error) {
		return s.fetchOrganization(ctx, addr, opts)
	})
	var source models.Source
	if org != nil {
		source = org.Source
	}
	s.recordQuery("organization", source, start, err)
	return org, err
}

func (s *Service) fetchOrganization(ctx context.Context, addr string, opts Options) (*models.Organization, error) {
	reason := ""
	if opts.LedgerOnly {
		reason = "ledger_only"
	} else if cp := s.organizationCheckpoint(ctx, addr); cp != nil {
		serverUpdate, err := s.indexer.GetUpdateTime(ctx)
		var stale bool
		if err != nil {
			s.logger.WithError(err).Warn("Indexer update time unavailable")
			stale = s.validator.IsStaleUnknown(cp)
		} else {
			stale = s.validator.IsStale(serverUpdate, cp)
		}
		s.recordStaleness(stale)

		if stale {
			reason = "stale"
		} else {
			s.clearCheckpoint(ctx, models.CheckpointUpdateMillis, addr)
		}
	}

	var org *models.Organization
	if reason == "" {
		indexed, err := s.indexer.GetOrganization(ctx, addr)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.WithError(err).WithField("address", addr).Warn("Indexer organization unavailable")
			reason = "indexer_unavailable"
		case indexed.Metadata.IsEmpty():
			reason = "empty_metadata"
		default:
			org = indexed
		}
	}

	if reason != "" {
		s.recordFallback("organization", reason)
		resolved, err := s.ledger.ResolveOrganization(ctx, addr)
		if err != nil {
			return nil, err
		}
		org = resolved
	}

	r, err := s.tracker.Reconcile(ctx, models.KindProposal, addr, org.Proposals)
	if err != nil {
		s.logger.WithError(err).WithField("address", addr).Warn("Pending proposals unavailable")
		return org, nil
	}
	org.Proposals = pending.Merge(org.Proposals, r.ToInclude)
	return org, nil
}

// Proposal returns one proposal. A local logical-time checkpoint ahead of
// the indexer's watermark, a missing indexer copy, or incomplete metadata or
// results make the ledger the source.
func (s *Service) Proposal(ctx context.Context, address string, opts Options) (*models.Proposal, error) {
	addr := utils.NormalizeAddress(address)

	if proposal, ok := s.overrides.Proposal(addr); ok {
		s.recordQuery("proposal", models.SourceOverride, time.Now(), nil)
		return proposal, nil
	}
	if !s.proposals.IsWhitelisted(addr) {
		err := utils.NewAppError(utils.ErrCodeNotWhitelisted, "Proposal is not whitelisted", addr)
		s.recordQuery("proposal", "", time.Now(), err)
		return nil, err
	}

	start := time.Now()
	proposal, err := retryQuery(ctx, s, "proposal", func() (*models.Proposal, error) {
		return s.fetchProposal(ctx, addr, opts)
	})
	var source models.Source
	if proposal != nil {
		source = proposal.Source
		s.snapshots.put(proposal)
	}
	s.recordQuery("proposal", source, start, err)
	return proposal, err
}

func (s *Service) fetchProposal(ctx context.Context, addr string, opts Options) (*models.Proposal, error) {
	cp := s.proposalCheckpoint(ctx, addr)

	if opts.LedgerOnly {
		return s.proposalFromLedger(ctx, addr, cp, "ledger_only")
	}

	if cp != nil && opts.ValidateLogicalTime {
		watermark, err := s.indexer.GetLogicalTimeWatermark(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.WithError(err).WithField("address", addr).Warn("Indexer watermark unavailable")
			return s.proposalFromLedger(ctx, addr, cp, "watermark_unavailable")
		}
		if watermark < *cp {
			s.logger.WithFields(logrus.Fields{
				"address":    addr,
				"checkpoint": *cp,
				"watermark":  watermark,
			}).Info("Indexer behind local checkpoint, replaying from ledger")
			return s.proposalFromLedger(ctx, addr, cp, "watermark_behind")
		}
	}

	if cp != nil {
		s.clearCheckpoint(ctx, models.CheckpointLogicalTime, addr)
	}

	indexed, err := s.indexer.GetProposal(ctx, addr)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.WithError(err).WithField("address", addr).Warn("Indexer proposal unavailable")
		return s.proposalFromLedger(ctx, addr, nil, "indexer_unavailable")
	case indexed == nil || indexed.Metadata.IsEmpty():
		return s.proposalFromLedger(ctx, addr, nil, "empty_metadata")
	case opts.ValidateResults && indexed.Results.IsEmpty():
		return s.proposalFromLedger(ctx, addr, nil, "empty_results")
	}

	indexed.Status = indexed.Metadata.StatusAt(s.now())
	return indexed, nil
}

// proposalFromLedger resolves a proposal on the ledger. With a checkpoint the
// cached snapshot is the replay base, and the checkpoint is advanced to the
// result's logical time.
func (s *Service) proposalFromLedger(ctx context.Context, addr string, cp *models.LogicalTime, reason string) (*models.Proposal, error) {
	s.recordFallback("proposal", reason)

	var base *models.Proposal
	if cp != nil {
		base = s.snapshots.get(addr)
	}

	proposal, err := s.ledger.ResolveProposal(ctx, addr, cp, base)
	if err != nil {
		return nil, err
	}

	if cp != nil && proposal.LogicalTime > *cp {
		_, err := s.store.SetCheckpoint(ctx, &models.Checkpoint{
			Kind:      models.CheckpointLogicalTime,
			Address:   addr,
			Value:     uint64(proposal.LogicalTime),
			UpdatedAt: s.now(),
		})
		if err != nil {
			s.logger.WithError(err).WithField("address", addr).Warn("Failed to advance proposal checkpoint")
		}
	}
	return proposal, nil
}

// Registry reads the organization registry. The indexer does not serve it,
// so the ledger is always the source.
func (s *Service) Registry(ctx context.Context) (*models.Registry, error) {
	start := time.Now()
	registry, err := retryQuery(ctx, s, "registry", func() (*models.Registry, error) {
		return s.ledger.ResolveRegistry(ctx)
	})
	s.recordQuery("registry", models.SourceLedger, start, err)
	return registry, err
}

// MarkOrganizationUpdated records a local write to an organization at the
// given wall-clock time. A zero time means now.
func (s *Service) MarkOrganizationUpdated(ctx context.Context, address string, at time.Time) (*models.Checkpoint, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.store.SetCheckpoint(ctx, &models.Checkpoint{
		Kind:      models.CheckpointUpdateMillis,
		Address:   utils.NormalizeAddress(address),
		Value:     uint64(at.UnixMilli()),
		UpdatedAt: s.now(),
	})
}

// MarkProposalLogicalTime records the ledger logical time observed after a
// local transaction on a proposal.
func (s *Service) MarkProposalLogicalTime(ctx context.Context, address string, lt models.LogicalTime) (*models.Checkpoint, error) {
	return s.store.SetCheckpoint(ctx, &models.Checkpoint{
		Kind:      models.CheckpointLogicalTime,
		Address:   utils.NormalizeAddress(address),
		Value:     uint64(lt),
		UpdatedAt: s.now(),
	})
}

// ClearCheckpoint removes a checkpoint. It reports whether one existed.
func (s *Service) ClearCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (bool, error) {
	return s.store.ClearCheckpoint(ctx, kind, utils.NormalizeAddress(address))
}

// AddPendingOrganization tracks an organization created by this client.
func (s *Service) AddPendingOrganization(ctx context.Context, address string) error {
	return s.tracker.Add(ctx, models.KindOrganization, "", address)
}

// AddPendingProposal tracks a proposal created by this client under its
// organization.
func (s *Service) AddPendingProposal(ctx context.Context, organization, address string) error {
	return s.tracker.Add(ctx, models.KindProposal, organization, address)
}

// RemovePending stops tracking a pending entry. It reports whether the entry
// was tracked.
func (s *Service) RemovePending(ctx context.Context, kind models.EntityKind, address string) (bool, error) {
	if !kind.Valid() {
		return false, utils.NewAppError(utils.ErrCodeValidation, "Invalid pending kind", string(kind))
	}
	return s.tracker.Remove(ctx, kind, address)
}

func (s *Service) isOrganizationStale(ctx context.Context, addr string, serverUpdate int64, updateErr error) bool {
	cp := s.organizationCheckpoint(ctx, addr)
	if cp == nil {
		return false
	}
	var stale bool
	if updateErr != nil {
		stale = s.validator.IsStaleUnknown(cp)
	} else {
		stale = s.validator.IsStale(serverUpdate, cp)
	}
	s.recordStaleness(stale)
	return stale
}

func (s *Service) organizationCheckpoint(ctx context.Context, addr string) *int64 {
	cp, err := s.store.GetCheckpoint(ctx, models.CheckpointUpdateMillis, addr)
	if err != nil {
		s.logger.WithError(err).WithField("address", addr).Warn("Failed to read organization checkpoint")
		return nil
	}
	if cp == nil {
		return nil
	}
	value := int64(cp.Value)
	return &value
}

func (s *Service) proposalCheckpoint(ctx context.Context, addr string) *models.LogicalTime {
	cp, err := s.store.GetCheckpoint(ctx, models.CheckpointLogicalTime, addr)
	if err != nil {
		s.logger.WithError(err).WithField("address", addr).Warn("Failed to read proposal checkpoint")
		return nil
	}
	if cp == nil {
		return nil
	}
	value := models.LogicalTime(cp.Value)
	return &value
}

func (s *Service) clearCheckpoint(ctx context.Context, kind models.CheckpointKind, addr string) {
	if _, err := s.store.ClearCheckpoint(ctx, kind, addr); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"kind":    kind,
			"address": addr,
		}).Warn("Failed to clear checkpoint")
	}
}

func (s *Service) recordQuery(query string, source models.Source, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = utils.ErrorCode(err)
		if status == "" {
			status = "error"
		}
	}
	s.metrics.GetPrometheusMetrics().RecordQuery(query, string(source), status, time.Since(start))
}

func (s *Service) recordFallback(query, reason string) {
	s.logger.WithFields(logrus.Fields{"query": query, "reason": reason}).Debug("Falling back to ledger")
	if s.metrics != nil {
		s.metrics.GetPrometheusMetrics().RecordLedgerFallback(query, reason)
	}
}

func (s *Service) recordStaleness(stale bool) {
	if s.metrics != nil {
		s.metrics.GetPrometheusMetrics().RecordStalenessDecision(stale)
	}
}

func (s *Service) recordPending(kind models.EntityKind, outcome string) {
	if s.metrics != nil {
		s.metrics.GetPrometheusMetrics().RecordPendingResolution(string(kind), outcome)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
