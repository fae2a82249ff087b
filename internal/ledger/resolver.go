package ledger

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/whitelist"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Config tunes the resolver
type Config struct {
	// FromBlock is where full vote-history scans start.
	FromBlock uint64
	// RequestsPerSecond caps RPC calls across both clients; 0 disables pacing.
	RequestsPerSecond float64
	Burst             int
	// RegistryAddress is the organization registry contract; empty disables
	// registry reads.
	RegistryAddress string
}

// Resolver reconstructs authoritative entity state from ledger contracts
type Resolver struct {
	clients           ClientSource
	organizationsList whitelist.Policy
	proposalsList     whitelist.Policy
	limiter           *rate.Limiter
	fromBlock         uint64
	registry          string
	logger            *logrus.Entry
	now               func() time.Time
}

// NewResolver creates a ledger resolver
func NewResolver(clients ClientSource, organizations, proposals whitelist.Policy, cfg Config) *Resolver {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if organizations == nil {
		organizations = whitelist.AllowAll{}
	}
	if proposals == nil {
		proposals = whitelist.AllowAll{}
	}

	return &Resolver{
		clients:           clients,
		organizationsList: organizations,
		proposalsList:     proposals,
		limiter:           limiter,
		fromBlock:         cfg.FromBlock,
		registry:          cfg.RegistryAddress,
		logger:            utils.ComponentLogger("ledger"),
		now:               time.Now,
	}
}

// ResolveOrganization rebuilds an organization from its contract state
func (r *Resolver) ResolveOrganization(ctx context.Context, address string) (*models.Organization, error) {
	addr, contract, err := r.admit(address, r.organizationsList)
	if err != nil {
		return nil, err
	}
	backend, err := r.clients.GeneralBackend(ctx)
	if err != nil {
		return nil, err
	}

	metadata, err := r.organizationMetadata(ctx, backend, contract)
	if err != nil {
		return nil, err
	}

	proposals, err := r.call(ctx, backend, DaoABI, contract, "proposals")
	if err != nil {
		return nil, err
	}
	proposalAddrs, ok := proposals[0].([]common.Address)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unexpected proposals() output", addr)
	}

	owner, err := r.callAddress(ctx, backend, DaoABI, contract, "owner")
	if err != nil {
		return nil, err
	}
	proposalOwner, err := r.callAddress(ctx, backend, DaoABI, contract, "proposalOwner")
	if err != nil {
		return nil, err
	}

	index, err := r.call(ctx, backend, DaoABI, contract, "daoIndex")
	if err != nil {
		return nil, err
	}
	id, ok := index[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unexpected daoIndex() output", addr)
	}

	org := &models.Organization{
		Address:  addr,
		ID:       id.Uint64(),
		Metadata: metadata,
		Roles: models.OrganizationRoles{
			Owner:         owner,
			ProposalOwner: proposalOwner,
		},
		Proposals:        make([]string, 0, len(proposalAddrs)),
		LastUpdateMillis: r.now().UnixMilli(),
		Source:           models.SourceLedger,
	}
	for _, p := range proposalAddrs {
		org.Proposals = append(org.Proposals, utils.NormalizeAddress(p.Hex()))
	}

	r.logger.WithFields(logrus.Fields{
		"address":   addr,
		"proposals": len(org.Proposals),
	}).Debug("Organization resolved from ledger")
	return org, nil
}

// ResolveOrganizationMetadata re-reads only the organization metadata
func (r *Resolver) ResolveOrganizationMetadata(ctx context.Context, address string) (*models.OrganizationMetadata, error) {
	_, contract, err := r.admit(address, r.organizationsList)
	if err != nil {
		return nil, err
	}
	backend, err := r.clients.GeneralBackend(ctx)
	if err != nil {
		return nil, err
	}
	return r.organizationMetadata(ctx, backend, contract)
}

// ResolveRegistry reads the registry admin and id through the general client
func (r *Resolver) ResolveRegistry(ctx context.Context) (*models.Registry, error) {
	if r.registry == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Registry address is not configured")
	}
	addr := utils.NormalizeAddress(r.registry)
	contract, err := utils.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	backend, err := r.clients.GeneralBackend(ctx)
	if err != nil {
		return nil, err
	}

	admin, err := r.callAddress(ctx, backend, RegistryABI, contract, "admin")
	if err != nil {
		return nil, err
	}
	out, err := r.call(ctx, backend, RegistryABI, contract, "registryId")
	if err != nil {
		return nil, err
	}
	id, ok := out[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unexpected registryId() output", addr)
	}

	return &models.Registry{
		Address: addr,
		Admin:   admin,
		ID:      id.Uint64(),
		Source:  models.SourceLedger,
	}, nil
}

// ResolveProposal rebuilds a proposal snapshot. With a checkpoint and a base
// snapshot that already covers it, only transactions after the checkpoint
// are fetched and folded onto a copy of base; otherwise the whole vote
// history is replayed.
func (r *Resolver) ResolveProposal(ctx context.Context, address string, checkpoint *models.LogicalTime, base *models.Proposal) (*models.Proposal, error) {
	addr, contract, err := r.admit(address, r.proposalsList)
	if err != nil {
		return nil, err
	}

	if checkpoint == nil || !replayableBase(base, *checkpoint) {
		return r.resolveProposalFull(ctx, addr, contract)
	}
	return r.resolveProposalWindow(ctx, addr, contract, *checkpoint, base)
}

// replayableBase reports whether base can take a transaction window. Results
// are recomputed from votes, so only a ledger-built snapshot carrying its
// votes and covering the checkpoint qualifies.
func replayableBase(base *models.Proposal, checkpoint models.LogicalTime) bool {
	return base != nil &&
		base.Source == models.SourceLedger &&
		base.Votes != nil &&
		!base.Metadata.IsEmpty() &&
		base.LogicalTime >= checkpoint
}

func (r *Resolver) resolveProposalFull(ctx context.Context, addr string, contract common.Address) (*models.Proposal, error) {
	general, err := r.clients.GeneralBackend(ctx)
	if err != nil {
		return nil, err
	}

	out, err := r.call(ctx, general, ProposalABI, contract, "metadata")
	if err != nil {
		return nil, err
	}
	var metadata *models.ProposalMetadata
	if raw, _ := out[0].(string); raw != "" {
		metadata = &models.ProposalMetadata{}
		if err := json.Unmarshal([]byte(raw), metadata); err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeValidation, "Failed to decode proposal metadata", err)
		}
	}

	dao, err := r.callAddress(ctx, general, ProposalABI, contract, "dao")
	if err != nil {
		return nil, err
	}

	snapshot := &models.Proposal{
		Address:    addr,
		DaoAddress: dao,
		Metadata:   metadata,
		Votes:      make(map[string]models.Vote),
		Source:     models.SourceLedger,
	}

	// Everything at or before fromBlock-1 is outside the scan.
	var covered models.LogicalTime
	if r.fromBlock > 0 {
		covered = models.LogicalTime(r.fromBlock - 1)
	}
	if err := r.replay(ctx, contract, snapshot, covered); err != nil {
		return nil, err
	}
	snapshot.Status = metadata.StatusAt(r.now())

	r.logger.WithFields(logrus.Fields{
		"address": addr,
		"votes":   len(snapshot.Votes),
		"lt":      snapshot.LogicalTime,
	}).Debug("Proposal reconstructed from full history")
	return snapshot, nil
}

func (r *Resolver) resolveProposalWindow(ctx context.Context, addr string, contract common.Address, checkpoint models.LogicalTime, base *models.Proposal) (*models.Proposal, error) {
	snapshot := base.Clone()
	snapshot.Address = addr
	snapshot.Source = models.SourceLedger

	if err := r.replay(ctx, contract, snapshot, checkpoint); err != nil {
		return nil, err
	}
	snapshot.Status = snapshot.Metadata.StatusAt(r.now())

	r.logger.WithFields(logrus.Fields{
		"address":    addr,
		"checkpoint": checkpoint,
		"lt":         snapshot.LogicalTime,
	}).Debug("Proposal advanced from checkpoint")
	return snapshot, nil
}

// replay fetches VoteCast logs after the given logical time from the holder
// client and folds them onto snapshot.
func (r *Resolver) replay(ctx context.Context, contract common.Address, snapshot *models.Proposal, after models.LogicalTime) error {
	holder, err := r.clients.HolderBackend(ctx)
	if err != nil {
		return err
	}

	if err := r.wait(ctx); err != nil {
		return err
	}
	head, err := holder.BlockNumber(ctx)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeLedgerUnavailable, "Failed to read head block", err)
	}

	from := uint64(after) + 1
	if from > head {
		snapshot.Results = tally(snapshot.Metadata, snapshot.Votes)
		return nil
	}

	if err := r.wait(ctx); err != nil {
		return err
	}
	logs, err := holder.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{VoteCastEvent.ID}},
	})
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeLedgerUnavailable, "Failed to fetch vote history", err)
	}

	return fold(snapshot, logs)
}

func (r *Resolver) organizationMetadata(ctx context.Context, backend Backend, contract common.Address) (*models.OrganizationMetadata, error) {
	out, err := r.call(ctx, backend, DaoABI, contract, "metadata")
	if err != nil {
		return nil, err
	}
	raw, _ := out[0].(string)
	if raw == "" {
		return nil, nil
	}
	var metadata models.OrganizationMetadata
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeValidation, "Failed to decode organization metadata", err)
	}
	return &metadata, nil
}

// admit runs the whitelist check before anything touches the network
func (r *Resolver) admit(address string, policy whitelist.Policy) (string, common.Address, error) {
	addr := utils.NormalizeAddress(address)
	if !policy.IsWhitelisted(addr) {
		return "", common.Address{}, utils.NewAppError(utils.ErrCodeNotWhitelisted, "Address is not whitelisted", addr)
	}
	contract, err := utils.ParseAddress(addr)
	if err != nil {
		return "", common.Address{}, err
	}
	return addr, contract, nil
}

func (r *Resolver) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return utils.WrapAppError(utils.ErrCodeLedgerUnavailable, "Rate limiter wait aborted", err)
	}
	return nil
}

// call invokes a no-argument view method and unpacks its outputs
func (r *Resolver) call(ctx context.Context, backend Backend, contractABI abi.ABI, to common.Address, method string) ([]interface{}, error) {
	input, err := contractABI.Pack(method)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeInternal, "Failed to pack call", err)
	}
	if err := r.wait(ctx); err != nil {
		return nil, err
	}

	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeLedgerUnavailable, "Contract call "+method+" failed", err)
	}
	if len(out) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "No contract code at address", to.Hex())
	}

	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeValidation, "Failed to unpack "+method+" output", err)
	}
	if len(values) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Empty "+method+" output", to.Hex())
	}
	return values, nil
}

func (r *Resolver) callAddress(ctx context.Context, backend Backend, contractABI abi.ABI, to common.Address, method string) (string, error) {
	values, err := r.call(ctx, backend, contractABI, to, method)
	if err != nil {
		return "", err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Unexpected "+method+" output", to.Hex())
	}
	return utils.NormalizeAddress(addr.Hex()), nil
}
