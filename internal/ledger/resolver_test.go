package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/whitelist"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

var (
	daoAddr      = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	proposalAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	ownerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	voterA       = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	voterB       = common.HexToAddress("0x0000000000000000000000000000000000000a02")

	fixedNow = time.Unix(1_700_000_500, 0)
)

const proposalMetadataJSON = `{"title":"Raise cap","proposalStartTime":1700000000,"proposalEndTime":1700001000,
	"votingSystem":{"votingSystemType":"yes-no","choices":["yes","no"]}}`

type daoState struct {
	metadata      string
	proposals     []common.Address
	owner         common.Address
	proposalOwner common.Address
	index         *big.Int
}

type registryState struct {
	admin common.Address
	id    *big.Int
}

type proposalState struct {
	metadata string
	dao      common.Address
}

// fakeChain is an in-memory ledger answering contract calls and log queries
type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	daos        map[common.Address]daoState
	proposals   map[common.Address]proposalState
	registries  map[common.Address]registryState
	logs        []types.Log
	calls       map[string]int
	filterCalls int
	queries     []ethereum.FilterQuery
	fail        error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		daos:       make(map[common.Address]daoState),
		proposals:  make(map[common.Address]proposalState),
		registries: make(map[common.Address]registryState),
		calls:      make(map[string]int),
	}
}

func (f *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}

	if dao, ok := f.daos[*call.To]; ok {
		method, err := DaoABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		f.calls["dao."+method.Name]++
		switch method.Name {
		case "metadata":
			return method.Outputs.Pack(dao.metadata)
		case "proposals":
			return method.Outputs.Pack(dao.proposals)
		case "owner":
			return method.Outputs.Pack(dao.owner)
		case "proposalOwner":
			return method.Outputs.Pack(dao.proposalOwner)
		case "daoIndex":
			return method.Outputs.Pack(dao.index)
		}
	}
	if registry, ok := f.registries[*call.To]; ok {
		method, err := RegistryABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		f.calls["registry."+method.Name]++
		switch method.Name {
		case "admin":
			return method.Outputs.Pack(registry.admin)
		case "registryId":
			return method.Outputs.Pack(registry.id)
		}
	}
	if proposal, ok := f.proposals[*call.To]; ok {
		method, err := ProposalABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		f.calls["proposal."+method.Name]++
		switch method.Name {
		case "metadata":
			return method.Outputs.Pack(proposal.metadata)
		case "dao":
			return method.Outputs.Pack(proposal.dao)
		}
	}
	return nil, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.filterCalls++
	f.queries = append(f.queries, q)

	var out []types.Log
	for _, log := range f.logs {
		if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && log.Address != q.Addresses[0] {
			continue
		}
		out = append(out, log)
	}
	// newest first, the resolver must order them itself
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	return f.head, nil
}

func (f *fakeChain) addVote(t *testing.T, voter common.Address, choice string, weight int64, block uint64, index uint) {
	t.Helper()
	data, err := VoteCastEvent.Inputs.NonIndexed().Pack(choice, big.NewInt(weight))
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, types.Log{
		Address:     proposalAddr,
		Topics:      []common.Hash{VoteCastEvent.ID, common.BytesToHash(voter.Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
	})
	if block > f.head {
		f.head = block
	}
}

func (f *fakeChain) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.filterCalls
	for _, c := range f.calls {
		n += c
	}
	return n
}

func seededChain(t *testing.T) *fakeChain {
	chain := newFakeChain()
	chain.daos[daoAddr] = daoState{
		metadata:      `{"name":"Builders","about":"we build"}`,
		proposals:     []common.Address{proposalAddr},
		owner:         ownerAddr,
		proposalOwner: ownerAddr,
		index:         big.NewInt(7),
	}
	chain.proposals[proposalAddr] = proposalState{metadata: proposalMetadataJSON, dao: daoAddr}
	chain.addVote(t, voterA, "yes", 10, 3, 0)
	chain.addVote(t, voterB, "no", 5, 3, 1)
	chain.addVote(t, voterA, "no", 10, 5, 0)
	return chain
}

func newTestResolver(chain *fakeChain, orgs, proposals whitelist.Policy) *Resolver {
	r := NewResolver(StaticClients{General: chain}, orgs, proposals, Config{})
	r.now = func() time.Time { return fixedNow }
	return r
}

func addr(a common.Address) string { return utils.NormalizeAddress(a.Hex()) }

func lt(v uint64) *models.LogicalTime {
	l := models.LogicalTime(v)
	return &l
}

func TestResolveOrganization(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)

	org, err := r.ResolveOrganization(context.Background(), daoAddr.Hex())
	require.NoError(t, err)

	assert.Equal(t, addr(daoAddr), org.Address)
	assert.Equal(t, uint64(7), org.ID)
	require.NotNil(t, org.Metadata)
	assert.Equal(t, "Builders", org.Metadata.Name)
	assert.Equal(t, []string{addr(proposalAddr)}, org.Proposals)
	assert.Equal(t, addr(ownerAddr), org.Roles.Owner)
	assert.Equal(t, models.SourceLedger, org.Source)
	assert.Equal(t, fixedNow.UnixMilli(), org.LastUpdateMillis)
}

func TestResolveOrganizationMetadata(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)

	metadata, err := r.ResolveOrganizationMetadata(context.Background(), daoAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "we build", metadata.About)
	assert.Equal(t, 1, chain.totalCalls(), "only metadata is re-read")
}

func TestWhitelistIsCheckedBeforeAnyNetworkCall(t *testing.T) {
	chain := seededChain(t)
	blocked := whitelist.NewListPolicy(config.ListConfig{Blocked: []string{daoAddr.Hex(), proposalAddr.Hex()}})
	r := newTestResolver(chain, blocked, blocked)
	ctx := context.Background()

	_, err := r.ResolveOrganization(ctx, daoAddr.Hex())
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotWhitelisted))

	_, err = r.ResolveOrganizationMetadata(ctx, daoAddr.Hex())
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotWhitelisted))

	_, err = r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotWhitelisted))

	assert.Equal(t, 0, chain.totalCalls())
}

func TestResolveRegistry(t *testing.T) {
	chain := seededChain(t)
	chain.registries[registryAddr] = registryState{admin: ownerAddr, id: big.NewInt(3)}
	r := NewResolver(StaticClients{General: chain}, nil, nil, Config{RegistryAddress: registryAddr.Hex()})

	registry, err := r.ResolveRegistry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr(registryAddr), registry.Address)
	assert.Equal(t, addr(ownerAddr), registry.Admin)
	assert.Equal(t, uint64(3), registry.ID)
	assert.Equal(t, models.SourceLedger, registry.Source)
	assert.Equal(t, 1, chain.calls["registry.admin"])
	assert.Equal(t, 1, chain.calls["registry.registryId"])

	chain.fail = errors.New("connection reset")
	_, err = r.ResolveRegistry(context.Background())
	assert.True(t, utils.IsCode(err, utils.ErrCodeLedgerUnavailable))
}

func TestResolveRegistryRequiresAddress(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)

	_, err := r.ResolveRegistry(context.Background())
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
	assert.Zero(t, chain.totalCalls())
}

func TestResolveProposalFullReplay(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)

	p, err := r.ResolveProposal(context.Background(), proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, addr(daoAddr), p.DaoAddress)
	assert.Equal(t, "Raise cap", p.Metadata.Title)
	assert.Equal(t, models.LogicalTime(5), p.LogicalTime)
	assert.Equal(t, models.ProposalStatusActive, p.Status)
	require.Len(t, p.Votes, 2)
	assert.Equal(t, "no", p.Votes[addr(voterA)].Choice, "latest ballot wins")
	assert.Equal(t, "15", p.Results.TotalWeight)
	assert.Equal(t, map[string]string{"yes": "0", "no": "15"}, p.Results.Choices)
}

func TestResolveProposalIsIdempotent(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)
	ctx := context.Background()

	first, err := r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)
	second, err := r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	incA, err := r.ResolveProposal(ctx, proposalAddr.Hex(), lt(5), first)
	require.NoError(t, err)
	incB, err := r.ResolveProposal(ctx, proposalAddr.Hex(), lt(5), first)
	require.NoError(t, err)
	assert.Equal(t, incA, incB)
	assert.Equal(t, first.Votes, incA.Votes)
	assert.Equal(t, first.Results, incA.Results)
}

func TestResolveProposalIncrementalWindow(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)
	ctx := context.Background()

	base, err := r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)
	baseVotes := len(base.Votes)

	chain.addVote(t, voterB, "yes", 5, 8, 0)
	chain.head = 9
	metadataCalls := chain.calls["proposal.metadata"]

	p, err := r.ResolveProposal(ctx, proposalAddr.Hex(), lt(5), base)
	require.NoError(t, err)

	assert.Equal(t, metadataCalls, chain.calls["proposal.metadata"], "window replay does not re-read metadata")
	last := chain.queries[len(chain.queries)-1]
	assert.Equal(t, uint64(6), last.FromBlock.Uint64())
	assert.Equal(t, uint64(9), last.ToBlock.Uint64())

	assert.Equal(t, models.LogicalTime(8), p.LogicalTime)
	assert.Equal(t, "yes", p.Votes[addr(voterB)].Choice)
	assert.Equal(t, map[string]string{"yes": "5", "no": "10"}, p.Results.Choices)
	assert.Len(t, base.Votes, baseVotes, "base snapshot is not mutated")

	full, err := r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, full.Votes, p.Votes)
	assert.Equal(t, full.Results, p.Results)
}

func TestResolveProposalIndexerBaseReplaysAll(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)
	ctx := context.Background()

	var indexed models.Proposal
	require.NoError(t, json.Unmarshal([]byte(`{
		"proposalAddress": "`+proposalAddr.Hex()+`",
		"metadata": {"title": "From indexer"},
		"proposalResult": {"choices": {"no": "15", "yes": "0"}, "totalWeight": "15"},
		"maxLt": "5"
	}`), &indexed))
	indexed.Source = models.SourceIndexer

	chain.addVote(t, voterB, "yes", 5, 8, 0)
	chain.head = 9

	p, err := r.ResolveProposal(ctx, proposalAddr.Hex(), lt(5), &indexed)
	require.NoError(t, err)

	full, err := r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, full.Votes, p.Votes)
	assert.Equal(t, full.Results, p.Results)
	assert.Equal(t, map[string]string{"yes": "5", "no": "10"}, p.Results.Choices)
	assert.Equal(t, "15", p.Results.TotalWeight)
}

func TestResolveProposalBaseWithoutVotesReplaysAll(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)
	ctx := context.Background()

	base, err := r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)
	stripped := base.Clone()
	stripped.Votes = nil

	p, err := r.ResolveProposal(ctx, proposalAddr.Hex(), lt(5), stripped)
	require.NoError(t, err)
	assert.Equal(t, base.Votes, p.Votes)
	assert.Equal(t, base.Results, p.Results)
}

func TestResolveProposalSkipsLogsCoveredByBase(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)
	ctx := context.Background()

	base, err := r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	require.NoError(t, err)

	// checkpoint older than the base: the window overlaps logs already folded
	p, err := r.ResolveProposal(ctx, proposalAddr.Hex(), lt(2), base)
	require.NoError(t, err)
	assert.Equal(t, base.Votes, p.Votes)
	assert.Equal(t, base.Results, p.Results)
}

func TestResolveProposalBaseBehindCheckpointReplaysAll(t *testing.T) {
	chain := seededChain(t)
	r := newTestResolver(chain, nil, nil)

	stale := &models.Proposal{
		Address:     addr(proposalAddr),
		Metadata:    &models.ProposalMetadata{Title: "old"},
		LogicalTime: 1,
	}
	p, err := r.ResolveProposal(context.Background(), proposalAddr.Hex(), lt(4), stale)
	require.NoError(t, err)

	assert.Equal(t, "Raise cap", p.Metadata.Title)
	assert.Equal(t, 1, chain.calls["proposal.metadata"])
	assert.Equal(t, models.LogicalTime(5), p.LogicalTime)
}

func TestResolveErrorsAreClassified(t *testing.T) {
	ctx := context.Background()

	chain := seededChain(t)
	chain.fail = errors.New("connection refused")
	r := newTestResolver(chain, nil, nil)
	_, err := r.ResolveOrganization(ctx, daoAddr.Hex())
	assert.True(t, utils.IsCode(err, utils.ErrCodeLedgerUnavailable))
	_, err = r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	assert.True(t, utils.IsCode(err, utils.ErrCodeLedgerUnavailable))

	chain = seededChain(t)
	chain.proposals[proposalAddr] = proposalState{metadata: "{not json", dao: daoAddr}
	r = newTestResolver(chain, nil, nil)
	_, err = r.ResolveProposal(ctx, proposalAddr.Hex(), nil, nil)
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	assert.False(t, utils.IsRetryable(err))

	_, err = r.ResolveOrganization(ctx, "0x00000000000000000000000000000000000000ff")
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))

	_, err = r.ResolveOrganization(ctx, "not-an-address")
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
}

func TestRateLimiterHonoursCancellation(t *testing.T) {
	chain := seededChain(t)
	r := NewResolver(StaticClients{General: chain}, nil, nil, Config{RequestsPerSecond: 1, Burst: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ResolveOrganization(ctx, daoAddr.Hex())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeLedgerUnavailable))
	assert.Equal(t, 0, chain.totalCalls())
}

func TestDecodeVoteRejectsForeignLogs(t *testing.T) {
	_, err := DecodeVote(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
}
