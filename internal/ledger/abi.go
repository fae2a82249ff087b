package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const daoABIJSON = `[
	{"type":"function","name":"metadata","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"proposals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"proposalOwner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"daoIndex","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const registryABIJSON = `[
	{"type":"function","name":"admin","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"registryId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const proposalABIJSON = `[
	{"type":"function","name":"metadata","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"dao","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"VoteCast","anonymous":false,"inputs":[
		{"name":"voter","type":"address","indexed":true},
		{"name":"choice","type":"string","indexed":false},
		{"name":"weight","type":"uint256","indexed":false}
	]}
]`

var (
	// DaoABI is the organization contract interface
	DaoABI = mustParseABI(daoABIJSON)
	// RegistryABI is the organization registry interface
	RegistryABI = mustParseABI(registryABIJSON)
	// ProposalABI is the proposal contract interface
	ProposalABI = mustParseABI(proposalABIJSON)
	// VoteCastEvent is emitted by a proposal contract for every ballot
	VoteCastEvent = ProposalABI.Events["VoteCast"]
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
