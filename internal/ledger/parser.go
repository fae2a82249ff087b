package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// DecodeVote decodes a VoteCast log into a vote
func DecodeVote(log types.Log) (models.Vote, error) {
	if len(log.Topics) < 2 || log.Topics[0] != VoteCastEvent.ID {
		return models.Vote{}, utils.NewAppError(utils.ErrCodeValidation, "Not a VoteCast log", log.TxHash.Hex())
	}

	values, err := VoteCastEvent.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return models.Vote{}, utils.WrapAppError(utils.ErrCodeValidation, "Failed to unpack VoteCast data", err)
	}
	if len(values) != 2 {
		return models.Vote{}, utils.NewAppError(utils.ErrCodeValidation, "Unexpected VoteCast arity", fmt.Sprint(len(values)))
	}
	choice, ok := values[0].(string)
	if !ok {
		return models.Vote{}, utils.NewAppError(utils.ErrCodeValidation, "VoteCast choice is not a string", "")
	}
	weight, ok := values[1].(*big.Int)
	if !ok {
		return models.Vote{}, utils.NewAppError(utils.ErrCodeValidation, "VoteCast weight is not an integer", "")
	}

	return models.Vote{
		Voter:       utils.NormalizeAddress(common.BytesToAddress(log.Topics[1].Bytes()).Hex()),
		Choice:      choice,
		Weight:      weight.String(),
		TxHash:      log.TxHash.Hex(),
		LogicalTime: models.LogicalTime(log.BlockNumber),
	}, nil
}

// sortLogs orders logs by ascending logical time, then by position in block
func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

// fold applies logs newer than snapshot.LogicalTime to snapshot. The last
// vote per voter wins. Results are recomputed from the full vote set.
func fold(snapshot *models.Proposal, logs []types.Log) error {
	sortLogs(logs)
	covered := snapshot.LogicalTime
	if snapshot.Votes == nil {
		snapshot.Votes = make(map[string]models.Vote)
	}

	for _, log := range logs {
		if log.Removed {
			continue
		}
		lt := models.LogicalTime(log.BlockNumber)
		if lt <= covered {
			continue
		}
		vote, err := DecodeVote(log)
		if err != nil {
			return err
		}
		snapshot.Votes[vote.Voter] = vote
		if lt > snapshot.LogicalTime {
			snapshot.LogicalTime = lt
		}
	}

	snapshot.Results = tally(snapshot.Metadata, snapshot.Votes)
	return nil
}

// tally sums vote weights per choice. Choices declared by the voting system
// are always present.
func tally(metadata *models.ProposalMetadata, votes map[string]models.Vote) models.ProposalResults {
	sums := make(map[string]*big.Int)
	if metadata != nil {
		for _, choice := range metadata.VotingSystem.Choices {
			sums[choice] = new(big.Int)
		}
	}

	total := new(big.Int)
	for _, vote := range votes {
		weight, ok := new(big.Int).SetString(vote.Weight, 10)
		if !ok {
			continue
		}
		if sums[vote.Choice] == nil {
			sums[vote.Choice] = new(big.Int)
		}
		sums[vote.Choice].Add(sums[vote.Choice], weight)
		total.Add(total, weight)
	}

	results := models.ProposalResults{
		Choices:     make(map[string]string, len(sums)),
		TotalWeight: total.String(),
	}
	for choice, sum := range sums {
		results.Choices[choice] = sum.String()
	}
	return results
}
