package models

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// LogicalTime orders ledger transactions. On the EVM ledger it is the block
// number that carried the transaction.
type LogicalTime uint64

// MarshalJSON encodes the logical time as a decimal string.
func (lt LogicalTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(lt), 10))), nil
}

// UnmarshalJSON accepts both a decimal string and a bare number.
func (lt *LogicalTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return fmt.Errorf("invalid logical time %s: %w", text, err)
		}
		text = unquoted
	}
	if text == "" {
		*lt = 0
		return nil
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid logical time %s: %w", string(data), err)
	}
	*lt = LogicalTime(value)
	return nil
}

// ProposalStatus is derived from the proposal's voting window.
type ProposalStatus string

const (
	ProposalStatusNotStarted ProposalStatus = "not_started"
	ProposalStatusActive     ProposalStatus = "active"
	ProposalStatusEnded      ProposalStatus = "ended"
)

// Proposal is a decision item belonging to an organization.
type Proposal struct {
	Address     string            `json:"proposalAddress"`
	DaoAddress  string            `json:"daoAddress,omitempty"`
	Metadata    *ProposalMetadata `json:"metadata,omitempty"`
	Votes       map[string]Vote   `json:"votes,omitempty"`
	Results     ProposalResults   `json:"proposalResult"`
	Status      ProposalStatus    `json:"status,omitempty"`
	LogicalTime LogicalTime       `json:"maxLt"`
	Source      Source            `json:"source,omitempty"`
}

// ProposalMetadata is set once by the proposal contract and never changes.
type ProposalMetadata struct {
	Title                 string                 `json:"title,omitempty"`
	Description           string                 `json:"description,omitempty"`
	Owner                 string                 `json:"owner,omitempty"`
	ProposalStartTime     int64                  `json:"proposalStartTime,omitempty"`
	ProposalEndTime       int64                  `json:"proposalEndTime,omitempty"`
	ProposalSnapshotTime  int64                  `json:"proposalSnapshotTime,omitempty"`
	VotingSystem          VotingSystem           `json:"votingSystem"`
	VotingPowerStrategies []VotingPowerStrategy  `json:"votingPowerStrategies,omitempty"`
	Extra                 map[string]interface{} `json:"extra,omitempty"`
}

// IsEmpty reports whether no metadata has been set.
func (m *ProposalMetadata) IsEmpty() bool {
	if m == nil {
		return true
	}
	return m.Title == "" && m.Description == "" && m.Owner == "" &&
		m.ProposalStartTime == 0 && m.ProposalEndTime == 0 && m.ProposalSnapshotTime == 0 &&
		m.VotingSystem.Type == "" && len(m.VotingSystem.Choices) == 0 &&
		len(m.VotingPowerStrategies) == 0 && len(m.Extra) == 0
}

// VotingSystem names the ballot type and its choices.
type VotingSystem struct {
	Type    string   `json:"votingSystemType,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// VotingPowerStrategy is opaque to reconciliation; it is carried verbatim.
type VotingPowerStrategy struct {
	Type      string            `json:"type"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Vote is the latest ballot of a single voter.
type Vote struct {
	Voter       string      `json:"voter"`
	Choice      string      `json:"choice"`
	Weight      string      `json:"weight"`
	TxHash      string      `json:"txHash,omitempty"`
	LogicalTime LogicalTime `json:"lt"`
}

// ProposalResults is the per-choice weight tally.
type ProposalResults struct {
	Choices     map[string]string `json:"choices,omitempty"`
	TotalWeight string            `json:"totalWeight,omitempty"`
}

// IsEmpty reports whether no tally has been synchronised.
func (r ProposalResults) IsEmpty() bool {
	return r.TotalWeight == "" && len(r.Choices) == 0
}

// StatusAt derives the proposal status at the given instant.
func (m *ProposalMetadata) StatusAt(now time.Time) ProposalStatus {
	if m == nil {
		return ""
	}
	ts := now.Unix()
	switch {
	case m.ProposalStartTime > 0 && ts < m.ProposalStartTime:
		return ProposalStatusNotStarted
	case m.ProposalEndTime > 0 && ts >= m.ProposalEndTime:
		return ProposalStatusEnded
	default:
		return ProposalStatusActive
	}
}

// Clone returns a deep copy, so folding onto it never mutates the original.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	if p.Metadata != nil {
		metadata := *p.Metadata
		metadata.VotingSystem.Choices = append([]string(nil), p.Metadata.VotingSystem.Choices...)
		if p.Metadata.VotingPowerStrategies != nil {
			metadata.VotingPowerStrategies = make([]VotingPowerStrategy, len(p.Metadata.VotingPowerStrategies))
			for i, strategy := range p.Metadata.VotingPowerStrategies {
				metadata.VotingPowerStrategies[i] = strategy
				if strategy.Arguments != nil {
					args := make(map[string]string, len(strategy.Arguments))
					for k, v := range strategy.Arguments {
						args[k] = v
					}
					metadata.VotingPowerStrategies[i].Arguments = args
				}
			}
		}
		metadata.Extra = cloneExtra(p.Metadata.Extra)
		out.Metadata = &metadata
	}
	if p.Votes != nil {
		out.Votes = make(map[string]Vote, len(p.Votes))
		for voter, vote := range p.Votes {
			out.Votes[voter] = vote
		}
	}
	if p.Results.Choices != nil {
		out.Results.Choices = make(map[string]string, len(p.Results.Choices))
		for choice, weight := range p.Results.Choices {
			out.Results.Choices[choice] = weight
		}
	}
	return &out
}

func cloneExtra(extra map[string]interface{}) map[string]interface{} {
	if extra == nil {
		return nil
	}
	out := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container shapes produced by encoding/json.
func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneExtra(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
