package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProposalStatusAt(t *testing.T) {
	meta := &ProposalMetadata{ProposalStartTime: 1000, ProposalEndTime: 2000}

	assert.Equal(t, ProposalStatusNotStarted, meta.StatusAt(time.Unix(999, 0)))
	assert.Equal(t, ProposalStatusActive, meta.StatusAt(time.Unix(1000, 0)))
	assert.Equal(t, ProposalStatusEnded, meta.StatusAt(time.Unix(2000, 0)))

	var missing *ProposalMetadata
	assert.Equal(t, ProposalStatus(""), missing.StatusAt(time.Now()))
}

func TestEmptinessChecks(t *testing.T) {
	var nilOrg *OrganizationMetadata
	assert.True(t, nilOrg.IsEmpty())
	assert.True(t, (&OrganizationMetadata{}).IsEmpty())
	assert.False(t, (&OrganizationMetadata{Name: "dao"}).IsEmpty())

	var nilProposal *ProposalMetadata
	assert.True(t, nilProposal.IsEmpty())
	assert.True(t, (&ProposalMetadata{}).IsEmpty())
	assert.False(t, (&ProposalMetadata{Title: "t"}).IsEmpty())

	assert.True(t, ProposalResults{}.IsEmpty())
	assert.False(t, ProposalResults{TotalWeight: "0"}.IsEmpty())
}

func TestProposalCloneIsDeep(t *testing.T) {
	original := &Proposal{
		Address: "0x1",
		Metadata: &ProposalMetadata{
			Title:                 "t",
			VotingSystem:          VotingSystem{Choices: []string{"yes"}},
			VotingPowerStrategies: []VotingPowerStrategy{{Type: "token", Arguments: map[string]string{"jetton": "0xj"}}},
			Extra:                 map[string]interface{}{"tags": []interface{}{"a"}, "links": map[string]interface{}{"forum": "x"}},
		},
		Votes:   map[string]Vote{"0xa": {Voter: "0xa", Choice: "yes", Weight: "1"}},
		Results: ProposalResults{Choices: map[string]string{"yes": "1"}, TotalWeight: "1"},
	}

	clone := original.Clone()
	clone.Votes["0xb"] = Vote{Voter: "0xb"}
	clone.Results.Choices["no"] = "2"
	clone.Metadata.VotingSystem.Choices[0] = "no"
	clone.Metadata.VotingPowerStrategies[0].Arguments["jetton"] = "0xk"
	clone.Metadata.Extra["new"] = true
	clone.Metadata.Extra["tags"].([]interface{})[0] = "b"
	clone.Metadata.Extra["links"].(map[string]interface{})["forum"] = "y"

	assert.Len(t, original.Votes, 1)
	assert.Equal(t, "0xj", original.Metadata.VotingPowerStrategies[0].Arguments["jetton"])
	assert.NotContains(t, original.Metadata.Extra, "new")
	assert.Equal(t, "a", original.Metadata.Extra["tags"].([]interface{})[0])
	assert.Equal(t, "x", original.Metadata.Extra["links"].(map[string]interface{})["forum"])
	assert.Len(t, original.Results.Choices, 1)
	assert.Equal(t, "yes", original.Metadata.VotingSystem.Choices[0])
}

func TestProposalLogicalTimeIsStringEncoded(t *testing.T) {
	var proposal Proposal
	require.NoError(t, json.Unmarshal([]byte(`{"proposalAddress":"0x1","maxLt":"42"}`), &proposal))
	assert.Equal(t, LogicalTime(42), proposal.LogicalTime)

	out, err := json.Marshal(proposal)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"maxLt":"42"`)
}

func TestLogicalTimeAcceptsNumbers(t *testing.T) {
	var proposal Proposal
	require.NoError(t, json.Unmarshal([]byte(`{"proposalAddress":"0x1","maxLt":42,"votes":{"0xa":{"voter":"0xa","lt":7}}}`), &proposal))
	assert.Equal(t, LogicalTime(42), proposal.LogicalTime)
	assert.Equal(t, LogicalTime(7), proposal.Votes["0xa"].LogicalTime)

	require.NoError(t, json.Unmarshal([]byte(`{"maxLt":null}`), &proposal))
	assert.Equal(t, LogicalTime(42), proposal.LogicalTime)

	assert.Error(t, json.Unmarshal([]byte(`{"maxLt":"-1"}`), &proposal))
	assert.Error(t, json.Unmarshal([]byte(`{"maxLt":1.5}`), &proposal))
}
