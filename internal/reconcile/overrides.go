package reconcile

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Overrides is the static table of entities served verbatim without any
// network access.
type Overrides struct {
	organizations map[string]*models.Organization
	proposals     map[string]*models.Proposal
	legacy        string
}

type overridesFile struct {
	LegacyOrganization string                 `yaml:"legacy_organization"`
	Organizations      []organizationOverride `yaml:"organizations"`
	Proposals          []proposalOverride     `yaml:"proposals"`
}

type organizationOverride struct {
	Address       string   `yaml:"address"`
	ID            uint64   `yaml:"id"`
	Name          string   `yaml:"name"`
	About         string   `yaml:"about"`
	Avatar        string   `yaml:"avatar"`
	Website       string   `yaml:"website"`
	Github        string   `yaml:"github"`
	Telegram      string   `yaml:"telegram"`
	DNS           string   `yaml:"dns"`
	Hide          bool     `yaml:"hide"`
	Owner         string   `yaml:"owner"`
	ProposalOwner string   `yaml:"proposal_owner"`
	Proposals     []string `yaml:"proposals"`
}

type proposalOverride struct {
	Address      string            `yaml:"address"`
	Dao          string            `yaml:"dao"`
	Title        string            `yaml:"title"`
	Description  string            `yaml:"description"`
	StartTime    int64             `yaml:"start_time"`
	EndTime      int64             `yaml:"end_time"`
	SnapshotTime int64             `yaml:"snapshot_time"`
	VotingSystem string            `yaml:"voting_system"`
	Choices      []string          `yaml:"choices"`
	Results      map[string]string `yaml:"results"`
	TotalWeight  string            `yaml:"total_weight"`
	Status       string            `yaml:"status"`
}

// NewOverrides creates an empty override table
func NewOverrides() *Overrides {
	return &Overrides{
		organizations: make(map[string]*models.Organization),
		proposals:     make(map[string]*models.Proposal),
	}
}

// LoadOverrides reads an override table from a YAML file. An empty path
// yields an empty table.
func LoadOverrides(path string) (*Overrides, error) {
	o := NewOverrides()
	if path == "" {
		return o, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConfiguration, "Failed to read overrides file", err)
	}
	if err := o.parse(data); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Overrides) parse(data []byte) error {
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return utils.WrapAppError(utils.ErrCodeConfiguration, "Failed to parse overrides file", err)
	}

	for _, entry := range file.Organizations {
		if !utils.IsValidAddress(entry.Address) {
			return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid organization override address", entry.Address)
		}
		o.AddOrganization(&models.Organization{
			Address: entry.Address,
			ID:      entry.ID,
			Metadata: &models.OrganizationMetadata{
				Name:     entry.Name,
				About:    entry.About,
				Avatar:   entry.Avatar,
				Website:  entry.Website,
				Github:   entry.Github,
				Telegram: entry.Telegram,
				DNS:      entry.DNS,
				Hide:     entry.Hide,
			},
			Roles: models.OrganizationRoles{
				Owner:         entry.Owner,
				ProposalOwner: entry.ProposalOwner,
			},
			Proposals: entry.Proposals,
		})
	}

	for _, entry := range file.Proposals {
		if !utils.IsValidAddress(entry.Address) {
			return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid proposal override address", entry.Address)
		}
		o.AddProposal(&models.Proposal{
			Address:    entry.Address,
			DaoAddress: entry.Dao,
			Metadata: &models.ProposalMetadata{
				Title:                entry.Title,
				Description:          entry.Description,
				ProposalStartTime:    entry.StartTime,
				ProposalEndTime:      entry.EndTime,
				ProposalSnapshotTime: entry.SnapshotTime,
				VotingSystem: models.VotingSystem{
					Type:    entry.VotingSystem,
					Choices: entry.Choices,
				},
			},
			Results: models.ProposalResults{
				Choices:     entry.Results,
				TotalWeight: entry.TotalWeight,
			},
			Status: models.ProposalStatus(entry.Status),
		})
	}

	if file.LegacyOrganization != "" {
		if err := o.SetLegacy(file.LegacyOrganization); err != nil {
			return err
		}
	}
	return nil
}

// AddOrganization registers an organization override
func (o *Overrides) AddOrganization(org *models.Organization) {
	stored := org.Clone()
	stored.Address = utils.NormalizeAddress(stored.Address)
	stored.Proposals = utils.NormalizeAddresses(stored.Proposals)
	stored.Source = models.SourceOverride
	o.organizations[stored.Address] = stored
}

// AddProposal registers a proposal override
func (o *Overrides) AddProposal(proposal *models.Proposal) {
	stored := proposal.Clone()
	stored.Address = utils.NormalizeAddress(stored.Address)
	if stored.DaoAddress != "" {
		stored.DaoAddress = utils.NormalizeAddress(stored.DaoAddress)
	}
	stored.Source = models.SourceOverride
	o.proposals[stored.Address] = stored
}

// SetLegacy marks a registered organization override as the legacy entry
// that heads every collection result.
func (o *Overrides) SetLegacy(address string) error {
	addr := utils.NormalizeAddress(address)
	if _, ok := o.organizations[addr]; !ok {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Legacy organization must be listed in organizations", addr)
	}
	o.legacy = addr
	return nil
}

// Organization returns a copy of the override for address
func (o *Overrides) Organization(address string) (*models.Organization, bool) {
	org, ok := o.organizations[utils.NormalizeAddress(address)]
	if !ok {
		return nil, false
	}
	return org.Clone(), true
}

// Proposal returns a copy of the override for address
func (o *Overrides) Proposal(address string) (*models.Proposal, bool) {
	proposal, ok := o.proposals[utils.NormalizeAddress(address)]
	if !ok {
		return nil, false
	}
	return proposal.Clone(), true
}

// Legacy returns a copy of the legacy organization, or nil
func (o *Overrides) Legacy() *models.Organization {
	if o.legacy == "" {
		return nil
	}
	return o.organizations[o.legacy].Clone()
}
