package models

// Source records where a snapshot was obtained from.
type Source string

const (
	SourceIndexer  Source = "indexer"
	SourceLedger   Source = "ledger"
	SourceOverride Source = "override"
	SourcePending  Source = "pending"
)

// Organization is a governed entity (DAO) with its ordered proposal list.
// Snapshots are replaced as a whole, never patched field by field.
type Organization struct {
	Address          string                `json:"daoAddress"`
	ID               uint64                `json:"daoId"`
	Metadata         *OrganizationMetadata `json:"daoMetadata,omitempty"`
	Roles            OrganizationRoles     `json:"daoRoles"`
	Proposals        []string              `json:"daoProposals"`
	LastUpdateMillis int64                 `json:"lastUpdateMillis,omitempty"`
	Source           Source                `json:"source,omitempty"`
}

// OrganizationMetadata is the metadata blob attached to an organization contract.
type OrganizationMetadata struct {
	Name          string `json:"name,omitempty"`
	About         string `json:"about,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Website       string `json:"website,omitempty"`
	Github        string `json:"github,omitempty"`
	Telegram      string `json:"telegram,omitempty"`
	DNS           string `json:"dns,omitempty"`
	Hide          bool   `json:"hide,omitempty"`
	JettonAddress string `json:"jetton,omitempty"`
	NFTAddress    string `json:"nft,omitempty"`
}

// IsEmpty reports whether the metadata carries no information at all.
func (m *OrganizationMetadata) IsEmpty() bool {
	return m == nil || *m == OrganizationMetadata{}
}

// OrganizationRoles holds the privileged accounts of an organization.
type OrganizationRoles struct {
	Owner         string `json:"owner,omitempty"`
	ProposalOwner string `json:"proposalOwner,omitempty"`
}

// Clone returns a deep copy.
func (o *Organization) Clone() *Organization {
	if o == nil {
		return nil
	}
	out := *o
	if o.Metadata != nil {
		metadata := *o.Metadata
		out.Metadata = &metadata
	}
	out.Proposals = append([]string(nil), o.Proposals...)
	return &out
}

// Registry is the contract that deploys organizations and administers them.
type Registry struct {
	Address string `json:"registryAddress"`
	Admin   string `json:"admin"`
	ID      uint64 `json:"registryId"`
	Source  Source `json:"source,omitempty"`
}
