package contract

import "time"

type NegotiationStatus string

const (
	NegotiationDrafting  NegotiationStatus = "drafting"
	NegotiationInternal  NegotiationStatus = "internal_review"
	NegotiationExternal  NegotiationStatus = "external_review"
	NegotiationSignature NegotiationStatus = "signature"
	NegotiationSigned    NegotiationStatus = "signed"
)

// Contract is the negotiated agreement; its text lives in versions.
type Contract struct {
	ID                string            `json:"id"`
	OrgID             string            `json:"organizationId"`
	Filename          string            `json:"filename"`
	NegotiationStatus NegotiationStatus `json:"negotiationStatus"`
	UploaderID        string            `json:"uploaderId"`
	LatestVersionID   string            `json:"latestVersionId,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Version is one revision of a contract's text.
type Version struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contractId"`
	Number     int       `json:"versionNumber"`
	FullText   string    `json:"fullText"`
	ParentID   string    `json:"parentVersionId,omitempty"`
	CommitHash string    `json:"commitHash,omitempty"`
	UploaderID string    `json:"uploaderId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// VersionDetail is everything a negotiation room needs to open a version.
type VersionDetail struct {
	Contract    Contract             `json:"contract"`
	Version     Version              `json:"version"`
	Suggestions []AnalysisSuggestion `json:"suggestions"`
	Comments    []UserComment        `json:"comments"`
}
