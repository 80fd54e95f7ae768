package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultContract   ResultType = "contract"
	ResultSuggestion ResultType = "suggestion"
	ResultComment    ResultType = "comment"
)

// ParseResultType maps a query-string filter to a ResultType. Unknown and
// empty values mean all types.
func ParseResultType(value string) ResultType {
	switch ResultType(value) {
	case ResultContract, ResultSuggestion, ResultComment:
		return ResultType(value)
	default:
		return ""
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ContractID string     `json:"contractId"`
	VersionID  string     `json:"versionId,omitempty"`
}

// Query describes a search request. OrgID is mandatory: results never cross
// organizations.
type Query struct {
	Text   string
	Type   ResultType
	OrgID  string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ContractRecord is the data indexed for a contract: its filename and the
// text of its latest version.
type ContractRecord struct {
	ID                string `json:"id"`
	OrgID             string `json:"organizationId"`
	Filename          string `json:"filename"`
	NegotiationStatus string `json:"negotiationStatus"`
	VersionID         string `json:"versionId"`
	Text              string `json:"text"`
}

type SuggestionRecord struct {
	ID            string `json:"id"`
	OrgID         string `json:"organizationId"`
	ContractID    string `json:"contractId"`
	VersionID     string `json:"versionId"`
	OriginalText  string `json:"originalText"`
	SuggestedText string `json:"suggestedText"`
	Comment       string `json:"comment"`
	RiskCategory  string `json:"riskCategory"`
	Status        string `json:"status"`
}

type CommentRecord struct {
	ID         string `json:"id"`
	OrgID      string `json:"organizationId"`
	ContractID string `json:"contractId"`
	VersionID  string `json:"versionId"`
	Text       string `json:"commentText"`
	AuthorName string `json:"authorName"`
}
