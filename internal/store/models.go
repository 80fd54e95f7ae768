package store

import (
	"errors"
	"time"

	"lexicontract/api/internal/contract"
)

// ErrNotFound is returned for lookups that matched no row.
var ErrNotFound = errors.New("not found")

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID           string
	OrgID        string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
}

// Suggestion is a stored suggestion together with the contract it belongs to.
type Suggestion struct {
	contract.AnalysisSuggestion
	ContractID string
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// SyncSession records a flushed collaborative editing session.
type SyncSession struct {
	SessionID   string
	ContractID  string
	VersionID   string
	CommitHash  string
	UpdateCount int
	CreatedAt   time.Time
}
