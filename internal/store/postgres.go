package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateUser inserts user into the organization named orgName, creating the
// organization when it does not exist yet. The first user of a new
// organization becomes its admin.
func (s *PostgresStore) CreateUser(ctx context.Context, orgName string, user User) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user: %w", err)
	}
	defer tx.Rollback()

	var orgID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM organizations WHERE name=$1`, orgName).Scan(&orgID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		orgID = util.NewID("org")
		if _, err := tx.ExecContext(ctx, `INSERT INTO organizations (id, name) VALUES ($1, $2)`, orgID, orgName); err != nil {
			return User{}, fmt.Errorf("insert organization: %w", err)
		}
		user.Role = "admin"
	case err != nil:
		return User{}, fmt.Errorf("lookup organization: %w", err)
	default:
		if user.Role == "" || user.Role == "admin" {
			user.Role = "member"
		}
	}

	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	user.OrgID = orgID
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, organization_id, email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, user.ID, user.OrgID, user.Email, user.DisplayName, user.PasswordHash, user.Role).Scan(&user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user: %w", err)
	}
	user.IsActive = true
	return user, nil
}

// EnsureUserByName finds or creates a passwordless member of orgID. It backs
// the development name login.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, orgID, name string) (User, error) {
	user, err := s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE organization_id=$1 AND display_name=$2`, orgID, name))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user = User{
		ID:          util.NewID("usr"),
		OrgID:       orgID,
		DisplayName: name,
		Email:       strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "+" + orgID + "@local.lexicontract.dev",
		Role:        "member",
		IsActive:    true,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, organization_id, email, display_name, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.OrgID, user.Email, user.DisplayName, user.Role)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

const userSelect = `SELECT id, organization_id, email, display_name, password_hash, role, is_active, created_at FROM users`

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.OrgID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.IsActive, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE email=$1`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *PostgresStore) GetOrganizationByName(ctx context.Context, name string) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM organizations WHERE name=$1`, name).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		return Organization{}, notFound(err)
	}
	return org, nil
}

func (s *PostgresStore) EnsureOrganization(ctx context.Context, name string) (Organization, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, util.NewID("org"), name)
	if err != nil {
		return Organization{}, fmt.Errorf("ensure organization: %w", err)
	}
	return s.GetOrganizationByName(ctx, name)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ConsumeRefreshSession marks a live session revoked and returns its user.
// Concurrent redeemers race on the row update; only one sees it.
func (s *PostgresStore) ConsumeRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		WITH consumed AS (
			UPDATE refresh_sessions SET revoked_at = NOW()
			WHERE token_hash = $1
				AND revoked_at IS NULL
				AND expires_at > NOW()
			RETURNING user_id
		)
		SELECT u.id, u.organization_id, u.email, u.display_name, u.password_hash, u.role, u.is_active, u.created_at
		FROM consumed c
		JOIN users u ON u.id = c.user_id
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const contractSelect = `
	SELECT c.id, c.organization_id, c.filename, c.negotiation_status, c.uploader_id,
		COALESCE((SELECT v.id FROM contract_versions v WHERE v.contract_id = c.id ORDER BY v.version_number DESC LIMIT 1), ''),
		c.created_at, c.updated_at
	FROM contracts c`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (contract.Contract, error) {
	var item contract.Contract
	var status string
	err := row.Scan(&item.ID, &item.OrgID, &item.Filename, &status, &item.UploaderID, &item.LatestVersionID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return contract.Contract{}, err
	}
	item.NegotiationStatus = contract.NegotiationStatus(status)
	return item, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context, orgID string) ([]contract.Contract, error) {
	rows, err := s.db.QueryContext(ctx, contractSelect+`
		WHERE c.organization_id=$1
		ORDER BY c.updated_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	items := make([]contract.Contract, 0)
	for rows.Next() {
		item, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetContract(ctx context.Context, contractID string) (contract.Contract, error) {
	item, err := scanContract(s.db.QueryRowContext(ctx, contractSelect+` WHERE c.id=$1`, contractID))
	if err != nil {
		return contract.Contract{}, notFound(err)
	}
	return item, nil
}

// CreateContract inserts a contract together with its first version and the
// analysis suggestions computed for it.
func (s *PostgresStore) CreateContract(ctx context.Context, item contract.Contract, version contract.Version, suggestions []contract.AnalysisSuggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create contract: %w", err)
	}
	defer tx.Rollback()

	status := item.NegotiationStatus
	if status == "" {
		status = contract.NegotiationDrafting
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contracts (id, organization_id, filename, negotiation_status, uploader_id)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.OrgID, item.Filename, string(status), item.UploaderID); err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	if err := insertVersion(ctx, tx, version); err != nil {
		return err
	}
	if err := insertSuggestions(ctx, tx, item.ID, version.ID, suggestions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create contract: %w", err)
	}
	return nil
}

// InsertVersion appends a version to an existing contract and bumps the
// contract's updated_at.
func (s *PostgresStore) InsertVersion(ctx context.Context, version contract.Version, suggestions []contract.AnalysisSuggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert version: %w", err)
	}
	defer tx.Rollback()

	if err := insertVersion(ctx, tx, version); err != nil {
		return err
	}
	if err := insertSuggestions(ctx, tx, version.ContractID, version.ID, suggestions); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE contracts SET updated_at=NOW() WHERE id=$1`, version.ContractID); err != nil {
		return fmt.Errorf("touch contract: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert version: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, version contract.Version) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO contract_versions (id, contract_id, version_number, full_text, parent_version_id, commit_hash, uploader_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, version.ID, version.ContractID, version.Number, version.FullText, nilIfEmpty(version.ParentID), version.CommitHash, version.UploaderID)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func insertSuggestions(ctx context.Context, tx *sql.Tx, contractID, versionID string, suggestions []contract.AnalysisSuggestion) error {
	for _, item := range suggestions {
		if !item.Span.Start.Valid || !item.Span.End.Valid {
			return fmt.Errorf("insert suggestion %s: span offsets must be integers", item.ID)
		}
		status := item.Status
		if status == "" {
			status = contract.StatusSuggested
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_suggestions (id, contract_id, contract_version_id, start_index, end_index, original_text, suggested_text, comment, risk_category, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, item.ID, contractID, versionID, item.Span.Start.Value, item.Span.End.Value, item.OriginalText, item.SuggestedText, item.Comment, item.RiskCategory, string(status))
		if err != nil {
			return fmt.Errorf("insert suggestion %s: %w", item.ID, err)
		}
	}
	return nil
}

const versionSelect = `SELECT id, contract_id, version_number, full_text, COALESCE(parent_version_id, ''), commit_hash, uploader_id, created_at FROM contract_versions`

func scanVersion(row rowScanner) (contract.Version, error) {
	var item contract.Version
	err := row.Scan(&item.ID, &item.ContractID, &item.Number, &item.FullText, &item.ParentID, &item.CommitHash, &item.UploaderID, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) GetVersion(ctx context.Context, contractID, versionID string) (contract.Version, error) {
	item, err := scanVersion(s.db.QueryRowContext(ctx, versionSelect+` WHERE contract_id=$1 AND id=$2`, contractID, versionID))
	if err != nil {
		return contract.Version{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, contractID string) (contract.Version, error) {
	item, err := scanVersion(s.db.QueryRowContext(ctx, versionSelect+`
		WHERE contract_id=$1
		ORDER BY version_number DESC
		LIMIT 1
	`, contractID))
	if err != nil {
		return contract.Version{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, contractID string) ([]contract.Version, error) {
	rows, err := s.db.QueryContext(ctx, versionSelect+`
		WHERE contract_id=$1
		ORDER BY version_number ASC
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]contract.Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetVersionCommit(ctx context.Context, versionID, commitHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE contract_versions SET commit_hash=$2 WHERE id=$1`, versionID, commitHash)
	if err != nil {
		return fmt.Errorf("set version commit: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateNegotiationStatus(ctx context.Context, contractID string, status contract.NegotiationStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE contracts SET negotiation_status=$2, updated_at=NOW() WHERE id=$1
	`, contractID, string(status))
	if err != nil {
		return fmt.Errorf("update negotiation status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const suggestionSelect = `
	SELECT id, contract_id, contract_version_id, start_index, end_index, original_text, suggested_text, comment, risk_category, status
	FROM analysis_suggestions`

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var item Suggestion
	var start, end int
	var suggested sql.NullString
	var status string
	err := row.Scan(&item.ID, &item.ContractID, &item.VersionID, &start, &end, &item.OriginalText, &suggested, &item.Comment, &item.RiskCategory, &status)
	if err != nil {
		return Suggestion{}, err
	}
	item.Span = contract.NewSpan(start, end)
	if suggested.Valid {
		text := suggested.String
		item.SuggestedText = &text
	}
	item.Status = contract.Status(status)
	return item, nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, versionID string) ([]contract.AnalysisSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, suggestionSelect+`
		WHERE contract_version_id=$1
		ORDER BY start_index ASC, id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]contract.AnalysisSuggestion, 0)
	for rows.Next() {
		item, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, item.AnalysisSuggestion)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, suggestionID string) (Suggestion, error) {
	item, err := scanSuggestion(s.db.QueryRowContext(ctx, suggestionSelect+` WHERE id=$1`, suggestionID))
	if err != nil {
		return Suggestion{}, notFound(err)
	}
	return item, nil
}

// ResolveSuggestion moves a suggestion out of the suggested state. It reports
// false when the suggestion had already been resolved by someone else.
func (s *PostgresStore) ResolveSuggestion(ctx context.Context, suggestionID string, status contract.Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE analysis_suggestions
		SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status='suggested'
	`, suggestionID, string(status))
	if err != nil {
		return false, fmt.Errorf("resolve suggestion: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve suggestion: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, contractID string, item contract.UserComment) (contract.UserComment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_comments (id, contract_id, contract_version_id, user_id, start_index, end_index, comment_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, item.ID, contractID, item.VersionID, item.AuthorID, item.Span.Start.Value, item.Span.End.Value, item.CommentText).Scan(&item.CreatedAt)
	if err != nil {
		return contract.UserComment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, versionID string) ([]contract.UserComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.contract_version_id, c.start_index, c.end_index, c.comment_text, c.user_id, COALESCE(u.display_name, ''), c.created_at
		FROM user_comments c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.contract_version_id=$1
		ORDER BY c.created_at ASC, c.id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]contract.UserComment, 0)
	for rows.Next() {
		var item contract.UserComment
		var start, end int
		if err := rows.Scan(&item.ID, &item.VersionID, &start, &end, &item.CommentText, &item.AuthorID, &item.AuthorName, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		item.Span = contract.NewSpan(start, end)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// RecordSyncSession stores a flushed session once. It reports false and
// leaves the row untouched when the session id was already recorded.
func (s *PostgresStore) RecordSyncSession(ctx context.Context, record SyncSession) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (session_id, contract_id, version_id, commit_hash, update_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING
	`, record.SessionID, record.ContractID, record.VersionID, record.CommitHash, record.UpdateCount)
	if err != nil {
		return false, fmt.Errorf("record sync session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record sync session: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) GetSyncSession(ctx context.Context, sessionID string) (SyncSession, error) {
	var record SyncSession
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, contract_id, version_id, commit_hash, update_count, created_at
		FROM sync_sessions
		WHERE session_id=$1
	`, sessionID).Scan(&record.SessionID, &record.ContractID, &record.VersionID, &record.CommitHash, &record.UpdateCount, &record.CreatedAt)
	if err != nil {
		return SyncSession{}, notFound(err)
	}
	return record, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
