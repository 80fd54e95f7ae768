package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// latestVersionsCTE selects the newest version of every contract.
const latestVersionsCTE = `latest AS (
	SELECT DISTINCT ON (cv.contract_id) cv.id, cv.contract_id, cv.full_text, cv.search_vector
	FROM contract_versions cv
	ORDER BY cv.contract_id, cv.version_number DESC
)`

// Search executes a UNION ALL over contracts, suggestions and comments
// using plainto_tsquery and ts_rank, with ts_headline for snippets. Every
// branch is filtered to the caller's organization ($2).
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.OrgID == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.OrgID}

	var subQueries []string

	if q.Type == "" || q.Type == ResultContract {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'contract'::text AS type, c.id, c.filename AS title,
				ts_headline('english', coalesce(l.full_text, ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id AS contract_id, l.id AS version_id,
				ts_rank(l.search_vector, %[1]s) AS rank
			FROM contracts c
			JOIN latest l ON l.contract_id = c.id
			WHERE c.organization_id = $2
				AND (l.search_vector @@ %[1]s OR c.filename ILIKE '%%' || $1 || '%%')`, tsQuery))
	}

	if q.Type == "" || q.Type == ResultSuggestion {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'suggestion'::text AS type, s.id, s.risk_category AS title,
				ts_headline('english', coalesce(s.comment, '') || ' ' || s.original_text, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.contract_id, s.contract_version_id AS version_id,
				ts_rank(s.search_vector, %[1]s) AS rank
			FROM analysis_suggestions s
			JOIN contracts c ON c.id = s.contract_id
			WHERE c.organization_id = $2 AND s.search_vector @@ %[1]s`, tsQuery))
	}

	if q.Type == "" || q.Type == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, uc.id, u.display_name AS title,
				ts_headline('english', uc.comment_text, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				uc.contract_id, uc.contract_version_id AS version_id,
				ts_rank(uc.search_vector, %[1]s) AS rank
			FROM user_comments uc
			JOIN contracts c ON c.id = uc.contract_id
			JOIN users u ON u.id = uc.user_id
			WHERE c.organization_id = $2 AND uc.search_vector @@ %[1]s`, tsQuery))
	}

	union := strings.Join(subQueries, " UNION ALL ")

	countSQL := fmt.Sprintf("WITH %s SELECT count(*) FROM (%s) sub", latestVersionsCTE, union)

	dataSQL := fmt.Sprintf(`WITH %s SELECT type, id, title, snippet, contract_id, version_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		latestVersionsCTE, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ContractID, &r.VersionID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ContractRecord, []SuggestionRecord, []CommentRecord, error) {
	contractRows, err := p.db.QueryContext(ctx, `WITH `+latestVersionsCTE+`
		SELECT c.id, c.organization_id, c.filename, c.negotiation_status, l.id, l.full_text
		FROM contracts c
		JOIN latest l ON l.contract_id = c.id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load contracts: %w", err)
	}
	defer contractRows.Close()

	contracts := make([]ContractRecord, 0)
	for contractRows.Next() {
		var c ContractRecord
		if err := contractRows.Scan(&c.ID, &c.OrgID, &c.Filename, &c.NegotiationStatus, &c.VersionID, &c.Text); err != nil {
			return nil, nil, nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := contractRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate contracts: %w", err)
	}

	suggestionRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, c.organization_id, s.contract_id, s.contract_version_id,
			s.original_text, coalesce(s.suggested_text, ''), s.comment, s.risk_category, s.status
		FROM analysis_suggestions s
		JOIN contracts c ON c.id = s.contract_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load suggestions: %w", err)
	}
	defer suggestionRows.Close()

	suggestions := make([]SuggestionRecord, 0)
	for suggestionRows.Next() {
		var s SuggestionRecord
		if err := suggestionRows.Scan(&s.ID, &s.OrgID, &s.ContractID, &s.VersionID,
			&s.OriginalText, &s.SuggestedText, &s.Comment, &s.RiskCategory, &s.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan suggestion: %w", err)
		}
		suggestions = append(suggestions, s)
	}
	if err := suggestionRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate suggestions: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT uc.id, c.organization_id, uc.contract_id, uc.contract_version_id, uc.comment_text, u.display_name
		FROM user_comments uc
		JOIN contracts c ON c.id = uc.contract_id
		JOIN users u ON u.id = uc.user_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.OrgID, &c.ContractID, &c.VersionID, &c.Text, &c.AuthorName); err != nil {
			return nil, nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return contracts, suggestions, comments, nil
}
