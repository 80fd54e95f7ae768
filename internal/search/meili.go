package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	idxContracts   = "lexicontract_contracts"
	idxSuggestions = "lexicontract_suggestions"
	idxComments    = "lexicontract_comments"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not an error: the client starts unhealthy and a
// background loop keeps probing.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxContracts,
			primaryKey: "id",
			filterable: []string{"organizationId", "negotiationStatus"},
			searchable: []string{"filename", "text"},
		},
		{
			uid:        idxSuggestions,
			primaryKey: "id",
			filterable: []string{"organizationId", "contractId", "status", "riskCategory"},
			searchable: []string{"originalText", "suggestedText", "comment", "riskCategory"},
		},
		{
			uid:        idxComments,
			primaryKey: "id",
			filterable: []string{"organizationId", "contractId"},
			searchable: []string{"commentText", "authorName"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			m.log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the three indexes (or the one named by q.Type) within the
// caller's organization and merges results.
func (m *Meili) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxContracts, ResultContract},
		{idxSuggestions, ResultSuggestion},
		{idxComments, ResultComment},
	}

	for _, ti := range targetIndexes {
		if q.Type != "" && q.Type != ti.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			AttributesToCrop:      []string{"text"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
			Filter:                []string{fmt.Sprintf("organizationId = %q", q.OrgID)},
		})
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxContracts:
		return ResultContract
	case idxSuggestions:
		return ResultSuggestion
	case idxComments:
		return ResultComment
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ContractID = decodeString(hit, "contractId")
	r.VersionID = decodeString(hit, "versionId")

	switch rtyp {
	case ResultContract:
		r.Title = firstNonBlank(decodeFormattedString(hit, "filename"), decodeString(hit, "filename"))
		r.Snippet = decodeFormattedString(hit, "text")
		r.ContractID = r.ID
	case ResultSuggestion:
		r.Title = firstNonBlank(decodeString(hit, "riskCategory"), "Suggestion")
		r.Snippet = firstNonBlank(
			decodeFormattedString(hit, "comment"),
			decodeFormattedString(hit, "originalText"),
			decodeString(hit, "comment"),
		)
	case ResultComment:
		r.Title = firstNonBlank(decodeString(hit, "authorName"), "Comment")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "commentText"), decodeString(hit, "commentText"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexContracts(records []ContractRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxContracts).AddDocuments(records, nil)
	return err
}

func (m *Meili) IndexSuggestions(records []SuggestionRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSuggestions).AddDocuments(records, nil)
	return err
}

func (m *Meili) IndexComments(records []CommentRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxComments).AddDocuments(records, nil)
	return err
}

// DeleteContract removes a contract from the contracts index.
func (m *Meili) DeleteContract(id string) error {
	_, err := m.client.Index(idxContracts).DeleteDocument(id, nil)
	return err
}
