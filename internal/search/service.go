package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts Searcher
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts Searcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
// A blank query or organization yields no results.
func (s *Service) Search(ctx context.Context, q Query) Response {
	empty := Response{Results: []Result{}, Total: 0, Query: q.Text}
	if strings.TrimSpace(q.Text) == "" || q.OrgID == "" {
		return empty
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch failed, falling back to pgfts")
	}

	if s.pgfts == nil {
		return empty
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexContract indexes a contract (fire-and-forget to Meilisearch).
func (s *Service) IndexContract(record ContractRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexContracts([]ContractRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("contract_id", record.ID).Msg("index contract")
		}
	}()
}

// IndexSuggestions indexes suggestions (fire-and-forget to Meilisearch).
func (s *Service) IndexSuggestions(records []SuggestionRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexSuggestions(records); err != nil {
			s.log.Warn().Err(err).Int("count", len(records)).Msg("index suggestions")
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(record CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComments([]CommentRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("comment_id", record.ID).Msg("index comment")
		}
	}()
}

// ReindexAllFromPG pushes every searchable row from PostgreSQL into
// Meilisearch. It runs once at startup when both backends are available.
func (s *Service) ReindexAllFromPG(ctx context.Context, loader RecordLoader) {
	if s.meili == nil || !s.meili.Healthy() || loader == nil {
		return
	}
	contracts, suggestions, comments, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexContracts(contracts); err != nil {
		s.log.Warn().Err(err).Msg("reindex contracts")
	}
	if err := s.meili.IndexSuggestions(suggestions); err != nil {
		s.log.Warn().Err(err).Msg("reindex suggestions")
	}
	if err := s.meili.IndexComments(comments); err != nil {
		s.log.Warn().Err(err).Msg("reindex comments")
	}
	s.log.Info().
		Int("contracts", len(contracts)).
		Int("suggestions", len(suggestions)).
		Int("comments", len(comments)).
		Msg("reindexed from postgres")
}

// RecordLoader reads every searchable record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]ContractRecord, []SuggestionRecord, []CommentRecord, error)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
