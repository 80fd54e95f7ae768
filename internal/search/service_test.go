package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	results []Result
	total   int
	err     error
	queries []Query
}

func (f *fakeSearcher) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.queries = append(f.queries, q)
	return f.results, f.total, f.err
}

func (f *fakeSearcher) Healthy() bool { return true }

func TestSearchBlankQueryReturnsEmpty(t *testing.T) {
	fallback := &fakeSearcher{results: []Result{{ID: "x"}}, total: 1}
	svc := NewService(nil, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "   ", OrgID: "org-1"})
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	assert.Zero(t, resp.Total)
	assert.Empty(t, fallback.queries)
}

func TestSearchWithoutOrganizationReturnsEmpty(t *testing.T) {
	fallback := &fakeSearcher{results: []Result{{ID: "x"}}, total: 1}
	svc := NewService(nil, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "indemnity"})
	assert.Empty(t, resp.Results)
	assert.Empty(t, fallback.queries)
}

func TestSearchFallsBackToPostgres(t *testing.T) {
	fallback := &fakeSearcher{
		results: []Result{{Type: ResultSuggestion, ID: "s1", ContractID: "c1"}},
		total:   1,
	}
	svc := NewService(nil, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "indemnity", OrgID: "org-1", Limit: 500, Offset: -4})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "s1", resp.Results[0].ID)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "indemnity", resp.Query)

	require.Len(t, fallback.queries, 1)
	assert.Equal(t, 20, fallback.queries[0].Limit)
	assert.Equal(t, 0, fallback.queries[0].Offset)
	assert.Equal(t, "org-1", fallback.queries[0].OrgID)
}

func TestSearchFallbackErrorYieldsEmptyResponse(t *testing.T) {
	fallback := &fakeSearcher{err: errors.New("boom")}
	svc := NewService(nil, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "term", OrgID: "org-1"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, "term", resp.Query)
}

func TestParseResultType(t *testing.T) {
	cases := map[string]ResultType{
		"contract":   ResultContract,
		"suggestion": ResultSuggestion,
		"comment":    ResultComment,
		"":           "",
		"thread":     "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseResultType(in), in)
	}
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}

	contractHit := meili.Hit{
		"id":         raw("c1"),
		"filename":   raw("msa.txt"),
		"versionId":  raw("v2"),
		"_formatted": raw(map[string]string{"text": "the <mark>indemnity</mark> clause"}),
	}
	r := hitToResult(contractHit, indexToResultType(idxContracts))
	assert.Equal(t, ResultContract, r.Type)
	assert.Equal(t, "c1", r.ContractID)
	assert.Equal(t, "msa.txt", r.Title)
	assert.Equal(t, "the <mark>indemnity</mark> clause", r.Snippet)

	commentHit := meili.Hit{
		"id":          raw("m1"),
		"contractId":  raw("c1"),
		"commentText": raw("please revisit"),
	}
	r = hitToResult(commentHit, indexToResultType(idxComments))
	assert.Equal(t, ResultComment, r.Type)
	assert.Equal(t, "Comment", r.Title)
	assert.Equal(t, "please revisit", r.Snippet)
	assert.Equal(t, "c1", r.ContractID)
}
