package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexicontract/api/internal/collab"
	"lexicontract/api/internal/commandlist"
	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/editor"
	"lexicontract/api/internal/highlight"
	"lexicontract/api/internal/negotiation"
	"lexicontract/api/internal/presence"
)

const agreement = "Pay within 30 days."

type loopback struct{ synced []func() }

func (l *loopback) Connect(context.Context) {
	for _, fn := range l.synced {
		fn()
	}
}
func (l *loopback) Synced() bool                         { return true }
func (l *loopback) OnSynced(fn func())                   { l.synced = append(l.synced, fn) }
func (l *loopback) SetLocalState(presence.State)         {}
func (l *loopback) Peers() []presence.Peer               { return nil }
func (l *loopback) OnPeers(func([]presence.Peer)) func() { return func() {} }
func (l *loopback) Close() error                         { return nil }

type backend struct {
	mu       sync.Mutex
	prompts  []string
	statuses map[string]contract.Status
}

func (b *backend) UpdateSuggestionStatus(_ context.Context, _, _, id string, status contract.Status) (contract.AnalysisSuggestion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statuses == nil {
		b.statuses = map[string]contract.Status{}
	}
	b.statuses[id] = status
	return contract.AnalysisSuggestion{ID: id, Status: status}, nil
}

func (b *backend) CreateComment(_ context.Context, _, versionID string, span contract.Span, text string) (contract.UserComment, error) {
	return contract.UserComment{ID: "cm_1", VersionID: versionID, Span: span, CommentText: text}, nil
}

func (b *backend) GenerateClause(_ context.Context, prompt string) (string, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, prompt)
	b.mu.Unlock()
	return "Late fees apply. ", nil
}

func testDetail() contract.VersionDetail {
	suggested := "14 days"
	return contract.VersionDetail{
		Contract: contract.Contract{ID: "c1", Filename: "msa.txt"},
		Version:  contract.Version{ID: "v1", ContractID: "c1", Number: 1, FullText: agreement},
		Suggestions: []contract.AnalysisSuggestion{
			{ID: "s1", VersionID: "v1", Span: contract.NewSpan(11, 18), OriginalText: "30 days", SuggestedText: &suggested, Status: contract.StatusSuggested},
		},
	}
}

func openRoom(t *testing.T, b *backend) *negotiation.Room {
	t.Helper()
	rooms := collab.NewRooms(func(string, collab.Document) collab.Transport { return &loopback{} }, collab.RoomsOptions{Log: zerolog.Nop()})
	room, err := negotiation.OpenRoom(context.Background(), testDetail(), negotiation.Options{
		Rooms:      rooms,
		Backend:    b,
		User:       negotiation.Identity{ID: "u1", Name: "alice"},
		Palette:    presence.DefaultPalette(),
		Candidates: commandlist.DefaultCandidates(),
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = room.Close() })
	return room
}

func TestRenderMarked(t *testing.T) {
	d := testDetail()
	segments := highlight.Segments(d.Version.FullText, d.Suggestions, nil)

	assert.Equal(t, "Pay within [30 days]{s1}.", renderMarked(segments, ""))
	assert.Equal(t, "Pay within [[30 days]]{s1}.", renderMarked(segments, "s1"))
}

func TestRenderCaret(t *testing.T) {
	assert.Equal(t, "|Pay", renderCaret("Pay", editor.Range{}))
	assert.Equal(t, "P«ay»", renderCaret("Pay", editor.Range{From: 1, To: 3}))
	assert.Equal(t, "«Pa»y", renderCaret("Pay", editor.Range{From: 2, To: 0}))
	assert.Equal(t, "Pay|", renderCaret("Pay", editor.Range{From: 9, To: 9}))
}

func TestReplSlashCommandGeneratesClause(t *testing.T) {
	b := &backend{}
	room := openRoom(t, b)

	in := strings.NewReader(strings.Join([]string{
		":caret 0",
		"/",
		":enter",
		"late payment",
		":quit",
	}, "\n"))
	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), room, in, &out))

	assert.Equal(t, "Late fees apply. Pay within 30 days.", room.Text())
	assert.Equal(t, []string{"late payment"}, b.prompts)
	assert.Contains(t, out.String(), "> Generate Clause")
	assert.Contains(t, out.String(), "clause> ")
	assert.False(t, room.GeneratorOpen())
}

func TestReplAcceptAndComment(t *testing.T) {
	b := &backend{}
	room := openRoom(t, b)

	in := strings.NewReader(":accept s1\n:select 0 3\n:comment check this\n:bogus\n")
	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), room, in, &out))

	item, ok := room.Suggestions().Get("s1")
	require.True(t, ok)
	assert.Equal(t, contract.StatusAccepted, item.Status)
	assert.Equal(t, contract.StatusAccepted, b.statuses["s1"])

	require.Len(t, room.Comments(), 1)
	assert.Equal(t, contract.NewSpan(0, 3), room.Comments()[0].Span)
	assert.Contains(t, out.String(), "comment cm_1 added")
	assert.Contains(t, out.String(), "error: unknown command :bogus")
}

func TestStepRejectsBadOffsets(t *testing.T) {
	room := openRoom(t, &backend{})
	var out bytes.Buffer

	_, err := step(context.Background(), room, ":caret x", &out)
	assert.Error(t, err)
	_, err = step(context.Background(), room, ":select 1", &out)
	assert.Error(t, err)

	quit, err := step(context.Background(), room, ":quit", &out)
	require.NoError(t, err)
	assert.True(t, quit)
}
