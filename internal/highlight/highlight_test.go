package highlight

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexicontract/api/internal/contract"
)

func suggestionAt(id string, start, end int) contract.AnalysisSuggestion {
	return contract.AnalysisSuggestion{ID: id, Span: contract.NewSpan(start, end), Status: contract.StatusSuggested}
}

func commentAt(id string, start, end int) contract.UserComment {
	return contract.UserComment{ID: id, Span: contract.NewSpan(start, end)}
}

func TestSegmentsSplitsAroundAnnotations(t *testing.T) {
	text := "Payment is due within 90 days of invoice."
	segments := Segments(text,
		[]contract.AnalysisSuggestion{suggestionAt("s1", 22, 29)},
		[]contract.UserComment{commentAt("c1", 0, 7)},
	)

	require.Len(t, segments, 4)
	assert.Equal(t, "Payment", segments[0].Text)
	assert.Equal(t, KindComment, segments[0].Annotation.Kind)
	assert.Equal(t, " is due within ", segments[1].Text)
	assert.False(t, segments[1].IsHighlight())
	assert.Equal(t, "90 days", segments[2].Text)
	assert.Equal(t, "s1", segments[2].Annotation.ID())
	assert.Equal(t, " of invoice.", segments[3].Text)
}

func TestSegmentsOverlapFirstStartingWins(t *testing.T) {
	text := "abcdefghijklmnopqrstuvwxyz"
	a := suggestionAt("A", 0, 10)
	b := suggestionAt("B", 5, 15)

	for _, order := range [][]contract.AnalysisSuggestion{{a, b}, {b, a}} {
		segments := Segments(text, order, nil)
		require.Len(t, segments, 2)
		assert.Equal(t, "A", segments[0].Annotation.ID())
		assert.Equal(t, "abcdefghij", segments[0].Text)
		assert.False(t, segments[1].IsHighlight())
		assert.Equal(t, "klmnopqrstuvwxyz", segments[1].Text)
	}
}

func TestSegmentsOverlapAcrossKinds(t *testing.T) {
	text := "abcdefghijklmnopqrstuvwxyz"
	segments := Segments(text,
		[]contract.AnalysisSuggestion{suggestionAt("S", 5, 15)},
		[]contract.UserComment{commentAt("C", 0, 10)},
	)
	var ids []string
	for _, s := range segments {
		if s.IsHighlight() {
			ids = append(ids, s.Annotation.ID())
		}
	}
	assert.Equal(t, []string{"C"}, ids)
}

func TestSegmentsTiePrefersSuggestion(t *testing.T) {
	segments := Segments("abcdef",
		[]contract.AnalysisSuggestion{suggestionAt("S", 0, 3)},
		[]contract.UserComment{commentAt("C", 0, 3)},
	)
	require.Len(t, segments, 2)
	assert.Equal(t, KindSuggestion, segments[0].Annotation.Kind)
}

func TestSegmentsAdjacentSpansBothRender(t *testing.T) {
	segments := Segments("abcdef",
		[]contract.AnalysisSuggestion{suggestionAt("S", 0, 3)},
		[]contract.UserComment{commentAt("C", 3, 6)},
	)
	require.Len(t, segments, 2)
	assert.Equal(t, "S", segments[0].Annotation.ID())
	assert.Equal(t, "C", segments[1].Annotation.ID())
}

func TestSegmentsNoAnnotations(t *testing.T) {
	assert.Equal(t, []Segment{{Text: "Hello world"}}, Segments("Hello world", nil, nil))
	assert.Equal(t, []Segment{{Text: ""}}, Segments("", nil, nil))
}

func TestSegmentsDropsMalformedStart(t *testing.T) {
	var suggestions []contract.AnalysisSuggestion
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"s1","span":{"start":"x","end":5},"status":"suggested"}]`), &suggestions))

	segments := Segments("Hello world", suggestions, nil)
	assert.Equal(t, []Segment{{Text: "Hello world"}}, segments)
}

func TestSegmentsDropsOutOfRangeSpans(t *testing.T) {
	segments := Segments("short",
		[]contract.AnalysisSuggestion{suggestionAt("far", 2, 50), suggestionAt("empty", 2, 2), suggestionAt("neg", -1, 2)},
		nil,
	)
	assert.Equal(t, []Segment{{Text: "short"}}, segments)
}

func TestSegmentsUsesUTF16Offsets(t *testing.T) {
	text := "😀 fee é ok"
	// 😀 occupies two code units, so "fee" starts at 3.
	segments := Segments(text, []contract.AnalysisSuggestion{suggestionAt("s", 3, 6)}, nil)
	require.Len(t, segments, 3)
	assert.Equal(t, "😀 ", segments[0].Text)
	assert.Equal(t, "fee", segments[1].Text)
	assert.Equal(t, text, Join(segments))
}

func TestSegmentsRejectsSplitSurrogate(t *testing.T) {
	text := "a😀b"
	segments := Segments(text, []contract.AnalysisSuggestion{suggestionAt("s", 2, 4)}, nil)
	assert.Equal(t, []Segment{{Text: text}}, segments)
}

func TestSegmentsRoundTripRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	texts := []string{"", "a", "Hello world", "Términos y condiciones 😀 del contrato", "line one\nline two\n", "ab\xffcd", "\xc3(\xe2\x82 😀 \xff"}

	for i := 0; i < 500; i++ {
		text := texts[rng.Intn(len(texts))]
		n := contract.Length(text)
		var suggestions []contract.AnalysisSuggestion
		var comments []contract.UserComment
		for j := rng.Intn(6); j > 0; j-- {
			start, end := rng.Intn(n+3)-1, rng.Intn(n+3)-1
			span := contract.NewSpan(start, end)
			if rng.Intn(5) == 0 {
				span.Start = contract.Offset{}
			}
			if rng.Intn(2) == 0 {
				suggestions = append(suggestions, contract.AnalysisSuggestion{ID: "s", Span: span})
			} else {
				comments = append(comments, contract.UserComment{ID: "c", Span: span})
			}
		}

		segments := Segments(text, suggestions, comments)
		require.Equal(t, text, Join(segments), "round trip failed for %q", text)
		for _, s := range segments {
			if s.IsHighlight() {
				assert.NotEmpty(t, s.Text)
			}
		}
	}
}

func TestSegmentsKeepInvalidUTF8(t *testing.T) {
	text := "ab\xffcd"
	segments := Segments(text, []contract.AnalysisSuggestion{suggestionAt("s1", 0, 1)}, nil)
	require.Len(t, segments, 2)
	assert.Equal(t, "a", segments[0].Text)
	assert.Equal(t, "b\xffcd", segments[1].Text)
	assert.Equal(t, text, Join(segments))

	segments = Segments(text, []contract.AnalysisSuggestion{suggestionAt("s1", 2, 3)}, nil)
	require.Len(t, segments, 3)
	assert.Equal(t, "\xff", segments[1].Text)
	assert.Equal(t, text, Join(segments))
}

func TestClassFor(t *testing.T) {
	styles := DefaultStyles()
	base := "px-1 rounded cursor-pointer transition-all duration-150"

	accepted := suggestionAt("s1", 0, 1)
	accepted.Status = contract.StatusAccepted
	rejected := suggestionAt("s2", 0, 1)
	rejected.Status = contract.StatusRejected

	assert.Equal(t, base+" bg-blue-200 hover:bg-blue-300", styles.ClassFor(FromComment(commentAt("c", 0, 1)), ""))
	assert.Equal(t, base+" bg-green-200 hover:bg-green-300", styles.ClassFor(FromSuggestion(accepted), ""))
	assert.Equal(t, base+" bg-red-200 hover:bg-red-300 line-through", styles.ClassFor(FromSuggestion(rejected), ""))
	assert.Equal(t, base+" bg-yellow-200 hover:bg-yellow-300", styles.ClassFor(FromSuggestion(suggestionAt("s3", 0, 1)), ""))
	assert.Equal(t,
		base+" ring-2 ring-blue-500 ring-offset-2 bg-green-200 hover:bg-green-300",
		styles.ClassFor(FromSuggestion(accepted), "s1"),
	)
}

func TestRender(t *testing.T) {
	suggestions := []contract.AnalysisSuggestion{
		{ID: "s1", Span: contract.NewSpan(0, 5), Status: contract.StatusRejected},
	}
	comments := []contract.UserComment{{ID: "c1", Span: contract.NewSpan(6, 11)}}
	views := DefaultStyles().Render(Segments("Hello world", suggestions, comments), "c1")

	require.Len(t, views, 3)
	assert.Equal(t, View{Text: " "}, views[1])
	assert.True(t, views[0].IsHighlight)
	assert.Equal(t, KindSuggestion, views[0].Kind)
	assert.Equal(t, "s1", views[0].AnnotationID)
	assert.Equal(t, contract.StatusRejected, views[0].Status)
	assert.Contains(t, views[0].Class, "line-through")
	assert.NotContains(t, views[0].Class, "ring-2")
	assert.Equal(t, KindComment, views[2].Kind)
	assert.Contains(t, views[2].Class, "ring-2")
	assert.Empty(t, views[2].Status)
}
