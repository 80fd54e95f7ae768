// Package highlight partitions contract text into plain and annotated
// segments for rendering suggestion and comment overlays.
package highlight

import (
	"sort"

	"lexicontract/api/internal/contract"
)

type Kind string

const (
	KindSuggestion Kind = "suggestion"
	KindComment    Kind = "comment"
)

// Annotation is either a suggestion or a comment; exactly one of the two
// pointers is set, matching Kind.
type Annotation struct {
	Kind       Kind
	Suggestion *contract.AnalysisSuggestion
	Comment    *contract.UserComment
}

func FromSuggestion(s contract.AnalysisSuggestion) Annotation {
	return Annotation{Kind: KindSuggestion, Suggestion: &s}
}

func FromComment(c contract.UserComment) Annotation {
	return Annotation{Kind: KindComment, Comment: &c}
}

func (a Annotation) ID() string {
	switch a.Kind {
	case KindSuggestion:
		return a.Suggestion.ID
	case KindComment:
		return a.Comment.ID
	}
	return ""
}

func (a Annotation) Span() contract.Span {
	switch a.Kind {
	case KindSuggestion:
		return a.Suggestion.Span
	case KindComment:
		return a.Comment.Span
	}
	return contract.Span{}
}

// Status is the suggestion status, or empty for comments.
func (a Annotation) Status() contract.Status {
	if a.Kind == KindSuggestion {
		return a.Suggestion.Status
	}
	return ""
}

// Segment is a run of text. Annotation is nil for plain text.
type Segment struct {
	Text       string
	Annotation *Annotation
}

func (s Segment) IsHighlight() bool {
	return s.Annotation != nil
}

// Segments splits fullText around the given annotations. Suggestions and
// comments are merged (suggestions first), stably sorted by start offset,
// and any annotation starting before the end of the previously rendered
// one is skipped. Annotations whose span is not a pair of integers inside
// the text are dropped, as are spans that would cut a surrogate pair. The
// concatenated segment text always equals fullText; with nothing to
// highlight the result is a single plain segment, even for empty text.
func Segments(fullText string, suggestions []contract.AnalysisSuggestion, comments []contract.UserComment) []Segment {
	text := contract.NewText(fullText)

	annotations := make([]Annotation, 0, len(suggestions)+len(comments))
	for _, s := range suggestions {
		annotations = append(annotations, FromSuggestion(s))
	}
	for _, c := range comments {
		annotations = append(annotations, FromComment(c))
	}

	usable := annotations[:0]
	for _, a := range annotations {
		span := a.Span()
		if !span.Usable(text.Len()) || text.SplitsPair(span.Start.Value) || text.SplitsPair(span.End.Value) {
			continue
		}
		usable = append(usable, a)
	}
	if len(usable) == 0 {
		return []Segment{{Text: fullText}}
	}

	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Span().Start.Value < usable[j].Span().Start.Value
	})

	segments := make([]Segment, 0, 2*len(usable)+1)
	lastIndex := 0
	for i := range usable {
		a := usable[i]
		start, end := a.Span().Start.Value, a.Span().End.Value
		if start < lastIndex {
			continue
		}
		if start > lastIndex {
			segments = append(segments, Segment{Text: text.Slice(lastIndex, start)})
		}
		segments = append(segments, Segment{Text: text.Slice(start, end), Annotation: &a})
		lastIndex = end
	}
	if lastIndex < text.Len() {
		segments = append(segments, Segment{Text: text.Slice(lastIndex, text.Len())})
	}
	return segments
}

// Join concatenates segment text.
func Join(segments []Segment) string {
	n := 0
	for _, s := range segments {
		n += len(s.Text)
	}
	buf := make([]byte, 0, n)
	for _, s := range segments {
		buf = append(buf, s.Text...)
	}
	return string(buf)
}
