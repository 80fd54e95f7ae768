package contract

import (
	"sort"
	"unicode/utf16"
)

// ApplySuggestions returns text with accepted suggestions replaced by
// their suggested text and rejected ones restored to their original text.
// Suggestions still under review, malformed spans, and accepted
// suggestions without replacement text leave the text untouched. Edits are
// applied from the end of the document backwards so earlier offsets stay
// valid.
func ApplySuggestions(text string, suggestions []AnalysisSuggestion) string {
	if text == "" {
		return ""
	}
	units := Encode(text)
	usable := make([]AnalysisSuggestion, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Span.Usable(units.Len()) {
			usable = append(usable, s)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Span.End.Value > usable[j].Span.End.Value
	})

	out := append(Units(nil), units...)
	for _, s := range usable {
		var replacement string
		switch s.Status {
		case StatusAccepted:
			if s.SuggestedText == nil {
				continue
			}
			replacement = *s.SuggestedText
		case StatusRejected:
			replacement = s.OriginalText
		default:
			continue
		}
		start, end := s.Span.Start.Value, s.Span.End.Value
		if end > out.Len() {
			continue
		}
		next := make(Units, 0, out.Len()-(end-start)+len(replacement))
		next = append(next, out[:start]...)
		next = append(next, Encode(replacement)...)
		next = append(next, out[end:]...)
		out = next
	}
	return string(utf16.Decode(out))
}
