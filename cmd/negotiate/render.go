package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/editor"
	"lexicontract/api/internal/highlight"
)

// renderMarked brackets highlighted runs and tags them with their
// annotation id. The hovered annotation uses double brackets.
func renderMarked(segments []highlight.Segment, hoveredID string) string {
	var b strings.Builder
	for _, seg := range segments {
		if !seg.IsHighlight() {
			b.WriteString(seg.Text)
			continue
		}
		open, closing := "[", "]"
		if seg.Annotation.ID() == hoveredID {
			open, closing = "[[", "]]"
		}
		fmt.Fprintf(&b, "%s%s%s{%s}", open, seg.Text, closing, seg.Annotation.ID())
	}
	return b.String()
}

func printAnnotations(out io.Writer, suggestions []contract.AnalysisSuggestion, comments []contract.UserComment) {
	if len(suggestions) == 0 && len(comments) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tNOTE")
	for _, s := range suggestions {
		note := s.Comment
		if s.SuggestedText != nil {
			note = fmt.Sprintf("%q -> %q  %s", s.OriginalText, *s.SuggestedText, s.Comment)
		}
		fmt.Fprintf(w, "%s\tsuggestion\t%s\t%s\n", s.ID, s.Status, note)
	}
	for _, c := range comments {
		fmt.Fprintf(w, "%s\tcomment\t\t%s: %s\n", c.ID, firstNonEmpty(c.AuthorName, c.AuthorID), c.CommentText)
	}
	_ = w.Flush()
}

// renderCaret inserts a bar at the caret, or brackets the selection.
func renderCaret(text string, sel editor.Range) string {
	units := contract.Encode(text)
	from, to := clamp(sel.From, units.Len()), clamp(sel.To, units.Len())
	if from > to {
		from, to = to, from
	}
	if from == to {
		return units.Slice(0, from) + "|" + units.Slice(from, units.Len())
	}
	return units.Slice(0, from) + "«" + units.Slice(from, to) + "»" + units.Slice(to, units.Len())
}

func clamp(v, n int) int {
	return max(0, min(v, n))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
