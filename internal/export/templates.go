package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/highlight"
)

var redlineTemplate = template.Must(template.New("redline").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(redlineHTML))

// TemplateData holds data for redline template rendering
type TemplateData struct {
	Title         string
	VersionNumber int
	Status        string
	GeneratedAt   time.Time
	Segments      []TemplateSegment
	Suggestions   []TemplateSuggestion
	Comments      []TemplateComment
}

// TemplateSegment is one run of contract text. Replacement is only set for
// accepted suggestions that carry new text; the original is then shown
// struck through next to it.
type TemplateSegment struct {
	Text        string
	Class       string
	Replacement string
	Note        string
}

type TemplateSuggestion struct {
	RiskCategory string
	Status       string
	OriginalText string
	Suggested    string
	Comment      string
}

type TemplateComment struct {
	Author string
	Quote  string
	Text   string
}

var exportStyles = highlight.Styles{
	Base:      "hl",
	Comment:   "hl-comment",
	Accepted:  "hl-accepted",
	Rejected:  "hl-rejected",
	Suggested: "hl-suggested",
}

// buildTemplateData turns a version into redline template data.
func buildTemplateData(detail contract.VersionDetail, now time.Time) TemplateData {
	data := TemplateData{
		Title:         detail.Contract.Filename,
		VersionNumber: detail.Version.Number,
		Status:        string(detail.Contract.NegotiationStatus),
		GeneratedAt:   now,
	}

	for _, seg := range highlight.Segments(detail.Version.FullText, detail.Suggestions, detail.Comments) {
		ts := TemplateSegment{Text: seg.Text}
		if seg.Annotation != nil {
			a := *seg.Annotation
			ts.Class = exportStyles.ClassFor(a, "")
			switch a.Kind {
			case highlight.KindSuggestion:
				ts.Note = a.Suggestion.Comment
				if a.Suggestion.Status == contract.StatusAccepted && a.Suggestion.SuggestedText != nil {
					ts.Replacement = *a.Suggestion.SuggestedText
				}
			case highlight.KindComment:
				ts.Note = a.Comment.CommentText
			}
		}
		data.Segments = append(data.Segments, ts)
	}

	units := contract.Encode(detail.Version.FullText)
	for _, s := range detail.Suggestions {
		ts := TemplateSuggestion{
			RiskCategory: s.RiskCategory,
			Status:       string(s.Status),
			OriginalText: s.OriginalText,
			Comment:      s.Comment,
		}
		if s.SuggestedText != nil {
			ts.Suggested = *s.SuggestedText
		}
		data.Suggestions = append(data.Suggestions, ts)
	}
	for _, c := range detail.Comments {
		tc := TemplateComment{Author: c.AuthorName, Text: c.CommentText}
		if c.Span.Usable(units.Len()) {
			tc.Quote = units.Slice(c.Span.Start.Value, c.Span.End.Value)
		}
		if tc.Author == "" {
			tc.Author = "Unknown"
		}
		data.Comments = append(data.Comments, tc)
	}
	return data
}

// RenderRedlineHTML renders the redline template with provided data
func RenderRedlineHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := redlineTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const redlineHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} v{{.VersionNumber}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .text { white-space: pre-wrap; }
    .hl { padding: 0 2px; border-radius: 2px; }
    .hl-comment { background: #bfdbfe; }
    .hl-suggested { background: #fef08a; }
    .hl-accepted { background: #bbf7d0; }
    .hl-rejected { background: #fecaca; text-decoration: line-through; }
    del { color: #991b1b; }
    ins { color: #166534; text-decoration: underline; }
    table { border-collapse: collapse; width: 100%; font-size: 0.9em; }
    td, th { border: 1px solid #ddd; padding: 0.4rem; vertical-align: top; }
    .comment { background: #f5f5f5; padding: 0.75rem; margin: 0.75rem 0; border-left: 3px solid #333; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Version {{.VersionNumber}} | {{.Status}} | {{formatDate .GeneratedAt "Jan 2, 2006"}}</div>
  <div class="text">{{range .Segments}}{{if .Replacement}}<del class="{{.Class}}">{{.Text}}</del><ins>{{.Replacement}}</ins>{{else if .Class}}<span class="{{.Class}}"{{if .Note}} title="{{.Note}}"{{end}}>{{.Text}}</span>{{else}}{{.Text}}{{end}}{{end}}</div>
  {{if .Suggestions}}
  <h2>Suggestions</h2>
  <table>
    <tr><th>Risk</th><th>Status</th><th>Original</th><th>Suggested</th><th>Rationale</th></tr>
    {{range .Suggestions}}<tr class="{{lower .Status}}"><td>{{.RiskCategory}}</td><td>{{.Status}}</td><td>{{.OriginalText}}</td><td>{{.Suggested}}</td><td>{{.Comment}}</td></tr>
    {{end}}
  </table>
  {{end}}
  {{if .Comments}}
  <h2>Comments</h2>
  {{range .Comments}}<div class="comment"><strong>{{.Author}}</strong>{{if .Quote}} on &ldquo;{{.Quote}}&rdquo;{{end}}<p>{{.Text}}</p></div>
  {{end}}
  {{end}}
</body>
</html>`
