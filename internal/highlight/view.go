package highlight

import "lexicontract/api/internal/contract"

// View is a segment flattened for JSON clients and templates.
type View struct {
	Text         string          `json:"text"`
	IsHighlight  bool            `json:"isHighlight"`
	Kind         Kind            `json:"kind,omitempty"`
	AnnotationID string          `json:"annotationId,omitempty"`
	Status       contract.Status `json:"status,omitempty"`
	Class        string          `json:"class,omitempty"`
}

// Render styles segments; hoveredID adds the hover ring to one annotation.
func (s Styles) Render(segments []Segment, hoveredID string) []View {
	views := make([]View, len(segments))
	for i, seg := range segments {
		views[i] = View{Text: seg.Text}
		if seg.Annotation == nil {
			continue
		}
		a := *seg.Annotation
		views[i].IsHighlight = true
		views[i].Kind = a.Kind
		views[i].AnnotationID = a.ID()
		views[i].Status = a.Status()
		views[i].Class = s.ClassFor(a, hoveredID)
	}
	return views
}
