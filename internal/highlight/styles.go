package highlight

import "lexicontract/api/internal/contract"

// Styles maps annotation kind and status to CSS classes.
type Styles struct {
	Base      string
	Hovered   string
	Comment   string
	Accepted  string
	Rejected  string
	Suggested string
}

func DefaultStyles() Styles {
	return Styles{
		Base:      "px-1 rounded cursor-pointer transition-all duration-150",
		Hovered:   "ring-2 ring-blue-500 ring-offset-2",
		Comment:   "bg-blue-200 hover:bg-blue-300",
		Accepted:  "bg-green-200 hover:bg-green-300",
		Rejected:  "bg-red-200 hover:bg-red-300 line-through",
		Suggested: "bg-yellow-200 hover:bg-yellow-300",
	}
}

// ClassFor returns the class list for an annotation. The hover ring is
// added when the annotation id equals hoveredID.
func (s Styles) ClassFor(a Annotation, hoveredID string) string {
	class := s.Base
	if hoveredID != "" && a.ID() == hoveredID {
		class += " " + s.Hovered
	}

	if a.Kind == KindComment {
		return class + " " + s.Comment
	}
	switch a.Status() {
	case contract.StatusAccepted:
		return class + " " + s.Accepted
	case contract.StatusRejected:
		return class + " " + s.Rejected
	default:
		return class + " " + s.Suggested
	}
}
