// Package commandlist is the keyboard-driven menu opened by a slash
// command. It filters candidates and tracks the selection; mutating the
// document is left to the caller's callback.
package commandlist

import "strings"

// Candidate is one entry of the menu.
type Candidate struct {
	Title  string
	Action string
}

// DefaultCandidates is the catalog used when none is configured.
func DefaultCandidates() []Candidate {
	return []Candidate{{Title: "Generate Clause", Action: "generate-clause"}}
}

// Placeholder is shown when the filtered list is empty.
const Placeholder = "No results"

type Key string

const (
	KeyUp     Key = "ArrowUp"
	KeyDown   Key = "ArrowDown"
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
)

// Filter returns candidates whose title starts with query, ignoring case.
// An empty query returns every candidate.
func Filter(candidates []Candidate, query string) []Candidate {
	needle := strings.ToLower(query)
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c.Title), needle) {
			out = append(out, c)
		}
	}
	return out
}

// List is the open menu state.
type List struct {
	items    []Candidate
	selected int
	onSelect func(Candidate)
}

func New(onSelect func(Candidate)) *List {
	return &List{onSelect: onSelect}
}

// SetItems replaces the candidates and resets the selection to the top.
func (l *List) SetItems(items []Candidate) {
	l.items = append([]Candidate(nil), items...)
	l.selected = 0
}

func (l *List) Items() []Candidate {
	return append([]Candidate(nil), l.items...)
}

func (l *List) Empty() bool {
	return len(l.items) == 0
}

func (l *List) SelectedIndex() int {
	return l.selected
}

// Selected returns the highlighted candidate, false when the list is empty.
func (l *List) Selected() (Candidate, bool) {
	if l.Empty() {
		return Candidate{}, false
	}
	return l.items[l.selected], true
}

func (l *List) Up() {
	n := len(l.items)
	if n == 0 {
		return
	}
	l.selected = (l.selected + n - 1) % n
}

func (l *List) Down() {
	n := len(l.items)
	if n == 0 {
		return
	}
	l.selected = (l.selected + 1) % n
}

// Choose invokes the callback with the selected candidate.
func (l *List) Choose() bool {
	item, ok := l.Selected()
	if !ok {
		return false
	}
	if l.onSelect != nil {
		l.onSelect(item)
	}
	return true
}

// HandleKey reports whether the key was consumed. Enter on an empty list
// is consumed without selecting anything.
func (l *List) HandleKey(key Key) bool {
	switch key {
	case KeyUp:
		l.Up()
		return true
	case KeyDown:
		l.Down()
		return true
	case KeyEnter:
		l.Choose()
		return true
	default:
		return false
	}
}

// Lines renders the menu as text, marking the selection with '>'.
func (l *List) Lines() []string {
	if l.Empty() {
		return []string{Placeholder}
	}
	lines := make([]string, len(l.items))
	for i, item := range l.items {
		prefix := "  "
		if i == l.selected {
			prefix = "> "
		}
		lines[i] = prefix + item.Title
	}
	return lines
}
