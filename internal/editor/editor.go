// Package editor is the editing surface over a shared collab.Document:
// a local caret or selection, the slash-command overlay and the carets of
// remote sessions.
package editor

import (
	"errors"
	"sync"
	"unicode"

	"lexicontract/api/internal/collab"
	"lexicontract/api/internal/commandlist"
	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/presence"
)

var ErrNoOverlay = errors.New("command overlay is closed")

// Range is a half-open [From, To) interval in UTF-16 units.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r Range) Empty() bool {
	return r.From == r.To
}

// CommandHandler runs a chosen command. The trigger text has already been
// deleted; r is the range it occupied and the caret sits at r.From.
type CommandHandler func(e *Editor, r Range, c commandlist.Candidate)

// Overlay is the visible state of the command menu.
type Overlay struct {
	Open     bool
	Query    string
	Range    Range
	Items    []commandlist.Candidate
	Selected int
	Lines    []string
}

// RemoteCaret is a peer's caret or selection ready to draw.
type RemoteCaret struct {
	SessionID string
	Name      string
	Color     string
	Anchor    int
	Head      int
}

type Options struct {
	// Trigger opens the command overlay. Defaults to '/'.
	Trigger    rune
	Candidates []commandlist.Candidate
	OnCommand  CommandHandler
	// Cursor receives every local caret move, typically Session.SetCursor.
	Cursor func(*presence.Cursor) error
	// Peers lists remote sessions, typically Session.Peers.
	Peers func() []presence.Peer
}

type Editor struct {
	doc        collab.Document
	trigger    string
	candidates []commandlist.Candidate
	onCommand  CommandHandler
	cursor     func(*presence.Cursor) error
	peers      func() []presence.Peer
	unobserve  func()

	mu      sync.Mutex
	anchor  int
	head    int
	open    bool
	from    int
	query   string
	list    *commandlist.List
	pending *commandlist.Candidate
}

func New(doc collab.Document, opts Options) *Editor {
	if opts.Trigger == 0 {
		opts.Trigger = '/'
	}
	if opts.Candidates == nil {
		opts.Candidates = commandlist.DefaultCandidates()
	}
	e := &Editor{
		doc:        doc,
		trigger:    string(opts.Trigger),
		candidates: append([]commandlist.Candidate(nil), opts.Candidates...),
		onCommand:  opts.OnCommand,
		cursor:     opts.Cursor,
		peers:      opts.Peers,
	}
	e.list = commandlist.New(func(c commandlist.Candidate) { e.pending = &c })
	e.unobserve = doc.Observe(e.onChange)
	return e
}

// Detach stops following document changes.
func (e *Editor) Detach() {
	if e.unobserve != nil {
		e.unobserve()
	}
}

func (e *Editor) Document() collab.Document {
	return e.doc
}

func (e *Editor) Text() string {
	return e.doc.String()
}

func (e *Editor) Caret() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head
}

// Selection returns the selected range, empty when only a caret is placed.
func (e *Editor) Selection() Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectionLocked()
}

func (e *Editor) selectionLocked() Range {
	if e.anchor <= e.head {
		return Range{From: e.anchor, To: e.head}
	}
	return Range{From: e.head, To: e.anchor}
}

// MoveCaret collapses the selection at pos, clamped to the document.
func (e *Editor) MoveCaret(pos int) {
	e.Select(pos, pos)
}

// Select sets anchor and head, clamped and kept off surrogate halves.
func (e *Editor) Select(anchor, head int) {
	units := contract.Encode(e.doc.String())
	e.mu.Lock()
	e.anchor = clamp(units, anchor)
	e.head = clamp(units, head)
	if e.open && (e.anchor != e.head || e.head < e.from+1 || e.head > e.queryEndLocked()) {
		e.closeLocked()
	}
	c := e.cursorLocked()
	e.mu.Unlock()
	e.publish(c)
}

// Type inserts text at the caret, replacing any selection, and drives the
// command overlay.
func (e *Editor) Type(text string) error {
	if text == "" {
		return nil
	}
	units := contract.Encode(e.doc.String())

	e.mu.Lock()
	sel := e.selectionLocked()
	precededBySpace := sel.From == 0 || unicode.IsSpace(lastRune(units.Slice(0, sel.From)))
	wasOpen := e.open
	atQueryEnd := wasOpen && sel.Empty() && sel.From == e.queryEndLocked()
	e.mu.Unlock()

	if err := e.replace(sel, text); err != nil {
		return err
	}

	e.mu.Lock()
	switch {
	case atQueryEnd && !containsSpace(text):
		e.query += text
		e.refilterLocked()
	case wasOpen:
		e.closeLocked()
	case text == e.trigger && sel.Empty() && precededBySpace:
		e.open = true
		e.from = sel.From
		e.query = ""
		e.refilterLocked()
	}
	c := e.cursorLocked()
	e.mu.Unlock()
	e.publish(c)
	return nil
}

// Backspace deletes the selection, or the character before the caret.
func (e *Editor) Backspace() error {
	units := contract.Encode(e.doc.String())

	e.mu.Lock()
	sel := e.selectionLocked()
	if sel.Empty() {
		if sel.From == 0 {
			e.mu.Unlock()
			return nil
		}
		sel.From--
		if units.SplitsPair(sel.From) {
			sel.From--
		}
	}
	e.mu.Unlock()

	if err := e.replace(sel, ""); err != nil {
		return err
	}

	e.mu.Lock()
	if e.open {
		switch {
		case sel.From <= e.from:
			e.closeLocked()
		case sel.To == e.queryEndLocked():
			e.query = contract.Encode(e.query).Slice(0, sel.From-e.from-1)
			e.refilterLocked()
		default:
			e.closeLocked()
		}
	}
	c := e.cursorLocked()
	e.mu.Unlock()
	e.publish(c)
	return nil
}

// Key handles navigation keys. It reports whether the key was consumed;
// with the overlay closed, Enter inserts a line break.
func (e *Editor) Key(key commandlist.Key) (bool, error) {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		if key == commandlist.KeyEnter {
			return true, e.Type("\n")
		}
		return false, nil
	}
	if key == commandlist.KeyEscape {
		e.closeLocked()
		e.mu.Unlock()
		return true, nil
	}
	consumed := e.list.HandleKey(key)
	chosen := e.pending
	e.pending = nil
	e.mu.Unlock()

	if chosen == nil {
		return consumed, nil
	}
	return true, e.runCommand(*chosen)
}

// Choose confirms the candidate at index in the open overlay.
func (e *Editor) Choose(index int) error {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return ErrNoOverlay
	}
	items := e.list.Items()
	if index < 0 || index >= len(items) {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.runCommand(items[index])
}

func (e *Editor) runCommand(c commandlist.Candidate) error {
	e.mu.Lock()
	r := Range{From: e.from, To: e.queryEndLocked()}
	e.closeLocked()
	e.mu.Unlock()

	if err := e.DeleteRange(r); err != nil {
		return err
	}
	if e.onCommand != nil {
		e.onCommand(e, r, c)
	}
	return nil
}

// Overlay returns the current menu state.
func (e *Editor) Overlay() Overlay {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return Overlay{}
	}
	return Overlay{
		Open:     true,
		Query:    e.query,
		Range:    Range{From: e.from, To: e.queryEndLocked()},
		Items:    e.list.Items(),
		Selected: e.list.SelectedIndex(),
		Lines:    e.list.Lines(),
	}
}

// InsertContentAtCurrentSelection replaces the selection with text and
// leaves the caret after it.
func (e *Editor) InsertContentAtCurrentSelection(text string) error {
	e.mu.Lock()
	sel := e.selectionLocked()
	if e.open {
		e.closeLocked()
	}
	e.mu.Unlock()

	if err := e.replace(sel, text); err != nil {
		return err
	}
	e.mu.Lock()
	c := e.cursorLocked()
	e.mu.Unlock()
	e.publish(c)
	return nil
}

// DeleteRange removes r and places the caret at r.From.
func (e *Editor) DeleteRange(r Range) error {
	return e.replace(r, "")
}

// replace swaps r for text in the document and moves the caret after it.
func (e *Editor) replace(r Range, text string) error {
	if r.To > r.From {
		if err := e.doc.Delete(r.From, r.To-r.From); err != nil {
			return err
		}
	}
	if err := e.doc.Insert(r.From, text); err != nil {
		return err
	}
	pos := r.From + contract.Length(text)
	e.mu.Lock()
	e.anchor, e.head = pos, pos
	e.mu.Unlock()
	return nil
}

// RemoteCarets lists peers that share a cursor, clamped to the current
// text. Peers without a name are shown as anonymous.
func (e *Editor) RemoteCarets() []RemoteCaret {
	if e.peers == nil {
		return nil
	}
	units := contract.Encode(e.doc.String())
	var carets []RemoteCaret
	for _, p := range e.peers() {
		if p.Cursor == nil {
			continue
		}
		user := p.User
		if user.Name == "" {
			user = presence.Anonymous
		}
		carets = append(carets, RemoteCaret{
			SessionID: p.SessionID,
			Name:      user.Name,
			Color:     user.Color,
			Anchor:    clamp(units, p.Cursor.Anchor),
			Head:      clamp(units, p.Cursor.Head),
		})
	}
	return carets
}

func (e *Editor) onChange(change collab.Change) {
	if change.Origin != collab.OriginRemote {
		return
	}
	units := contract.Encode(e.doc.String())
	e.mu.Lock()
	e.anchor = clamp(units, e.anchor)
	e.head = clamp(units, e.head)
	if e.open && (e.from >= units.Len() || units.Slice(e.from, e.from+1) != e.trigger) {
		e.closeLocked()
	}
	e.mu.Unlock()
}

func (e *Editor) queryEndLocked() int {
	return e.from + 1 + contract.Length(e.query)
}

func (e *Editor) refilterLocked() {
	e.list.SetItems(commandlist.Filter(e.candidates, e.query))
}

func (e *Editor) closeLocked() {
	e.open = false
	e.query = ""
	e.list.SetItems(nil)
}

func (e *Editor) cursorLocked() *presence.Cursor {
	return &presence.Cursor{Anchor: e.anchor, Head: e.head}
}

func (e *Editor) publish(c *presence.Cursor) {
	if e.cursor != nil {
		_ = e.cursor(c)
	}
}

func clamp(units contract.Units, pos int) int {
	if pos < 0 {
		return 0
	}
	if pos > units.Len() {
		return units.Len()
	}
	if units.SplitsPair(pos) {
		return pos - 1
	}
	return pos
}

func lastRune(s string) rune {
	r := []rune(s)
	if len(r) == 0 {
		return ' '
	}
	return r[len(r)-1]
}

func containsSpace(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
