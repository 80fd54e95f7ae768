// Package negotiation assembles a contract negotiation room: the shared
// editor, the suggestion overlay and clause drafting.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"lexicontract/api/internal/collab"
	"lexicontract/api/internal/commandlist"
	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/editor"
	"lexicontract/api/internal/highlight"
	"lexicontract/api/internal/presence"
	"lexicontract/api/internal/suggestion"
)

const ActionGenerateClause = "generate-clause"

var (
	ErrBusy           = errors.New("clause generation already running")
	ErrEmptySelection = errors.New("select the text to comment on")
	ErrClosed         = errors.New("negotiation room closed")
)

// Backend is the part of the API a room calls.
type Backend interface {
	UpdateSuggestionStatus(ctx context.Context, contractID, versionID, suggestionID string, status contract.Status) (contract.AnalysisSuggestion, error)
	CreateComment(ctx context.Context, contractID, versionID string, span contract.Span, text string) (contract.UserComment, error)
	GenerateClause(ctx context.Context, prompt string) (string, error)
}

// Identity is the signed-in user.
type Identity struct {
	ID   string
	Name string
}

type Options struct {
	Rooms      *collab.Rooms
	Backend    Backend
	User       Identity
	Palette    presence.Palette
	Candidates []commandlist.Candidate
	Styles     *highlight.Styles
	Log        zerolog.Logger
}

type Room struct {
	contractID string
	versionID  string
	backend    Backend
	session    *collab.Session
	editor     *editor.Editor
	store      *suggestion.Store
	styles     highlight.Styles
	log        zerolog.Logger

	mu            sync.Mutex
	comments      []contract.UserComment
	generatorOpen bool
	generating    bool
	generateErr   error
	closed        bool
	closeOnce     sync.Once
	closeErr      error
}

// OpenRoom joins the shared document for detail.Version, seeding it with
// the version text when the room is empty, and announces the user.
func OpenRoom(ctx context.Context, detail contract.VersionDetail, opts Options) (*Room, error) {
	if opts.Rooms == nil || opts.Backend == nil {
		return nil, fmt.Errorf("open negotiation room: rooms and backend are required")
	}
	styles := highlight.DefaultStyles()
	if opts.Styles != nil {
		styles = *opts.Styles
	}
	log := opts.Log.With().Str("contract", detail.Version.ContractID).Str("version", detail.Version.ID).Logger()

	session, err := opts.Rooms.Open(ctx, collab.RoomName(detail.Version.ID), detail.Version.FullText)
	if err != nil {
		return nil, fmt.Errorf("open negotiation room: %w", err)
	}

	r := &Room{
		contractID: detail.Version.ContractID,
		versionID:  detail.Version.ID,
		backend:    opts.Backend,
		session:    session,
		styles:     styles,
		log:        log,
		comments:   append([]contract.UserComment(nil), detail.Comments...),
	}
	r.store = suggestion.NewStore(statusAPI{room: r}, log)
	r.store.Load(detail.Suggestions)
	r.editor = editor.New(session.Document(), editor.Options{
		Candidates: opts.Candidates,
		OnCommand:  r.onCommand,
		Cursor:     session.SetCursor,
		Peers:      session.Peers,
	})

	user := presence.User{Name: opts.User.Name, Color: opts.Palette.ColorFor(opts.User.ID)}
	if user.Name == "" {
		user = presence.Anonymous
	}
	if err := session.SetLocalPresence(user); err != nil {
		r.Close()
		return nil, fmt.Errorf("announce presence: %w", err)
	}
	return r, nil
}

type statusAPI struct {
	room *Room
}

func (a statusAPI) UpdateStatus(ctx context.Context, id string, status contract.Status) error {
	_, err := a.room.backend.UpdateSuggestionStatus(ctx, a.room.contractID, a.room.versionID, id, status)
	return err
}

func (r *Room) ContractID() string { return r.contractID }
func (r *Room) VersionID() string  { return r.versionID }

func (r *Room) Editor() *editor.Editor {
	return r.editor
}

func (r *Room) Session() *collab.Session {
	return r.session
}

func (r *Room) Suggestions() *suggestion.Store {
	return r.store
}

// Text is the live shared text.
func (r *Room) Text() string {
	return r.editor.Text()
}

func (r *Room) Comments() []contract.UserComment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contract.UserComment(nil), r.comments...)
}

// Segments partitions the live text around the current suggestions and
// comments.
func (r *Room) Segments() []highlight.Segment {
	return highlight.Segments(r.Text(), r.store.List(), r.Comments())
}

// View renders Segments with styles; hoveredID rings one annotation.
func (r *Room) View(hoveredID string) []highlight.View {
	return r.styles.Render(r.Segments(), hoveredID)
}

func (r *Room) Accept(ctx context.Context, suggestionID string) error {
	return r.store.Accept(ctx, suggestionID)
}

func (r *Room) Reject(ctx context.Context, suggestionID string) error {
	return r.store.Reject(ctx, suggestionID)
}

func (r *Room) onCommand(_ *editor.Editor, _ editor.Range, c commandlist.Candidate) {
	if c.Action != ActionGenerateClause {
		r.log.Debug().Str("action", c.Action).Msg("unhandled command")
		return
	}
	r.mu.Lock()
	r.generatorOpen = true
	r.generateErr = nil
	r.mu.Unlock()
}

// GeneratorOpen reports whether the clause prompt is showing.
func (r *Room) GeneratorOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generatorOpen
}

func (r *Room) OpenGenerator() {
	r.onCommand(r.editor, editor.Range{}, commandlist.Candidate{Action: ActionGenerateClause})
}

func (r *Room) CloseGenerator() {
	r.mu.Lock()
	r.generatorOpen = false
	r.generateErr = nil
	r.mu.Unlock()
}

// Generating reports whether a generation request is in flight.
func (r *Room) Generating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generating
}

// GenerateErr is the error of the last failed generation, cleared when a
// new one starts.
func (r *Room) GenerateErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generateErr
}

// GenerateClause asks the backend for a clause and inserts it at the
// caret once it arrives. Only one request runs at a time.
func (r *Room) GenerateClause(ctx context.Context, prompt string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.generating {
		r.mu.Unlock()
		return ErrBusy
	}
	r.generating = true
	r.generateErr = nil
	r.mu.Unlock()

	text, err := r.backend.GenerateClause(ctx, prompt)
	if err == nil {
		err = r.editor.InsertContentAtCurrentSelection(text)
	}

	r.mu.Lock()
	r.generating = false
	if err != nil {
		err = fmt.Errorf("generate clause: %w", err)
		r.generateErr = err
	} else {
		r.generatorOpen = false
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Error().Err(err).Msg("clause generation failed")
		return err
	}
	r.log.Info().Int("length", contract.Length(text)).Msg("clause inserted")
	return nil
}

// AddComment attaches text to the current selection.
func (r *Room) AddComment(ctx context.Context, text string) (contract.UserComment, error) {
	sel := r.editor.Selection()
	if sel.Empty() {
		return contract.UserComment{}, ErrEmptySelection
	}
	comment, err := r.backend.CreateComment(ctx, r.contractID, r.versionID, contract.NewSpan(sel.From, sel.To), text)
	if err != nil {
		return contract.UserComment{}, fmt.Errorf("add comment: %w", err)
	}
	r.addComment(comment)
	return comment, nil
}

func (r *Room) addComment(comment contract.UserComment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.comments {
		if existing.ID == comment.ID {
			r.comments[i] = comment
			return
		}
	}
	r.comments = append(r.comments, comment)
}

// Event is a server push for the contract's room.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ApplyEvent folds a server push into the room. Events for other versions
// are ignored.
func (r *Room) ApplyEvent(ev Event) error {
	switch ev.Type {
	case "new_comment":
		var comment contract.UserComment
		if err := json.Unmarshal(ev.Data, &comment); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if comment.VersionID != "" && comment.VersionID != r.versionID {
			return nil
		}
		r.addComment(comment)
	case "suggestion_updated":
		var item contract.AnalysisSuggestion
		if err := json.Unmarshal(ev.Data, &item); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if item.VersionID != "" && item.VersionID != r.versionID {
			return nil
		}
		if r.store.Pending(item.ID) {
			return nil
		}
		r.store.Upsert(item)
	default:
		r.log.Debug().Str("type", ev.Type).Msg("ignoring room event")
	}
	return nil
}

// Close leaves the room. It is safe to call more than once.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.editor.Detach()
		r.closeErr = r.session.Close()
	})
	return r.closeErr
}
