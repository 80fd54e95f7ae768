package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lexicontract/api/internal/presence"
)

var ErrClosed = errors.New("collab session closed")

type RoomsOptions struct {
	// NewDocument builds the container for a new room. Defaults to TextDoc.
	NewDocument func() Document
	// Guard, when set, lets only one client seed an empty room.
	Guard SeedGuard
	Log   zerolog.Logger
}

// Rooms hands out sessions on shared documents. Sessions on the same room
// share one document and one transport; the transport is closed when the
// last session on the room closes.
type Rooms struct {
	factory TransportFactory
	newDoc  func() Document
	guard   SeedGuard
	log     zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name      string
	doc       Document
	transport Transport
	seedText  string
	refs      int
	firstSync chan struct{}
	syncOnce  sync.Once
}

func NewRooms(factory TransportFactory, opts RoomsOptions) *Rooms {
	newDoc := opts.NewDocument
	if newDoc == nil {
		newDoc = func() Document { return NewTextDoc("") }
	}
	return &Rooms{
		factory: factory,
		newDoc:  newDoc,
		guard:   opts.Guard,
		log:     opts.Log,
		rooms:   make(map[string]*room),
	}
}

// Open attaches to roomID, creating the document and connecting the
// transport on first use. When the transport first reports synced and the
// document is still empty, initialText is inserted. The room outlives ctx;
// it ends when every returned Session is closed.
func (r *Rooms) Open(ctx context.Context, roomID, initialText string) (*Session, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, fmt.Errorf("open room: empty room id")
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		doc := r.newDoc()
		rm = &room{
			name:      roomID,
			doc:       doc,
			transport: r.factory(roomID, doc),
			seedText:  initialText,
			firstSync: make(chan struct{}),
		}
		rm.transport.OnSynced(func() { r.synced(rm) })
		r.rooms[roomID] = rm
		rm.transport.Connect(context.WithoutCancel(ctx))
		r.log.Info().Str("room", roomID).Msg("room opened")
	}
	rm.refs++
	r.mu.Unlock()

	return &Session{rooms: r, room: rm}, nil
}

// Refs reports how many open sessions hold roomID.
func (r *Rooms) Refs(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm.refs
	}
	return 0
}

// Active lists rooms with at least one open session.
func (r *Rooms) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// synced runs on every completed sync. Only the first one may seed; a
// reconnect into a room its users have emptied must not restore the text.
func (r *Rooms) synced(rm *room) {
	rm.syncOnce.Do(func() {
		r.seed(rm)
		close(rm.firstSync)
	})
}

func (r *Rooms) seed(rm *room) {
	if rm.seedText == "" || rm.doc.Len() != 0 {
		return
	}
	log := r.log.With().Str("room", rm.name).Logger()
	if r.guard != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		claimed, err := r.guard.Claim(ctx, rm.name)
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("seed guard unavailable, seeding without it")
		case !claimed:
			log.Debug().Msg("room already seeded by another client")
			return
		}
	}
	if rm.doc.Len() != 0 {
		return
	}
	if err := rm.doc.Insert(0, rm.seedText); err != nil {
		log.Error().Err(err).Msg("seed document")
		return
	}
	log.Info().Int("length", rm.doc.Len()).Msg("seeded empty document")
}

func (r *Rooms) release(rm *room) error {
	r.mu.Lock()
	rm.refs--
	if rm.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	if r.rooms[rm.name] == rm {
		delete(r.rooms, rm.name)
	}
	r.mu.Unlock()

	r.log.Info().Str("room", rm.name).Msg("last session left, disconnecting")
	return rm.transport.Close()
}

// Session is one view's handle on a room.
type Session struct {
	rooms *Rooms
	room  *room

	mu       sync.Mutex
	state    presence.State
	closed   bool
	unpeered []func()
}

func (s *Session) Room() string {
	return s.room.name
}

func (s *Session) Document() Document {
	return s.room.doc
}

func (s *Session) Synced() bool {
	return s.room.transport.Synced()
}

// WaitSynced blocks until the room's first sync completed.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.room.firstSync:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetLocalPresence broadcasts this session's display name and colour.
func (s *Session) SetLocalPresence(user presence.User) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state.User = user
	state := s.state
	s.mu.Unlock()

	s.room.transport.SetLocalState(state)
	return nil
}

// SetCursor broadcasts the local caret or selection; nil hides it.
func (s *Session) SetCursor(cursor *presence.Cursor) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if cursor != nil {
		c := *cursor
		cursor = &c
	}
	s.state.Cursor = cursor
	state := s.state
	s.mu.Unlock()

	s.room.transport.SetLocalState(state)
	return nil
}

func (s *Session) Peers() []presence.Peer {
	return s.room.transport.Peers()
}

// OnPeers calls fn whenever the room's roster changes, until the returned
// func is called or the session closes.
func (s *Session) OnPeers(fn func([]presence.Peer)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	var once sync.Once
	remove := s.room.transport.OnPeers(fn)
	stop := func() { once.Do(remove) }
	s.unpeered = append(s.unpeered, stop)
	return stop
}

// Close releases this session's hold on the room. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unpeered := s.unpeered
	s.unpeered = nil
	s.mu.Unlock()

	for _, stop := range unpeered {
		stop()
	}
	return s.rooms.release(s.room)
}
