package collab

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"lexicontract/api/internal/presence"
)

const (
	maxFrameBytes = 4 << 20
	writeTimeout  = 5 * time.Second
)

type RelayOptions struct {
	// URL is the relay base, e.g. ws://localhost:1234. The room name is
	// appended as the final path segment.
	URL string
	// SessionID identifies this client in awareness frames. Random when empty.
	SessionID string
	// SyncTimeout bounds the wait for a peer's state. When it elapses with
	// no reply the room is treated as empty and the connection as synced.
	SyncTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Log         zerolog.Logger
}

func (o RelayOptions) withDefaults() RelayOptions {
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 500 * time.Millisecond
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 2500 * time.Millisecond
	}
	return o
}

// RelayFactory returns a TransportFactory producing relay transports.
// Each transport gets its own session id unless opts sets one.
func RelayFactory(opts RelayOptions) TransportFactory {
	return func(room string, doc Document) Transport {
		return NewRelayTransport(room, doc, opts)
	}
}

// RelayTransport synchronises a Document through a broadcast websocket
// relay using JSON envelopes.
type RelayTransport struct {
	room string
	doc  Document
	opts RelayOptions

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       int
	synced    bool
	local     *presence.State
	peers     map[string]presence.Peer
	syncedFns []func()
	peerFns   map[int]func([]presence.Peer)
	nextPeer  int
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
	unobserve func()
}

func NewRelayTransport(room string, doc Document, opts RelayOptions) *RelayTransport {
	return &RelayTransport{
		room:    room,
		doc:     doc,
		opts:    opts.withDefaults(),
		peers:   make(map[string]presence.Peer),
		peerFns: make(map[int]func([]presence.Peer)),
	}
}

func (p *RelayTransport) SessionID() string {
	return p.opts.SessionID
}

func (p *RelayTransport) url() string {
	return strings.TrimRight(p.opts.URL, "/") + "/" + url.PathEscape(p.room)
}

func (p *RelayTransport) Connect(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil || p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.unobserve = p.doc.Observe(p.onChange)
	p.mu.Unlock()

	go p.run(ctx)
}

func (p *RelayTransport) run(ctx context.Context) {
	defer close(p.done)
	log := p.opts.Log.With().Str("room", p.room).Logger()

	backoff := p.opts.MinBackoff
	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, p.url(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, p.opts.MaxBackoff)
			continue
		}
		backoff = p.opts.MinBackoff
		log.Info().Msg("relay connected")

		err = p.serve(ctx, conn)
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("relay disconnected, reconnecting")
		}
	}
}

func (p *RelayTransport) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameBytes)

	p.mu.Lock()
	p.conn = conn
	p.gen++
	gen := p.gen
	local := p.local
	p.mu.Unlock()

	defer p.disconnected(conn)

	if err := p.write(ctx, conn, MsgSyncRequest, nil); err != nil {
		return err
	}
	// Edits made while offline reach peers here; ops they already hold are no-ops.
	if err := p.write(ctx, conn, MsgUpdate, p.doc.Encode()); err != nil {
		return err
	}
	if local != nil {
		if err := p.writeAwareness(ctx, conn, local); err != nil {
			return err
		}
	}

	timer := time.AfterFunc(p.opts.SyncTimeout, func() { p.markSynced(gen) })
	defer timer.Stop()

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.From == p.opts.SessionID {
			continue
		}
		p.handle(ctx, conn, gen, env)
	}
}

func (p *RelayTransport) handle(ctx context.Context, conn *websocket.Conn, gen int, env Envelope) {
	log := p.opts.Log.With().Str("room", p.room).Str("type", string(env.Type)).Logger()

	switch env.Type {
	case MsgSyncRequest:
		if err := p.write(ctx, conn, MsgSyncState, p.doc.Encode()); err != nil {
			log.Debug().Err(err).Msg("sync reply failed")
		}
		p.mu.Lock()
		local := p.local
		p.mu.Unlock()
		if local != nil {
			if err := p.writeAwareness(ctx, conn, local); err != nil {
				log.Debug().Err(err).Msg("awareness reply failed")
			}
		}
	case MsgSyncState:
		p.apply(env.Payload, log)
		p.markSynced(gen)
	case MsgUpdate:
		p.apply(env.Payload, log)
	case MsgAwareness:
		var awareness Awareness
		if err := json.Unmarshal(env.Payload, &awareness); err != nil {
			log.Debug().Err(err).Msg("bad awareness frame")
			return
		}
		p.updatePeer(awareness)
	default:
		log.Debug().Msg("ignoring unknown frame")
	}
}

func (p *RelayTransport) apply(payload json.RawMessage, log zerolog.Logger) {
	if len(payload) == 0 {
		return
	}
	if _, err := p.doc.Apply(payload); err != nil {
		log.Warn().Err(err).Msg("apply remote state")
	}
}

func (p *RelayTransport) markSynced(gen int) {
	p.mu.Lock()
	if gen != p.gen || p.synced || p.conn == nil {
		p.mu.Unlock()
		return
	}
	p.synced = true
	fns := append([]func(){}, p.syncedFns...)
	p.mu.Unlock()

	p.opts.Log.Debug().Str("room", p.room).Msg("synced")
	for _, fn := range fns {
		fn()
	}
}

func (p *RelayTransport) disconnected(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.synced = false
	dropped := len(p.peers) > 0
	p.peers = make(map[string]presence.Peer)
	fns := p.peerCallbacksLocked()
	p.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	if dropped {
		for _, fn := range fns {
			fn(nil)
		}
	}
}

func (p *RelayTransport) updatePeer(awareness Awareness) {
	if awareness.SessionID == "" || awareness.SessionID == p.opts.SessionID {
		return
	}
	p.mu.Lock()
	if awareness.State == nil {
		delete(p.peers, awareness.SessionID)
	} else {
		p.peers[awareness.SessionID] = presence.Peer{SessionID: awareness.SessionID, State: *awareness.State}
	}
	peers := p.sortedPeersLocked()
	fns := p.peerCallbacksLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(peers)
	}
}

func (p *RelayTransport) onChange(change Change) {
	if change.Origin != OriginLocal {
		return
	}
	payload := change.Update
	if payload == nil {
		payload = p.doc.Encode()
	}
	p.send(MsgUpdate, payload)
}

// send writes on the live connection, dropping the frame when offline.
func (p *RelayTransport) send(typ MessageType, payload json.RawMessage) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if err := p.write(context.Background(), conn, typ, payload); err != nil {
		p.opts.Log.Debug().Err(err).Str("room", p.room).Str("type", string(typ)).Msg("relay write failed")
	}
}

func (p *RelayTransport) write(ctx context.Context, conn *websocket.Conn, typ MessageType, payload json.RawMessage) error {
	env := Envelope{Type: typ, Room: p.room, From: p.opts.SessionID, Payload: payload}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

func (p *RelayTransport) writeAwareness(ctx context.Context, conn *websocket.Conn, state *presence.State) error {
	payload, err := json.Marshal(Awareness{SessionID: p.opts.SessionID, State: state})
	if err != nil {
		return err
	}
	return p.write(ctx, conn, MsgAwareness, payload)
}

func (p *RelayTransport) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

func (p *RelayTransport) OnSynced(fn func()) {
	p.mu.Lock()
	p.syncedFns = append(p.syncedFns, fn)
	p.mu.Unlock()
}

func (p *RelayTransport) SetLocalState(state presence.State) {
	p.mu.Lock()
	p.local = &state
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if err := p.writeAwareness(context.Background(), conn, &state); err != nil {
		p.opts.Log.Debug().Err(err).Str("room", p.room).Msg("awareness write failed")
	}
}

func (p *RelayTransport) Peers() []presence.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedPeersLocked()
}

func (p *RelayTransport) sortedPeersLocked() []presence.Peer {
	peers := make([]presence.Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].SessionID < peers[j].SessionID })
	return peers
}

func (p *RelayTransport) OnPeers(fn func([]presence.Peer)) func() {
	p.mu.Lock()
	id := p.nextPeer
	p.nextPeer++
	p.peerFns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.peerFns, id)
		p.mu.Unlock()
	}
}

func (p *RelayTransport) peerCallbacksLocked() []func([]presence.Peer) {
	fns := make([]func([]presence.Peer), 0, len(p.peerFns))
	for _, fn := range p.peerFns {
		fns = append(fns, fn)
	}
	return fns
}

func (p *RelayTransport) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done, unobserve, conn := p.cancel, p.done, p.unobserve, p.conn
	p.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	if conn != nil {
		_ = p.write(context.Background(), conn, MsgAwareness, mustJSON(Awareness{SessionID: p.opts.SessionID}))
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
