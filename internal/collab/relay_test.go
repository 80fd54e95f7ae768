package collab

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"lexicontract/api/internal/presence"
)

// testRelay forwards every frame to the other connections in the same room.
type testRelay struct {
	srv *httptest.Server

	mu    sync.Mutex
	rooms map[string]map[*websocket.Conn]struct{}
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{rooms: make(map[string]map[*websocket.Conn]struct{})}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	room := strings.TrimPrefix(req.URL.Path, "/")

	r.mu.Lock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*websocket.Conn]struct{})
	}
	r.rooms[room][conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.rooms[room], conn)
		r.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := req.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		r.mu.Lock()
		others := make([]*websocket.Conn, 0, len(r.rooms[room]))
		for c := range r.rooms[room] {
			if c != conn {
				others = append(others, c)
			}
		}
		r.mu.Unlock()
		for _, c := range others {
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			_ = c.Write(wctx, typ, data)
			cancel()
		}
	}
}

func (r *testRelay) dropAll() {
	r.mu.Lock()
	var conns []*websocket.Conn
	for _, room := range r.rooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func testRelayOptions(url string) RelayOptions {
	return RelayOptions{
		URL:         url,
		SyncTimeout: 200 * time.Millisecond,
		MinBackoff:  20 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
		Log:         zerolog.Nop(),
	}
}

func openTestSession(t *testing.T, url, room, seed string) *Session {
	t.Helper()
	rooms := NewRooms(RelayFactory(testRelayOptions(url)), RoomsOptions{Log: zerolog.Nop()})
	s, err := rooms.Open(context.Background(), room, seed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitSynced(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSynced(ctx))
}

func TestRelay_SeedAndShare(t *testing.T) {
	relay := newTestRelay(t)
	room := RoomName("v1")

	a := openTestSession(t, relay.URL(), room, "The Supplier shall deliver.")
	waitSynced(t, a)
	assert.Equal(t, "The Supplier shall deliver.", a.Document().String())

	b := openTestSession(t, relay.URL(), room, "The Supplier shall deliver.")
	waitSynced(t, b)
	require.Eventually(t, func() bool {
		return b.Document().String() == "The Supplier shall deliver."
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Document().Insert(0, "Now: "))
	require.Eventually(t, func() bool {
		return a.Document().String() == "Now: The Supplier shall deliver."
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.Document().String(), b.Document().String())
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	relay := newTestRelay(t)

	a := openTestSession(t, relay.URL(), RoomName("v1"), "first")
	b := openTestSession(t, relay.URL(), RoomName("v2"), "second")
	waitSynced(t, a)
	waitSynced(t, b)

	require.NoError(t, a.Document().Insert(5, "!"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "second", b.Document().String())
}

func TestRelay_Presence(t *testing.T) {
	relay := newTestRelay(t)
	room := RoomName("v1")

	a := openTestSession(t, relay.URL(), room, "text")
	waitSynced(t, a)
	require.NoError(t, a.SetLocalPresence(presence.User{Name: "Alice", Color: "#10b981"}))
	require.NoError(t, a.SetCursor(&presence.Cursor{Anchor: 1, Head: 3}))

	b := openTestSession(t, relay.URL(), room, "text")
	waitSynced(t, b)

	require.Eventually(t, func() bool {
		peers := b.Peers()
		return len(peers) == 1 && peers[0].Cursor != nil && peers[0].Cursor.Head == 3
	}, 2*time.Second, 10*time.Millisecond)
	peer := b.Peers()[0]
	assert.Equal(t, "Alice", peer.User.Name)
	assert.Equal(t, "#10b981", peer.User.Color)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(b.Peers()) == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, a.SetLocalPresence(presence.Anonymous), ErrClosed)
}

func TestRelay_UnreachableStaysEditable(t *testing.T) {
	opts := testRelayOptions("ws://127.0.0.1:1")
	rooms := NewRooms(RelayFactory(opts), RoomsOptions{Log: zerolog.Nop()})
	s, err := rooms.Open(context.Background(), RoomName("v1"), "seed")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.Synced())
	require.NoError(t, s.Document().Insert(0, "draft"))
	assert.Equal(t, "draft", s.Document().String())

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked while reconnecting")
	}
}

func TestRelay_Reconnect(t *testing.T) {
	relay := newTestRelay(t)
	room := RoomName("v1")

	a := openTestSession(t, relay.URL(), room, "base")
	waitSynced(t, a)
	b := openTestSession(t, relay.URL(), room, "base")
	waitSynced(t, b)

	relay.dropAll()
	require.Eventually(t, func() bool { return a.Synced() && b.Synced() }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Document().Insert(4, " text"))
	require.Eventually(t, func() bool {
		return b.Document().String() == "base text"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_ConcurrentEditsMerge(t *testing.T) {
	relay := newTestRelay(t)
	room := RoomName("v1")

	a := openTestSession(t, relay.URL(), room, "base")
	waitSynced(t, a)
	b := openTestSession(t, relay.URL(), room, "base")
	waitSynced(t, b)
	require.Eventually(t, func() bool { return b.Document().String() == "base" }, 2*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.Document().Insert(0, "A-"))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, b.Document().Insert(4, "-B"))
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return a.Document().String() == "A-base-B" && b.Document().String() == "A-base-B"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_OfflineEditsReachPeersOnConnect(t *testing.T) {
	relay := newTestRelay(t)
	room := RoomName("v1")

	a := openTestSession(t, relay.URL(), room, "base")
	waitSynced(t, a)

	offline := NewTextDoc("offline")
	_, err := offline.Apply(a.Document().Encode())
	require.NoError(t, err)
	require.NoError(t, offline.Insert(4, "-B"))
	require.NoError(t, a.Document().Insert(0, "A-"))

	rooms := NewRooms(RelayFactory(testRelayOptions(relay.URL())), RoomsOptions{
		NewDocument: func() Document { return offline },
		Log:         zerolog.Nop(),
	})
	b, err := rooms.Open(context.Background(), room, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	waitSynced(t, b)

	require.Eventually(t, func() bool {
		return a.Document().String() == "A-base-B" && b.Document().String() == "A-base-B"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_SyncReplyLogsWriteFailures(t *testing.T) {
	relay := newTestRelay(t)
	conn, _, err := websocket.Dial(context.Background(), relay.URL()+"/"+RoomName("v1"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	var buf bytes.Buffer
	opts := testRelayOptions(relay.URL())
	opts.Log = zerolog.New(&buf).Level(zerolog.DebugLevel)
	p := NewRelayTransport(RoomName("v1"), NewTextDoc("a"), opts)
	p.local = &presence.State{User: presence.User{Name: "Alice"}}

	p.handle(context.Background(), conn, 1, Envelope{Type: MsgSyncRequest, From: "peer"})

	out := buf.String()
	assert.Contains(t, out, "sync reply failed")
	assert.Contains(t, out, "awareness reply failed")
}
