package roomhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := New(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/"), nil)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestHub_BroadcastReachesRoomOnly(t *testing.T) {
	hub, base := newHubServer(t)
	a := dial(t, base+"/c1")
	b := dial(t, base+"/c1")
	other := dial(t, base+"/c2")

	require.Eventually(t, func() bool { return hub.Count("c1") == 2 && hub.Count("c2") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Broadcast("c1", Event{Type: EventNewComment, Data: map[string]string{"id": "cm_1"}}))

	for _, conn := range []*websocket.Conn{a, b} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var got struct {
			Type string            `json:"type"`
			Data map[string]string `json:"data"`
		}
		require.NoError(t, wsjson.Read(ctx, conn, &got))
		cancel()
		assert.Equal(t, EventNewComment, got.Type)
		assert.Equal(t, "cm_1", got.Data["id"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := other.Read(ctx)
	assert.Error(t, err)
}

func TestHub_UnsubscribesOnClose(t *testing.T) {
	hub, base := newHubServer(t)
	conn := dial(t, base+"/c1")
	require.Eventually(t, func() bool { return hub.Count("c1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.Count("c1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_BroadcastWithoutSubscribers(t *testing.T) {
	hub := New(zerolog.Nop())
	assert.NoError(t, hub.Broadcast("nobody", Event{Type: EventSuggestionUpdated}))
	assert.Equal(t, 0, hub.Count("nobody"))
}

func TestHub_BroadcastRejectsUnencodable(t *testing.T) {
	hub := New(zerolog.Nop())
	assert.Error(t, hub.Broadcast("c1", Event{Type: "x", Data: make(chan int)}))
}
