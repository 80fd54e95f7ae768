// Package roomhub pushes negotiation events (new comments, suggestion
// status changes) to every websocket subscribed to a contract.
package roomhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	EventNewComment        = "new_comment"
	EventSuggestionUpdated = "suggestion_updated"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

// Event is the frame delivered to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type subscriber struct {
	msgs      chan []byte
	closeSlow func()
}

type Hub struct {
	log zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[*subscriber]struct{}
}

func New(log zerolog.Logger) *Hub {
	return &Hub{log: log, rooms: make(map[string]map[*subscriber]struct{})}
}

// Serve upgrades the request and streams roomID's events until the client
// goes away. Incoming frames are ignored.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, roomID string, opts *websocket.AcceptOptions) error {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return fmt.Errorf("accept room socket: %w", err)
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	sub := &subscriber{
		msgs: make(chan []byte, sendBuffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with events")
		},
	}
	h.add(roomID, sub)
	defer h.remove(roomID, sub)
	h.log.Debug().Str("room", roomID).Msg("subscriber joined")

	for {
		select {
		case msg := <-sub.msgs:
			if err := writeFrame(ctx, conn, msg); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

// Broadcast queues event for every subscriber of roomID. Subscribers that
// fall behind are disconnected rather than blocking the caller.
func (h *Hub) Broadcast(roomID string, event Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode room event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[roomID] {
		select {
		case sub.msgs <- msg:
		default:
			h.log.Warn().Str("room", roomID).Str("type", event.Type).Msg("dropping slow subscriber")
			go sub.closeSlow()
		}
	}
	return nil
}

// Count reports how many subscribers roomID has.
func (h *Hub) Count(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

func (h *Hub) add(roomID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*subscriber]struct{})
	}
	h.rooms[roomID][sub] = struct{}{}
}

func (h *Hub) remove(roomID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[roomID], sub)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
}
