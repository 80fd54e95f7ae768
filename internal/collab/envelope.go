package collab

import (
	"encoding/json"
	"strings"

	"lexicontract/api/internal/presence"
)

// MessageType discriminates relay envelopes.
type MessageType string

const (
	// MsgSyncRequest asks peers already in the room for their state.
	MsgSyncRequest MessageType = "sync-request"
	// MsgSyncState answers a sync request with the full document state.
	MsgSyncState MessageType = "sync-state"
	// MsgUpdate carries a local edit's ops, or the full state after a reconnect.
	MsgUpdate MessageType = "update"
	// MsgAwareness carries a session's presence, or its departure.
	MsgAwareness MessageType = "awareness"
)

// Envelope is the JSON frame exchanged through the relay. The relay
// forwards frames to every other connection in the same room.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Room    string          `json:"room"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Awareness is the payload of MsgAwareness. A nil State means the session
// left the room.
type Awareness struct {
	SessionID string          `json:"sessionId"`
	State     *presence.State `json:"state"`
}

const roomPrefix = "lexicontract-doc-"

// RoomName is the room shared by everyone editing a contract version.
func RoomName(versionID string) string {
	return roomPrefix + versionID
}

// VersionFromRoom reverses RoomName.
func VersionFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, roomPrefix) || len(room) == len(roomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, roomPrefix), true
}
