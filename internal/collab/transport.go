package collab

import (
	"context"

	"lexicontract/api/internal/presence"
)

// Transport connects a room's Document to its peers. Implementations keep
// the document editable while disconnected and reconnect on their own.
type Transport interface {
	// Connect starts synchronising in the background and returns at once.
	Connect(ctx context.Context)
	// Synced reports whether the current connection finished its initial sync.
	Synced() bool
	// OnSynced registers fn to run each time a connection completes its sync.
	OnSynced(fn func())
	SetLocalState(state presence.State)
	Peers() []presence.Peer
	// OnPeers registers fn for roster changes until the returned func is called.
	OnPeers(fn func([]presence.Peer)) (remove func())
	// Close announces departure, disconnects and stops reconnecting.
	Close() error
}

// TransportFactory builds the transport for one room.
type TransportFactory func(room string, doc Document) Transport

// SeedGuard decides which client seeds an empty room. Claim returns true
// for exactly one caller per room.
type SeedGuard interface {
	Claim(ctx context.Context, room string) (bool, error)
}
