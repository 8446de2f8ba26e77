// Package relay ferries signaling messages between a room's controller leg
// and its peer leg. The controller always sits on a WebSocket; the peer leg
// is either WebSocket ("push") or HTTP long-polling ("queue"), selected at
// boot.
//
// Delivery is fire-and-forget: a missing or closed target is logged and
// dropped, never surfaced as an error. A sender cannot usefully react to a
// receiver that is already gone.
package relay

import (
	"context"

	"github.com/st-user/ojm-drone-remote/internal/protocol"
)

type Relay interface {
	// ToController delivers a signaling message, as-is, to the room's
	// controller socket.
	ToController(ctx context.Context, startKey string, payload []byte) error

	// ToPeer delivers an event to the room's peer leg. The push transport
	// resolves peerID to a single socket; the queue transport fans the
	// event out to every polling session (clients filter on the
	// peerConnectionId inside the payload).
	ToPeer(ctx context.Context, startKey string, peerID protocol.PeerID, eventName string, payload []byte) error
}
