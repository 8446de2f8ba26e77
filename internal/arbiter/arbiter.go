// Package arbiter decides which peer may act as the room's primary, i.e.
// the one allowed to send an offer that drives the drone. Observers always
// pass; primary candidates race for the room's single claim.
package arbiter

import (
	"github.com/st-user/ojm-drone-remote/internal/protocol"
	"github.com/st-user/ojm-drone-remote/internal/registry"
)

// State is the arbitration outcome returned to a canOffer request.
type State string

const (
	// StateEmpty: no primary claim existed; a primary requester now holds it.
	StateEmpty State = "EMPTY"
	// StateSame: the requester already holds the claim (safe to retry).
	StateSame State = "SAME"
	// StateExist: another peer holds the claim; the requester must back off.
	StateExist State = "EXIST"
)

// Decide resolves a canOffer request against the room's claim. Calling it
// again with the same arguments returns the same state: the only
// side-effect is recording the claim on EMPTY, and a recorded claim turns
// subsequent identical requests into SAME.
//
// Observers (isPrimary=false) get EMPTY without touching the claim; they
// may always negotiate a receive-only connection.
func Decide(room *registry.Room, peerID protocol.PeerID, isPrimary bool) State {
	if !isPrimary {
		return StateEmpty
	}
	holder, acquired := room.ClaimPrimaryIfUnheld(peerID)
	if acquired {
		return StateEmpty
	}
	if holder == peerID {
		return StateSame
	}
	return StateExist
}
