package relay

import (
	"context"
	"log/slog"

	"github.com/st-user/ojm-drone-remote/internal/protocol"
	"github.com/st-user/ojm-drone-remote/internal/registry"
)

// Push delivers messages over the live WebSocket handles held by the
// registry.
type Push struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewPush(reg *registry.Registry, logger *slog.Logger) *Push {
	if logger == nil {
		logger = slog.Default()
	}
	return &Push{registry: reg, logger: logger}
}

func (p *Push) ToController(ctx context.Context, startKey string, payload []byte) error {
	room, ok := p.registry.Lookup(startKey)
	if !ok {
		p.logger.Warn("dropping message for unknown room", "startKey", startKey)
		return nil
	}
	ch, ok := room.Controller()
	if !ok || !ch.Open() {
		p.logger.Warn("dropping message, controller not connected", "startKey", startKey)
		return nil
	}
	if err := ch.Send(payload); err != nil {
		p.logger.Warn("controller send failed", "startKey", startKey, "err", err)
	}
	return nil
}

func (p *Push) ToPeer(ctx context.Context, startKey string, peerID protocol.PeerID, eventName string, payload []byte) error {
	room, ok := p.registry.Lookup(startKey)
	if !ok {
		p.logger.Warn("dropping message for unknown room", "startKey", startKey)
		return nil
	}
	ch, ok := room.Peer(peerID)
	if !ok || !ch.Open() {
		p.logger.Warn("dropping message, peer not connected",
			"startKey", startKey, "peerConnectionId", string(peerID), "event", eventName)
		return nil
	}
	if err := ch.Send(payload); err != nil {
		p.logger.Warn("peer send failed",
			"startKey", startKey, "peerConnectionId", string(peerID), "err", err)
	}
	return nil
}
