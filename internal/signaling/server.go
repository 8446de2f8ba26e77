// Package signaling implements the WebSocket legs of the relay: the
// controller attaches through /signaling with a one-shot ticket, peers
// attach through /remote with their start key. Everything after the
// upgrade is JSON messages routed on their messageType field.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/st-user/ojm-drone-remote/internal/arbiter"
	"github.com/st-user/ojm-drone-remote/internal/liveness"
	"github.com/st-user/ojm-drone-remote/internal/metrics"
	"github.com/st-user/ojm-drone-remote/internal/protocol"
	"github.com/st-user/ojm-drone-remote/internal/registry"
	"github.com/st-user/ojm-drone-remote/internal/relay"
)

// TicketConsumer redeems controller tickets.
type TicketConsumer interface {
	Consume(ctx context.Context, token string) (string, error)
}

// CredentialIssuer provides the ICE descriptors pushed to fresh channels.
type CredentialIssuer interface {
	ICEServers() ([]webrtc.ICEServer, error)
}

type Config struct {
	Logger      *slog.Logger
	Registry    *registry.Registry
	Tickets     TicketConsumer
	Relay       relay.Relay
	Credentials CredentialIssuer
	Metrics     *metrics.Metrics
	Clock       clock.Clock

	LocalPingInterval  time.Duration
	LocalTimeout       time.Duration
	RemotePingInterval time.Duration
	RemoteTimeout      time.Duration

	MaxLocalClients  int
	MaxRemoteClients int
	MaxMessageBytes  int64
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleSignaling is the controller upgrade path. The ticket is redeemed
// before the upgrade so an invalid one costs a plain 401, not a socket.
func (s *Server) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		s.reject(w, http.StatusUnauthorized, "missing ticket")
		return
	}
	startKey, err := s.cfg.Tickets.Consume(r.Context(), ticket)
	if err != nil {
		s.reject(w, http.StatusUnauthorized, "invalid ticket")
		return
	}
	if controllers, _ := s.cfg.Registry.Counts(); controllers >= s.cfg.MaxLocalClients {
		s.reject(w, http.StatusServiceUnavailable, "too many controllers")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := newChannel(conn)

	if err := s.cfg.Registry.AttachController(startKey, ch); err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "unknown room")
		_ = conn.Close()
		return
	}
	s.cfg.Metrics.Inc(metrics.CounterTicketsConsumed)

	if err := s.sendIceServerInfo(ch); err != nil {
		_ = ch.Close()
		return
	}

	sup := liveness.New(liveness.Config{
		Conn:         ch,
		Clock:        s.cfg.Clock,
		PingInterval: s.cfg.LocalPingInterval,
		Timeout:      s.cfg.LocalTimeout,
		Logger:       s.cfg.Logger,
		OnTimeout: func() {
			// A lost controller notifies nobody; peers discover it when
			// their own traffic goes unanswered.
			s.cfg.Metrics.Inc(metrics.CounterLivenessTimeouts)
			s.cfg.Logger.Info("controller timed out", "startKey", startKey)
		},
	})
	sup.Start()
	defer sup.Stop()

	s.controllerReadLoop(r.Context(), startKey, conn, ch, sup)
}

func (s *Server) controllerReadLoop(ctx context.Context, startKey string, conn *websocket.Conn, ch *wsChannel, sup *liveness.Supervisor) {
	defer ch.markClosed()
	for {
		msg, ok := s.nextMessage(conn)
		if !ok {
			return
		}
		var header protocol.Header
		if err := json.Unmarshal(msg, &header); err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}
		switch header.MessageType {
		case protocol.EventPong:
			sup.Pong()
		case "":
			s.cfg.Logger.Warn("controller message without messageType", "startKey", startKey)
		default:
			if header.PeerConnectionID == "" {
				s.cfg.Logger.Warn("dropping unaddressed controller message",
					"startKey", startKey, "messageType", header.MessageType)
				s.cfg.Metrics.Inc(metrics.CounterDroppedMessages)
				continue
			}
			_ = s.cfg.Relay.ToPeer(ctx, startKey, header.PeerConnectionID, header.MessageType, msg)
			s.cfg.Metrics.Inc(metrics.CounterRelayedToPeer)
		}
	}
}

// HandleRemote is the peer upgrade path for the push transport.
func (s *Server) HandleRemote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	startKey := query.Get("startKey")
	peerID := protocol.PeerID(query.Get("peerConnectionId"))

	if startKey == "" || peerID == "" {
		s.reject(w, http.StatusBadRequest, "missing startKey or peerConnectionId")
		return
	}
	if _, ok := s.cfg.Registry.Lookup(startKey); !ok {
		s.reject(w, http.StatusUnauthorized, "unknown start key")
		return
	}
	if _, peers := s.cfg.Registry.Counts(); peers >= s.cfg.MaxRemoteClients {
		s.reject(w, http.StatusServiceUnavailable, "too many peers")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := newChannel(conn)

	// The room may be reclaimed and re-provisioned during the handshake;
	// everything past this point uses the room the channel joined.
	room, err := s.cfg.Registry.AttachPeer(startKey, peerID, ch)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "unknown room")
		_ = conn.Close()
		return
	}

	if err := s.sendIceServerInfo(ch); err != nil {
		_ = ch.Close()
		s.cfg.Registry.DetachPeer(startKey, peerID)
		return
	}

	// Detach and notify exactly once, whether the peer disconnects or its
	// liveness times out.
	var cleanup sync.Once
	detachAndNotify := func(ctx context.Context) {
		cleanup.Do(func() {
			heldPrimary := false
			if holder, held := room.PrimaryClaim(); held && holder == peerID {
				heldPrimary = true
			}
			s.cfg.Registry.DetachPeer(startKey, peerID)
			_ = s.cfg.Relay.ToController(ctx, startKey, protocol.Close(peerID, heldPrimary))
		})
	}

	sup := liveness.New(liveness.Config{
		Conn:         ch,
		Clock:        s.cfg.Clock,
		PingInterval: s.cfg.RemotePingInterval,
		Timeout:      s.cfg.RemoteTimeout,
		Logger:       s.cfg.Logger,
		OnTimeout: func() {
			s.cfg.Metrics.Inc(metrics.CounterLivenessTimeouts)
			s.cfg.Logger.Info("peer timed out", "startKey", startKey, "peerConnectionId", string(peerID))
			detachAndNotify(context.Background())
		},
	})
	sup.Start()
	defer sup.Stop()

	s.peerReadLoop(r.Context(), startKey, room, peerID, conn, ch, sup)
	detachAndNotify(context.Background())
}

func (s *Server) peerReadLoop(ctx context.Context, startKey string, room *registry.Room, peerID protocol.PeerID, conn *websocket.Conn, ch *wsChannel, sup *liveness.Supervisor) {
	defer ch.markClosed()
	for {
		msg, ok := s.nextMessage(conn)
		if !ok {
			return
		}
		var header protocol.Header
		if err := json.Unmarshal(msg, &header); err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}
		switch header.MessageType {
		case protocol.EventPong:
			sup.Pong()
		case protocol.EventCanOffer:
			state := arbiter.Decide(room, peerID, header.IsPrimary)
			if err := ch.Send(protocol.CanOfferResponse(peerID, header.IsPrimary, string(state))); err != nil {
				return
			}
		case protocol.EventOffer:
			_ = s.cfg.Relay.ToController(ctx, startKey, msg)
			s.cfg.Metrics.Inc(metrics.CounterRelayedToController)
		case "":
			s.cfg.Logger.Warn("peer message without messageType",
				"startKey", startKey, "peerConnectionId", string(peerID))
		default:
			_ = s.cfg.Relay.ToController(ctx, startKey, msg)
			s.cfg.Metrics.Inc(metrics.CounterRelayedToController)
		}
	}
}

// nextMessage reads one text message, enforcing the size cap. ok=false
// means the loop should end; close frames have already been written where
// appropriate.
func (s *Server) nextMessage(conn *websocket.Conn) ([]byte, bool) {
	msgType, msgReader, err := conn.NextReader()
	if err != nil {
		return nil, false
	}
	if msgType != websocket.TextMessage {
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return nil, false
	}
	msg, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
	if err != nil {
		if err == errMessageTooLarge {
			writeClose(conn, websocket.CloseMessageTooBig, "message too large")
		} else {
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
		}
		return nil, false
	}
	return msg, true
}

func (s *Server) sendIceServerInfo(ch *wsChannel) error {
	servers, err := s.cfg.Credentials.ICEServers()
	if err != nil {
		s.cfg.Logger.Error("issuing ICE servers failed", "err", err)
		return err
	}
	return ch.Send(protocol.IceServerInfo(servers))
}

func (s *Server) reject(w http.ResponseWriter, status int, reason string) {
	s.cfg.Metrics.Inc(metrics.CounterRejectedUpgrades)
	http.Error(w, reason, status)
}
