package httpserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/st-user/ojm-drone-remote/internal/arbiter"
	"github.com/st-user/ojm-drone-remote/internal/auth"
	"github.com/st-user/ojm-drone-remote/internal/metrics"
	"github.com/st-user/ojm-drone-remote/internal/protocol"
	"github.com/st-user/ojm-drone-remote/internal/registry"
	"github.com/st-user/ojm-drone-remote/internal/relay"
	"github.com/st-user/ojm-drone-remote/internal/ticket"
)

// handleGenerateKey provisions a new room behind bearer auth and returns
// its start key.
func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err == nil {
		err = s.deps.Verifier.Verify(token)
	}
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}

	startKey, err := newStartKey()
	if err != nil {
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "key generation failed"})
		return
	}
	if err := s.deps.Registry.Provision(r.Context(), startKey); err != nil {
		s.log.Error("provisioning room failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "provisioning failed"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"startKey": startKey})
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartKey string `json:"startKey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := s.deps.Tickets.Issue(r.Context(), req.StartKey)
	if err != nil {
		if errors.Is(err, ticket.ErrUnknownStartKey) {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unknown start key"})
			return
		}
		s.log.Error("issuing ticket failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "ticket issuance failed"})
		return
	}
	s.deps.Metrics.Inc(metrics.CounterTicketsIssued)
	WriteJSON(w, http.StatusOK, map[string]any{"ticket": token})
}

// handleStartObserving registers a polling session and returns the session
// key plus the bootstrap ICE server info a WebSocket peer would have been
// pushed.
func (s *Server) handleStartObserving(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartKey         string          `json:"startKey"`
		PeerConnectionID protocol.PeerID `json:"peerConnectionId"`
		IsPrimary        bool            `json:"isPrimary"`
		// Older clients nest the identity under "query".
		Query struct {
			PeerConnectionID protocol.PeerID `json:"peerConnectionId"`
			IsPrimary        bool            `json:"isPrimary"`
		} `json:"query"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PeerConnectionID == "" {
		req.PeerConnectionID = req.Query.PeerConnectionID
		req.IsPrimary = req.Query.IsPrimary
	}

	sessionKey, err := s.deps.Queue.StartObserving(r.Context(), req.StartKey, req.PeerConnectionID, req.IsPrimary)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownRoom) {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "unknown start key"})
			return
		}
		s.log.Error("starting observation failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "observation failed"})
		return
	}

	servers, err := s.deps.Credentials.ICEServers()
	if err != nil {
		s.log.Error("issuing ICE servers failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential issuance failed"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"sessionKey": sessionKey,
		"data":       json.RawMessage(protocol.IceServerInfo(servers)),
	})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"sessionKey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	envs, err := s.deps.Queue.Observe(r.Context(), req.SessionKey)
	if err != nil {
		if errors.Is(err, relay.ErrUnknownOrExpiredSession) {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "unknown or expired session"})
			return
		}
		s.log.Error("observe failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "observe failed"})
		return
	}
	if envs == nil {
		envs = []protocol.Envelope{}
	}
	WriteJSON(w, http.StatusOK, envs)
}

// handleSend accepts a peer event over HTTP and dispatches it the same way
// the peer WebSocket read loop would.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string          `json:"sessionKey"`
		EventName  string          `json:"eventName"`
		Message    json.RawMessage `json:"message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	startKey, peerID, isPrimary, err := s.deps.Queue.Session(r.Context(), req.SessionKey)
	if err != nil {
		if errors.Is(err, relay.ErrUnknownOrExpiredSession) {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "unknown or expired session"})
			return
		}
		s.log.Error("resolving session failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "send failed"})
		return
	}

	switch req.EventName {
	case protocol.EventCanOffer:
		room, ok := s.deps.Registry.Lookup(startKey)
		if !ok {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "unknown start key"})
			return
		}
		state := arbiter.Decide(room, peerID, isPrimary)
		reply, _ := json.Marshal(struct {
			PeerConnectionID protocol.PeerID `json:"peerConnectionId"`
			IsPrimary        bool            `json:"isPrimary"`
			State            string          `json:"state"`
		}{peerID, isPrimary, string(state)})
		if err := s.deps.Queue.Send(r.Context(), req.SessionKey, protocol.EventCanOffer, reply); err != nil {
			s.log.Error("queueing canOffer reply failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "send failed"})
			return
		}
	default:
		// offer and everything else goes to the controller, flattened into
		// the socket wire format.
		payload, err := flattenForController(req.EventName, peerID, isPrimary, req.Message)
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid message"})
			return
		}
		_ = s.deps.Relay.ToController(r.Context(), startKey, payload)
		s.deps.Metrics.Inc(metrics.CounterRelayedToController)
	}
	WriteJSON(w, http.StatusOK, map[string]any{})
}

// flattenForController merges the polled envelope into the flat
// messageType format the controller socket speaks.
func flattenForController(eventName string, peerID protocol.PeerID, isPrimary bool, message json.RawMessage) ([]byte, error) {
	fields := map[string]any{}
	if len(message) > 0 {
		if err := json.Unmarshal(message, &fields); err != nil {
			return nil, err
		}
	}
	fields["messageType"] = eventName
	fields["peerConnectionId"] = peerID
	fields["isPrimary"] = isPrimary
	return json.Marshal(fields)
}

func newStartKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// decodeJSON decodes the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return false
	}
	return true
}
