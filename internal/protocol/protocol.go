// Package protocol defines the JSON message vocabulary shared by both relay
// transports.
//
// Messages on the persistent (WebSocket) transport are flat objects carrying a
// "messageType" discriminator; the polling transport wraps the same payloads
// in {eventName, data} envelopes. The relay never interprets SDP/ICE payloads,
// it only routes on the header fields below.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	EventIceServerInfo = "iceServerInfo"
	EventCanOffer      = "canOffer"
	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventPing          = "ping"
	EventPong          = "pong"
	EventClose         = "close"
)

// PeerID is an opaque peer connection identifier chosen by the client.
// Historically clients have sent it both as a JSON string and as a number, so
// it decodes from either.
type PeerID string

func (p *PeerID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty peerConnectionId")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = PeerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = PeerID(n.String())
	return nil
}

func (p PeerID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(p))), nil
}

// Header is the routing prefix common to all relayed messages. The remainder
// of each message is opaque to the relay.
type Header struct {
	MessageType      string `json:"messageType"`
	PeerConnectionID PeerID `json:"peerConnectionId,omitempty"`
	IsPrimary        bool   `json:"isPrimary,omitempty"`
}

// Envelope is one relayed message as stored and delivered by the queue
// transport.
type Envelope struct {
	EventName string          `json:"eventName"`
	Payload   json.RawMessage `json:"data"`
}

// Ping is the server-initiated liveness probe.
func Ping() []byte {
	return []byte(`{"messageType":"ping"}`)
}

// Close is the synthesized notification sent to a controller when one of its
// peers is evicted.
func Close(peerConnectionID PeerID, isPrimary bool) []byte {
	b, _ := json.Marshal(struct {
		MessageType      string `json:"messageType"`
		PeerConnectionID PeerID `json:"peerConnectionId"`
		IsPrimary        bool   `json:"isPrimary"`
	}{EventClose, peerConnectionID, isPrimary})
	return b
}

// CanOfferResponse carries the arbitration outcome back to the requesting
// peer. State is one of EMPTY, SAME or EXIST.
func CanOfferResponse(peerConnectionID PeerID, isPrimary bool, state string) []byte {
	b, _ := json.Marshal(struct {
		MessageType      string `json:"messageType"`
		PeerConnectionID PeerID `json:"peerConnectionId"`
		IsPrimary        bool   `json:"isPrimary"`
		State            string `json:"state"`
	}{EventCanOffer, peerConnectionID, isPrimary, state})
	return b
}

// IceServerInfo wraps the ICE server descriptors pushed to a newly attached
// channel. servers is marshalled as-is; nil means no-TURN/anonymous mode.
func IceServerInfo(servers any) []byte {
	b, _ := json.Marshal(struct {
		MessageType   string `json:"messageType"`
		IceServerInfo any    `json:"iceServerInfo"`
	}{EventIceServerInfo, servers})
	return b
}
