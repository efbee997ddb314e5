package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/voicebridge/proximity-relay/internal/proximity"
	"github.com/voicebridge/proximity-relay/internal/registry"
)

type MessageType string

const (
	// Client -> server.
	MessageTypeJoin     MessageType = "join"
	MessageTypePosition MessageType = "position"
	MessageTypeSpeaking MessageType = "speaking"
	MessageTypePong     MessageType = "pong"

	// Server -> client.
	MessageTypeJoined MessageType = "joined"
	MessageTypeNearby MessageType = "nearby"
	MessageTypeLeft   MessageType = "left"
	MessageTypeError  MessageType = "error"

	// Bidirectional peer-session negotiation envelopes. Their sdp/candidate
	// payload is routed, never interpreted.
	MessageTypeOffer     MessageType = "webrtc-offer"
	MessageTypeAnswer    MessageType = "webrtc-answer"
	MessageTypeCandidate MessageType = "webrtc-ice"
)

// clientMessage is the decoded shape of any inbound frame. Unknown extra
// fields are tolerated (peer-connection layers evolve their envelopes), but
// each type validates the fields it needs.
type clientMessage struct {
	Type MessageType `json:"type"`

	// join
	PlayerID string  `json:"playerId,omitempty"`
	Username string  `json:"username,omitempty"`
	Radius   float64 `json:"radius,omitempty"`

	// position self-report
	Position *registry.Position `json:"position,omitempty"`
	World    string             `json:"world,omitempty"`

	// speaking
	Speaking *bool `json:"speaking,omitempty"`

	// webrtc-* envelopes
	To        string          `json:"to,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case MessageTypeJoin:
		if m.PlayerID == "" {
			return fmt.Errorf("join message missing playerId")
		}
	case MessageTypePosition:
		if m.Position == nil && m.World == "" {
			return fmt.Errorf("position message carries neither position nor world")
		}
	case MessageTypeSpeaking:
		if m.Speaking == nil {
			return fmt.Errorf("speaking message missing speaking flag")
		}
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		if m.To == "" {
			return fmt.Errorf("%s message missing to", m.Type)
		}
	case MessageTypePong:
		// Keepalive, no payload.
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// JoinedDebug carries the diagnostic counters acknowledged to a joining
// client, so the plugin operator can tell "connected but never positioned"
// apart from a healthy join.
type JoinedDebug struct {
	HasPosition  bool `json:"hasPosition"`
	TotalPlayers int  `json:"totalPlayers"`
}

type JoinedMessage struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId"`
	Debug    JoinedDebug `json:"debug"`
}

type NearbyMessage struct {
	Type    MessageType             `json:"type"`
	Players []proximity.NearbyEntry `json:"players"`
}

// NewNearbyMessage never carries a nil slice: an empty nearby list marshals as
// [] so clients can unconditionally iterate it.
func NewNearbyMessage(players []proximity.NearbyEntry) NearbyMessage {
	if players == nil {
		players = []proximity.NearbyEntry{}
	}
	return NearbyMessage{Type: MessageTypeNearby, Players: players}
}

type SpeakingMessage struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId"`
	Speaking bool        `json:"speaking"`
}

type LeftMessage struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// signalForward is a negotiation envelope on its way to the target client,
// with the sender attached and, for offers only, a pairing volume.
type signalForward struct {
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Volume    *float64        `json:"volume,omitempty"`
}
