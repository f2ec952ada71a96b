package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peerledger/txsync/internal/model"
)

// Signaling message types. The relay-broadcast and direct peer channel
// transports share one envelope; a client never has to know which transport
// produced an incoming message.
const (
	TypeJoin                 = "join"
	TypeWelcome              = "welcome"
	TypeRoomJoined           = "room-joined"
	TypePeerJoined           = "peer-joined"
	TypePeerLeft             = "peer-left"
	TypeTransaction          = "transaction"
	TypeTransactionBroadcast = "transaction-broadcast"
	TypeTransactionP2P       = "transaction-p2p"
	TypeOffer                = "offer"
	TypeAnswer               = "answer"
	TypeICECandidate         = "ice_candidate"
	TypeConnected            = "webrtc-connected"
	TypeDisconnected         = "webrtc-disconnected"
	TypeError                = "error"
)

// ErrMalformedMessage is returned when an envelope fails to decode. The
// receiver logs and discards such messages; they never terminate a
// connection.
var ErrMalformedMessage = errors.New("malformed signaling message")

// Message is the wire envelope. Every field except MessageType is optional
// and absent by default. Offer, Answer and ICECandidate carry negotiation
// payloads that the protocol neither interprets nor validates.
type Message struct {
	MessageType  string             `json:"message_type"`
	RoomID       string             `json:"room_id,omitempty"`
	PeerID       string             `json:"peer_id,omitempty"`
	TargetPeer   string             `json:"target_peer,omitempty"`
	FromPeer     string             `json:"from_peer,omitempty"`
	Transaction  *model.Transaction `json:"transaction,omitempty"`
	Peers        []string           `json:"peers,omitempty"`
	Offer        json.RawMessage    `json:"offer,omitempty"`
	Answer       json.RawMessage    `json:"answer,omitempty"`
	ICECandidate json.RawMessage    `json:"ice_candidate,omitempty"`
}

// Decode parses a wire envelope.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.MessageType == "" {
		return Message{}, fmt.Errorf("%w: missing message_type", ErrMalformedMessage)
	}
	return m, nil
}

// Encode serializes the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
