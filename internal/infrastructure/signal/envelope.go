package signal

import (
	"encoding/json"

	"swarmcast/internal/core/domain"
)

// EnvelopeType discriminates messages on the relay connection.
type EnvelopeType string

const (
	TypeJoin         EnvelopeType = "join"
	TypeLeave        EnvelopeType = "leave"
	TypeOffer        EnvelopeType = "offer"
	TypeAnswer       EnvelopeType = "answer"
	TypeICECandidate EnvelopeType = "ice-candidate"
	TypePeerList     EnvelopeType = "peer-list"
	TypeStatsUpdate  EnvelopeType = "stats-update"
	TypeHeartbeat    EnvelopeType = "heartbeat"
	TypeError        EnvelopeType = "error"
)

// Envelope is the unit exchanged over the relay connection. Payload is
// never interpreted by this layer beyond routing; negotiation blobs pass
// through opaque.
type Envelope struct {
	Type         EnvelopeType    `json:"type"`
	SenderPeerID domain.PeerID   `json:"senderPeerId,omitempty"`
	TargetPeerID domain.PeerID   `json:"targetPeerId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload announces room membership.
type JoinPayload struct {
	PeerID        domain.PeerID   `json:"peerId"`
	ContentID     domain.VideoCID `json:"contentId"`
	ParticipantID string          `json:"participantId,omitempty"`
	IsAgent       bool            `json:"isAgent"`
}

// PeerListEntry is one roster line in a peer-list envelope.
type PeerListEntry struct {
	PeerID        domain.PeerID `json:"peerId"`
	ParticipantID string        `json:"participantId,omitempty"`
	IsAgent       bool          `json:"isAgent"`
}

// PeerListPayload is the relay-defined roster for the current room.
type PeerListPayload struct {
	ContentID domain.VideoCID `json:"contentId"`
	Peers     []PeerListEntry `json:"peers"`
}

// ErrorPayload carries a relay-side error notification.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Handler consumes one inbound envelope. At most one handler is
// registered per envelope type.
type Handler func(env Envelope)
