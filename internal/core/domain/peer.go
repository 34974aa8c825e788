package domain

import "time"

type PeerID string

// Room binds a client to the set of peers exchanging one video's
// segments. ParticipantID is an optional account-style username; peers
// without one are anonymous viewers.
type Room struct {
	ContentID     VideoCID
	ParticipantID string
}

// RoomPeer is one member of a room as tracked by the relay.
type RoomPeer struct {
	ID            PeerID
	ContentID     VideoCID
	ParticipantID string
	IsAgent       bool
	JoinedAt      time.Time
}

// DeliveryStats are the byte and peer counters a client periodically
// reports to the relay.
type DeliveryStats struct {
	BytesUploaded   int64 `json:"bytesUploaded"`
	BytesDownloaded int64 `json:"bytesDownloaded"`
	SegmentsShared  int64 `json:"segmentsShared"`
	PeersConnected  int   `json:"peersConnected"`
}
