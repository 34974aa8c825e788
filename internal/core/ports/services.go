package ports

import (
	"context"
	"encoding/json"

	"swarmcast/internal/core/domain"
)

// SegmentCacheService is the bounded local cache the delivery coordinator
// reads from and writes into. All operations degrade to no-ops when the
// underlying store could not be opened.
// Every failure path inside the cache degrades to a no-op plus a log
// line, so none of these methods return errors.
type SegmentCacheService interface {
	Initialize(ctx context.Context)
	CacheSegment(ctx context.Context, key domain.SegmentKey, payload []byte, videoCID domain.VideoCID)
	GetSegment(ctx context.Context, key domain.SegmentKey) ([]byte, bool)
	HasSegment(key domain.SegmentKey) bool
	RemoveVideo(ctx context.Context, videoCID domain.VideoCID) int
	Stats() domain.CacheStats
	Videos() []domain.VideoUsage
}

// SignalingService is the room/negotiation surface the delivery
// coordinator uses. Sends are fire-and-forget; none of them report
// delivery.
type SignalingService interface {
	Connect(ctx context.Context, address string)
	Disconnect()
	JoinRoom(contentID domain.VideoCID, participantID string)
	LeaveRoom()
	SendOffer(target domain.PeerID, offer json.RawMessage)
	SendAnswer(target domain.PeerID, answer json.RawMessage)
	SendICECandidate(target domain.PeerID, candidate json.RawMessage)
	UpdateStats(stats domain.DeliveryStats)
}
