package ports

import (
	"context"

	"swarmcast/internal/core/domain"
)

// SegmentStore is the durable home of segment payloads and the persisted
// cache index. Implementations must keep the two in the same store so a
// single Open failure disables both.
type SegmentStore interface {
	Open(ctx context.Context) error
	Close() error

	// Payload operations.
	WriteSegment(ctx context.Context, key domain.SegmentKey, payload []byte) error
	ReadSegment(ctx context.Context, key domain.SegmentKey) ([]byte, error)
	DeleteSegment(ctx context.Context, key domain.SegmentKey) error

	// Index operations. SaveIndex overwrites the persisted index in full.
	SaveIndex(ctx context.Context, entries []domain.SegmentMeta) error
	LoadIndex(ctx context.Context) ([]domain.SegmentMeta, error)
}

// RoomRegistry tracks which peers are in which room on the relay side.
type RoomRegistry interface {
	Add(ctx context.Context, peer *domain.RoomPeer) error
	Remove(ctx context.Context, id domain.PeerID) error
	GetByID(ctx context.Context, id domain.PeerID) (*domain.RoomPeer, error)
	ListRoom(ctx context.Context, contentID domain.VideoCID) ([]*domain.RoomPeer, error)
}
