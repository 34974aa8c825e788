package memory

import (
	"context"
	"sort"
	"sync"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
)

type MemoryRoomRegistry struct {
	peers map[domain.PeerID]*domain.RoomPeer
	mu    sync.RWMutex
}

func NewMemoryRoomRegistry() ports.RoomRegistry {
	return &MemoryRoomRegistry{
		peers: make(map[domain.PeerID]*domain.RoomPeer),
	}
}

func (r *MemoryRoomRegistry) Add(ctx context.Context, peer *domain.RoomPeer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A peer is a member of at most one room; re-adding replaces the
	// previous membership.
	r.peers[peer.ID] = peer
	return nil
}

func (r *MemoryRoomRegistry) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}
	delete(r.peers, id)
	return nil
}

func (r *MemoryRoomRegistry) GetByID(ctx context.Context, id domain.PeerID) (*domain.RoomPeer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}
	return peer, nil
}

func (r *MemoryRoomRegistry) ListRoom(ctx context.Context, contentID domain.VideoCID) ([]*domain.RoomPeer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var peers []*domain.RoomPeer
	for _, peer := range r.peers {
		if peer.ContentID == contentID {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	return peers, nil
}
