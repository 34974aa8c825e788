package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRegistry keeps room membership in redis so several relay
// instances can share one roster.
type RedisRoomRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRegistry(client *redis.Client) ports.RoomRegistry {
	return &RedisRoomRegistry{
		client: client,
		prefix: "swarmcast:peer:",
	}
}

func (r *RedisRoomRegistry) peerKey(id domain.PeerID) string {
	return r.prefix + string(id)
}

func (r *RedisRoomRegistry) roomKey(contentID domain.VideoCID) string {
	return fmt.Sprintf("swarmcast:room:%s:peers", contentID)
}

func (r *RedisRoomRegistry) Add(ctx context.Context, peer *domain.RoomPeer) error {
	// Re-adding supersedes the previous room membership.
	if existing, err := r.GetByID(ctx, peer.ID); err == nil {
		r.client.SRem(ctx, r.roomKey(existing.ContentID), string(peer.ID))
	}

	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal peer: %w", err)
	}

	if err := r.client.Set(ctx, r.peerKey(peer.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set peer in Redis: %w", err)
	}
	if err := r.client.SAdd(ctx, r.roomKey(peer.ContentID), string(peer.ID)).Err(); err != nil {
		return fmt.Errorf("failed to add peer to room set: %w", err)
	}
	return nil
}

func (r *RedisRoomRegistry) GetByID(ctx context.Context, id domain.PeerID) (*domain.RoomPeer, error) {
	data, err := r.client.Get(ctx, r.peerKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer from Redis: %w", err)
	}

	var peer domain.RoomPeer
	if err := json.Unmarshal([]byte(data), &peer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer: %w", err)
	}
	return &peer, nil
}

func (r *RedisRoomRegistry) Remove(ctx context.Context, id domain.PeerID) error {
	peer, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := r.client.SRem(ctx, r.roomKey(peer.ContentID), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove peer from room set: %w", err)
	}
	if err := r.client.Del(ctx, r.peerKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete peer from Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRegistry) ListRoom(ctx context.Context, contentID domain.VideoCID) ([]*domain.RoomPeer, error) {
	ids, err := r.client.SMembers(ctx, r.roomKey(contentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room peers from Redis: %w", err)
	}

	var peers []*domain.RoomPeer
	for _, id := range ids {
		peer, err := r.GetByID(ctx, domain.PeerID(id))
		if err != nil {
			// Entry expired between SMembers and Get; drop the dangling id.
			r.client.SRem(ctx, r.roomKey(contentID), id)
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}
