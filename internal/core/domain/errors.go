package domain

import "errors"

var (
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrRoomNotFound     = errors.New("room not found")
	ErrStoreUnavailable = errors.New("segment store unavailable")
	ErrNotInitialized   = errors.New("cache not initialized")
)
