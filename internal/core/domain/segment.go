package domain

import "time"

// SegmentKey is the addressable URL of a media segment, the unit of
// caching and peer exchange.
type SegmentKey string

// VideoCID is the stable content identifier of a video; all of its
// segments carry the same VideoCID.
type VideoCID string

// SegmentMeta describes one cached segment. Size is always > 0; zero-byte
// segments are never admitted.
type SegmentMeta struct {
	Key      SegmentKey `json:"url"`
	Size     int64      `json:"size"`
	VideoCID VideoCID   `json:"videoCid"`
	CachedAt time.Time  `json:"cachedAt"`
}

// OlderThan reports whether the segment was cached before now-maxAge.
func (m SegmentMeta) OlderThan(now time.Time, maxAge time.Duration) bool {
	return now.Sub(m.CachedAt) > maxAge
}

// VideoUsage summarizes the cache footprint of one video.
type VideoUsage struct {
	VideoCID  VideoCID `json:"videoCid"`
	Segments  int      `json:"segments"`
	TotalSize int64    `json:"totalSize"`
	SizeHuman string   `json:"sizeHuman"`
}

// CacheStats is a point-in-time summary of the segment cache.
type CacheStats struct {
	SegmentCount   int        `json:"segmentCount"`
	TotalSize      int64      `json:"totalSize"`
	TotalSizeHuman string     `json:"totalSizeHuman"`
	VideoCIDs      []VideoCID `json:"videoCids"`
}

const (
	// DefaultMaxCacheSize is the total-size budget for cached segments.
	DefaultMaxCacheSize = 500 * 1024 * 1024

	// DefaultMaxSegmentAge is how long a segment may stay cached before
	// it is pruned at initialization.
	DefaultMaxSegmentAge = 7 * 24 * time.Hour
)
