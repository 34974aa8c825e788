package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/pkg/utils"

	"go.uber.org/zap"
)

// CacheMetrics receives cache events; the prometheus collector implements
// it. A nil recorder disables reporting.
type CacheMetrics interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordEviction()
	RecordPrune(count int)
	RecordSelfHeal()
	SetCacheUsage(segments int, bytes int64)
}

// SegmentCache stores opaque segment payloads under a strict total-size
// budget and a maximum retention age, surviving restarts through the
// persisted index in its SegmentStore.
//
// A single mutex serializes all index mutations, so no caller ever
// observes totalSize out of step with the entry map.
type SegmentCache struct {
	store   ports.SegmentStore
	maxSize int64
	maxAge  time.Duration
	metrics CacheMetrics
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	entries     map[domain.SegmentKey]domain.SegmentMeta
	totalSize   int64
	initialized bool
	initDone    bool
}

func NewSegmentCache(
	store ports.SegmentStore,
	maxSize int64,
	maxAge time.Duration,
	metrics CacheMetrics,
	logger *zap.SugaredLogger,
) *SegmentCache {
	return &SegmentCache{
		store:   store,
		maxSize: maxSize,
		maxAge:  maxAge,
		metrics: metrics,
		logger:  logger,
		entries: make(map[domain.SegmentKey]domain.SegmentMeta),
	}
}

// Initialize opens the store, loads the persisted index and prunes
// over-age entries. Safe to call repeatedly and concurrently; every
// caller observes the outcome of the first attempt. If the store cannot
// be opened the cache stays disabled for the process lifetime and all
// operations become no-ops.
func (c *SegmentCache) Initialize(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initDone {
		return
	}
	c.initDone = true

	if err := c.store.Open(ctx); err != nil {
		c.logger.Errorw("segment store unavailable, cache disabled", "error", err)
		return
	}

	entries, err := c.store.LoadIndex(ctx)
	if err != nil {
		c.logger.Warnw("failed to load cache index, starting empty", "error", err)
		entries = nil
	}

	for _, meta := range entries {
		if meta.Size <= 0 {
			continue
		}
		c.entries[meta.Key] = meta
		c.totalSize += meta.Size
	}

	c.initialized = true
	c.pruneExpiredLocked(ctx)
	c.reportUsageLocked()

	c.logger.Infow("segment cache initialized",
		"segments", len(c.entries),
		"total_size", c.totalSize,
		"max_size", c.maxSize,
	)
}

// CacheSegment admits a segment if absent, evicting oldest entries until
// the payload fits. Segments larger than the whole budget are rejected
// outright so totalSize can never exceed the configured budget.
func (c *SegmentCache) CacheSegment(ctx context.Context, key domain.SegmentKey, payload []byte, videoCID domain.VideoCID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}
	if len(payload) == 0 {
		return
	}
	if _, exists := c.entries[key]; exists {
		return
	}

	size := int64(len(payload))
	if size > c.maxSize {
		c.logger.Warnw("segment larger than cache budget, not caching",
			"key", utils.TruncateString(string(key), 120),
			"size", size,
			"max_size", c.maxSize,
		)
		return
	}

	evicted := 0
	for c.totalSize+size > c.maxSize && len(c.entries) > 0 {
		c.evictOldestLocked(ctx)
		evicted++
	}

	if err := c.store.WriteSegment(ctx, key, payload); err != nil {
		c.logger.Warnw("failed to write segment, skipping",
			"key", utils.TruncateString(string(key), 120),
			"error", err,
		)
		// Evictions already happened; keep the persisted index in step.
		if evicted > 0 {
			c.persistIndexLocked(ctx)
		}
		return
	}

	c.entries[key] = domain.SegmentMeta{
		Key:      key,
		Size:     size,
		VideoCID: videoCID,
		CachedAt: utils.Now(),
	}
	c.totalSize += size
	c.persistIndexLocked(ctx)
	c.reportUsageLocked()
}

// GetSegment returns the cached payload for key. When the index claims
// presence but the store read fails, the stale entry is dropped and
// absence returned.
func (c *SegmentCache) GetSegment(ctx context.Context, key domain.SegmentKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, false
	}

	meta, exists := c.entries[key]
	if !exists {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss()
		}
		return nil, false
	}

	payload, err := c.store.ReadSegment(ctx, key)
	if err != nil {
		c.logger.Warnw("segment in index but unreadable, dropping entry",
			"key", utils.TruncateString(string(key), 120),
			"error", err,
		)
		delete(c.entries, key)
		c.totalSize -= meta.Size
		c.persistIndexLocked(ctx)
		c.reportUsageLocked()
		if c.metrics != nil {
			c.metrics.RecordSelfHeal()
			c.metrics.RecordCacheMiss()
		}
		return nil, false
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
	return payload, true
}

// HasSegment is a pure index membership check; it never touches the store.
func (c *SegmentCache) HasSegment(key domain.SegmentKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.entries[key]
	return exists
}

// RemoveVideo drops every cached segment belonging to videoCID and
// returns how many were removed.
func (c *SegmentCache) RemoveVideo(ctx context.Context, videoCID domain.VideoCID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0
	}

	removed := 0
	for key, meta := range c.entries {
		if meta.VideoCID != videoCID {
			continue
		}
		if err := c.store.DeleteSegment(ctx, key); err != nil {
			c.logger.Debugw("failed to delete segment payload", "key", key, "error", err)
		}
		delete(c.entries, key)
		c.totalSize -= meta.Size
		removed++
	}

	if removed > 0 {
		c.persistIndexLocked(ctx)
		c.reportUsageLocked()
	}
	return removed
}

// Stats returns a point-in-time summary of the cache.
func (c *SegmentCache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	cidSet := make(map[domain.VideoCID]struct{})
	for _, meta := range c.entries {
		cidSet[meta.VideoCID] = struct{}{}
	}
	cids := make([]domain.VideoCID, 0, len(cidSet))
	for cid := range cidSet {
		cids = append(cids, cid)
	}
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] })

	return domain.CacheStats{
		SegmentCount:   len(c.entries),
		TotalSize:      c.totalSize,
		TotalSizeHuman: utils.FormatBytes(c.totalSize),
		VideoCIDs:      cids,
	}
}

// Videos reports the cache footprint of every video with at least one
// cached segment, largest first.
func (c *SegmentCache) Videos() []domain.VideoUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	byCID := make(map[domain.VideoCID]*domain.VideoUsage)
	for _, meta := range c.entries {
		usage, ok := byCID[meta.VideoCID]
		if !ok {
			usage = &domain.VideoUsage{VideoCID: meta.VideoCID}
			byCID[meta.VideoCID] = usage
		}
		usage.Segments++
		usage.TotalSize += meta.Size
	}

	videos := make([]domain.VideoUsage, 0, len(byCID))
	for _, usage := range byCID {
		usage.SizeHuman = utils.FormatBytes(usage.TotalSize)
		videos = append(videos, *usage)
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].TotalSize == videos[j].TotalSize {
			return videos[i].VideoCID < videos[j].VideoCID
		}
		return videos[i].TotalSize > videos[j].TotalSize
	})
	return videos
}

// evictOldestLocked removes the entry with the smallest CachedAt, ties
// broken by key order. Store deletion is best-effort.
func (c *SegmentCache) evictOldestLocked(ctx context.Context) {
	var victim domain.SegmentKey
	var victimMeta domain.SegmentMeta
	found := false

	for key, meta := range c.entries {
		if !found ||
			meta.CachedAt.Before(victimMeta.CachedAt) ||
			(meta.CachedAt.Equal(victimMeta.CachedAt) && key < victim) {
			victim = key
			victimMeta = meta
			found = true
		}
	}
	if !found {
		return
	}

	if err := c.store.DeleteSegment(ctx, victim); err != nil {
		c.logger.Debugw("failed to delete evicted segment payload",
			"key", victim, "error", err)
	}
	delete(c.entries, victim)
	c.totalSize -= victimMeta.Size

	if c.metrics != nil {
		c.metrics.RecordEviction()
	}
	c.logger.Debugw("evicted segment",
		"key", utils.TruncateString(string(victim), 120),
		"size", victimMeta.Size,
		"cached_at", victimMeta.CachedAt,
	)
}

// pruneExpiredLocked removes every entry older than maxAge and persists
// the index once for the whole pass.
func (c *SegmentCache) pruneExpiredLocked(ctx context.Context) {
	now := utils.Now()
	pruned := 0

	for key, meta := range c.entries {
		if !meta.OlderThan(now, c.maxAge) {
			continue
		}
		if err := c.store.DeleteSegment(ctx, key); err != nil {
			c.logger.Debugw("failed to delete expired segment payload",
				"key", key, "error", err)
		}
		delete(c.entries, key)
		c.totalSize -= meta.Size
		pruned++
	}

	if pruned > 0 {
		c.persistIndexLocked(ctx)
		if c.metrics != nil {
			c.metrics.RecordPrune(pruned)
		}
		c.logger.Infow("pruned expired segments", "count", pruned)
	}
}

func (c *SegmentCache) persistIndexLocked(ctx context.Context) {
	entries := make([]domain.SegmentMeta, 0, len(c.entries))
	for _, meta := range c.entries {
		entries = append(entries, meta)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CachedAt.Equal(entries[j].CachedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].CachedAt.Before(entries[j].CachedAt)
	})

	if err := c.store.SaveIndex(ctx, entries); err != nil {
		c.logger.Warnw("failed to persist cache index", "error", err)
	}
}

func (c *SegmentCache) reportUsageLocked() {
	if c.metrics != nil {
		c.metrics.SetCacheUsage(len(c.entries), c.totalSize)
	}
}
