package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeSegmentStore keeps payloads in memory and can be told to fail
// individual operations.
type fakeSegmentStore struct {
	payloads map[domain.SegmentKey][]byte
	index    []domain.SegmentMeta

	failOpen  bool
	failRead  map[domain.SegmentKey]bool
	failWrite bool
	saves     int
}

func newFakeSegmentStore() *fakeSegmentStore {
	return &fakeSegmentStore{
		payloads: make(map[domain.SegmentKey][]byte),
		failRead: make(map[domain.SegmentKey]bool),
	}
}

func (f *fakeSegmentStore) Open(ctx context.Context) error {
	if f.failOpen {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (f *fakeSegmentStore) Close() error { return nil }

func (f *fakeSegmentStore) WriteSegment(ctx context.Context, key domain.SegmentKey, payload []byte) error {
	if f.failWrite {
		return errors.New("disk full")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.payloads[key] = buf
	return nil
}

func (f *fakeSegmentStore) ReadSegment(ctx context.Context, key domain.SegmentKey) ([]byte, error) {
	if f.failRead[key] {
		return nil, errors.New("corrupt record")
	}
	payload, ok := f.payloads[key]
	if !ok {
		return nil, domain.ErrSegmentNotFound
	}
	return payload, nil
}

func (f *fakeSegmentStore) DeleteSegment(ctx context.Context, key domain.SegmentKey) error {
	delete(f.payloads, key)
	return nil
}

func (f *fakeSegmentStore) SaveIndex(ctx context.Context, entries []domain.SegmentMeta) error {
	f.index = append([]domain.SegmentMeta(nil), entries...)
	f.saves++
	return nil
}

func (f *fakeSegmentStore) LoadIndex(ctx context.Context) ([]domain.SegmentMeta, error) {
	return f.index, nil
}

func pinClock(t *testing.T) func(time.Time) {
	t.Helper()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	current := base
	utils.Now = func() time.Time { return current }
	t.Cleanup(func() { utils.Now = time.Now })
	return func(at time.Time) { current = at }
}

func newTestCache(t *testing.T, store *fakeSegmentStore, maxSize int64, maxAge time.Duration) *SegmentCache {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	return NewSegmentCache(store, maxSize, maxAge, nil, logger)
}

func TestSegmentCache_RoundTrip(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)

	payload := []byte{0x00, 0x47, 0xff, 0x10, 0x00}
	cache.CacheSegment(ctx, "https://cdn.example/v/seg-001.ts", payload, "vid-a")

	got, ok := cache.GetSegment(ctx, "https://cdn.example/v/seg-001.ts")
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.True(t, cache.HasSegment("https://cdn.example/v/seg-001.ts"))

	stats := cache.Stats()
	assert.Equal(t, 1, stats.SegmentCount)
	assert.Equal(t, int64(5), stats.TotalSize)
	assert.Equal(t, []domain.VideoCID{"vid-a"}, stats.VideoCIDs)
}

func TestSegmentCache_UninitializedIsNoOp(t *testing.T) {
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.CacheSegment(ctx, "seg", []byte("data"), "vid-a")
	_, ok := cache.GetSegment(ctx, "seg")

	assert.False(t, ok)
	assert.False(t, cache.HasSegment("seg"))
	assert.Equal(t, 0, cache.Stats().SegmentCount)
	assert.Empty(t, store.payloads)
}

func TestSegmentCache_StoreOpenFailureDisablesCache(t *testing.T) {
	store := newFakeSegmentStore()
	store.failOpen = true
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.Initialize(ctx) // second call must not retry into a working state

	cache.CacheSegment(ctx, "seg", []byte("data"), "vid-a")
	assert.False(t, cache.HasSegment("seg"))
	assert.Equal(t, 0, cache.Stats().SegmentCount)
}

func TestSegmentCache_InsertIfAbsent(t *testing.T) {
	setClock := pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)

	cache.CacheSegment(ctx, "seg", []byte("original"), "vid-a")
	setClock(utils.Now().Add(time.Minute))
	cache.CacheSegment(ctx, "seg", []byte("replacement-longer"), "vid-a")

	got, ok := cache.GetSegment(ctx, "seg")
	require.True(t, ok)
	assert.Equal(t, []byte("original"), got)
	assert.Equal(t, int64(len("original")), cache.Stats().TotalSize)
}

func TestSegmentCache_EmptyPayloadIgnored(t *testing.T) {
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.CacheSegment(ctx, "seg", nil, "vid-a")
	cache.CacheSegment(ctx, "seg", []byte{}, "vid-a")

	assert.False(t, cache.HasSegment("seg"))
}

func TestSegmentCache_EvictsOldestUntilFit(t *testing.T) {
	setClock := pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 100, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)

	base := utils.Now()
	cache.CacheSegment(ctx, "seg-1", make([]byte, 40), "vid-a")
	setClock(base.Add(1 * time.Second))
	cache.CacheSegment(ctx, "seg-2", make([]byte, 40), "vid-a")
	setClock(base.Add(2 * time.Second))
	cache.CacheSegment(ctx, "seg-3", make([]byte, 40), "vid-a")

	// The oldest entry made room for the third.
	assert.False(t, cache.HasSegment("seg-1"))
	assert.True(t, cache.HasSegment("seg-2"))
	assert.True(t, cache.HasSegment("seg-3"))
	assert.Equal(t, int64(80), cache.Stats().TotalSize)

	_, ok := cache.GetSegment(ctx, "seg-1")
	assert.False(t, ok)
}

func TestSegmentCache_BudgetNeverExceeded(t *testing.T) {
	setClock := pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 100, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)

	sizes := []int{30, 70, 10, 95, 5, 60, 100, 1}
	base := utils.Now()
	for i, size := range sizes {
		setClock(base.Add(time.Duration(i) * time.Second))
		key := domain.SegmentKey(string(rune('a' + i)))
		cache.CacheSegment(ctx, key, make([]byte, size), "vid-a")
		assert.LessOrEqual(t, cache.Stats().TotalSize, int64(100))
	}
}

func TestSegmentCache_OversizedEntryRejected(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 100, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.CacheSegment(ctx, "small", make([]byte, 40), "vid-a")
	cache.CacheSegment(ctx, "huge", make([]byte, 101), "vid-a")

	// Existing entries survive; the oversized one never lands.
	assert.True(t, cache.HasSegment("small"))
	assert.False(t, cache.HasSegment("huge"))
	assert.Equal(t, int64(40), cache.Stats().TotalSize)
}

func TestSegmentCache_EvictionTieBreaksByKey(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 100, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)

	// Same CachedAt for both; the smaller key goes first.
	cache.CacheSegment(ctx, "seg-b", make([]byte, 40), "vid-a")
	cache.CacheSegment(ctx, "seg-a", make([]byte, 40), "vid-a")
	cache.CacheSegment(ctx, "seg-c", make([]byte, 40), "vid-a")

	assert.False(t, cache.HasSegment("seg-a"))
	assert.True(t, cache.HasSegment("seg-b"))
	assert.True(t, cache.HasSegment("seg-c"))
}

func TestSegmentCache_InitializePrunesExpired(t *testing.T) {
	setClock := pinClock(t)
	store := newFakeSegmentStore()
	now := utils.Now()
	store.index = []domain.SegmentMeta{
		{Key: "fresh", Size: 10, VideoCID: "vid-a", CachedAt: now.Add(-time.Hour)},
		{Key: "stale", Size: 20, VideoCID: "vid-a", CachedAt: now.Add(-8 * 24 * time.Hour)},
	}
	store.payloads["fresh"] = make([]byte, 10)
	store.payloads["stale"] = make([]byte, 20)

	cache := newTestCache(t, store, 1024, 7*24*time.Hour)
	ctx := context.Background()
	setClock(now)

	cache.Initialize(ctx)

	assert.True(t, cache.HasSegment("fresh"))
	assert.False(t, cache.HasSegment("stale"))

	stats := cache.Stats()
	assert.Equal(t, 1, stats.SegmentCount)
	assert.Equal(t, int64(10), stats.TotalSize)

	// The pruned index was persisted without the stale entry.
	require.Len(t, store.index, 1)
	assert.Equal(t, domain.SegmentKey("fresh"), store.index[0].Key)
}

func TestSegmentCache_InitializeSkipsZeroSizeRecords(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	store.index = []domain.SegmentMeta{
		{Key: "ok", Size: 10, VideoCID: "vid-a", CachedAt: utils.Now()},
		{Key: "bogus", Size: 0, VideoCID: "vid-a", CachedAt: utils.Now()},
	}
	store.payloads["ok"] = make([]byte, 10)

	cache := newTestCache(t, store, 1024, time.Hour)
	cache.Initialize(context.Background())

	assert.True(t, cache.HasSegment("ok"))
	assert.False(t, cache.HasSegment("bogus"))
}

func TestSegmentCache_SelfHealsUnreadableEntry(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.CacheSegment(ctx, "seg", []byte("data"), "vid-a")
	store.failRead["seg"] = true

	_, ok := cache.GetSegment(ctx, "seg")
	assert.False(t, ok)

	// The stale index entry is gone; a healthy re-add works again.
	assert.False(t, cache.HasSegment("seg"))
	assert.Equal(t, int64(0), cache.Stats().TotalSize)

	store.failRead["seg"] = false
	cache.CacheSegment(ctx, "seg", []byte("data"), "vid-a")
	assert.True(t, cache.HasSegment("seg"))
}

func TestSegmentCache_WriteFailureLeavesIndexUntouched(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)
	store.failWrite = true
	cache.CacheSegment(ctx, "seg", []byte("data"), "vid-a")

	assert.False(t, cache.HasSegment("seg"))
	assert.Equal(t, int64(0), cache.Stats().TotalSize)
}

func TestSegmentCache_RemoveVideo(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.CacheSegment(ctx, "a-1", make([]byte, 10), "vid-a")
	cache.CacheSegment(ctx, "a-2", make([]byte, 10), "vid-a")
	cache.CacheSegment(ctx, "b-1", make([]byte, 10), "vid-b")

	removed := cache.RemoveVideo(ctx, "vid-a")
	assert.Equal(t, 2, removed)
	assert.False(t, cache.HasSegment("a-1"))
	assert.False(t, cache.HasSegment("a-2"))
	assert.True(t, cache.HasSegment("b-1"))

	assert.Equal(t, 0, cache.RemoveVideo(ctx, "vid-unknown"))
}

func TestSegmentCache_Videos(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	cache := newTestCache(t, store, 1024, time.Hour)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.CacheSegment(ctx, "a-1", make([]byte, 30), "vid-a")
	cache.CacheSegment(ctx, "b-1", make([]byte, 50), "vid-b")
	cache.CacheSegment(ctx, "b-2", make([]byte, 50), "vid-b")

	videos := cache.Videos()
	require.Len(t, videos, 2)
	assert.Equal(t, domain.VideoCID("vid-b"), videos[0].VideoCID)
	assert.Equal(t, 2, videos[0].Segments)
	assert.Equal(t, int64(100), videos[0].TotalSize)
	assert.Equal(t, domain.VideoCID("vid-a"), videos[1].VideoCID)
}

func TestSegmentCache_IndexSurvivesRestart(t *testing.T) {
	pinClock(t)
	store := newFakeSegmentStore()
	ctx := context.Background()

	first := newTestCache(t, store, 1024, time.Hour)
	first.Initialize(ctx)
	first.CacheSegment(ctx, "seg", []byte("payload"), "vid-a")

	second := newTestCache(t, store, 1024, time.Hour)
	second.Initialize(ctx)

	got, ok := second.GetSegment(ctx, "seg")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}
