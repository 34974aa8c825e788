package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	segmentsBucket = []byte("segments")
	metaBucket     = []byte("meta")
	indexKey       = []byte("cache_index")
)

// BoltSegmentStore keeps segment payloads and the persisted cache index
// in a single bbolt file. Payloads live in their own bucket; the index is
// a single JSON record in a small metadata bucket, always overwritten in
// full.
type BoltSegmentStore struct {
	path   string
	db     *bolt.DB
	logger *zap.SugaredLogger
}

func NewBoltSegmentStore(path string, logger *zap.SugaredLogger) ports.SegmentStore {
	return &BoltSegmentStore{
		path:   path,
		logger: logger,
	}
}

func (s *BoltSegmentStore) Open(ctx context.Context) error {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open segment store %s: %w", s.path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(segmentsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create store buckets: %w", err)
	}

	s.db = db
	return nil
}

func (s *BoltSegmentStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltSegmentStore) WriteSegment(ctx context.Context, key domain.SegmentKey, payload []byte) error {
	if s.db == nil {
		return domain.ErrStoreUnavailable
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).Put([]byte(key), payload)
	})
}

func (s *BoltSegmentStore) ReadSegment(ctx context.Context, key domain.SegmentKey) ([]byte, error) {
	if s.db == nil {
		return nil, domain.ErrStoreUnavailable
	}

	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(segmentsBucket).Get([]byte(key))
		if v == nil {
			return domain.ErrSegmentNotFound
		}
		// v is only valid inside the transaction
		payload = make([]byte, len(v))
		copy(payload, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *BoltSegmentStore) DeleteSegment(ctx context.Context, key domain.SegmentKey) error {
	if s.db == nil {
		return domain.ErrStoreUnavailable
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).Delete([]byte(key))
	})
}

func (s *BoltSegmentStore) SaveIndex(ctx context.Context, entries []domain.SegmentMeta) error {
	if s.db == nil {
		return domain.ErrStoreUnavailable
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal cache index: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(indexKey, data)
	})
}

// LoadIndex returns the persisted index, or an empty one when no index
// was saved yet or the stored record does not parse. A corrupt index is
// logged and discarded rather than surfaced.
func (s *BoltSegmentStore) LoadIndex(ctx context.Context) ([]domain.SegmentMeta, error) {
	if s.db == nil {
		return nil, domain.ErrStoreUnavailable
	}

	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(indexKey)
		if v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if raw == nil {
		return nil, nil
	}

	var entries []domain.SegmentMeta
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warnw("discarding corrupt cache index", "error", err)
		return nil, nil
	}
	return entries, nil
}
