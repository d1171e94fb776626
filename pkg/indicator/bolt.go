package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketIndicators = []byte("indicators")

// BoltStore is a Store backed by a bbolt database file.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (or creates) the indicator database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open indicator db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndicators)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create indicator bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Store inserts ind. The existence check and the write share one
// transaction, so concurrent inserts of the same value yield one record.
func (s *BoltStore) Store(_ context.Context, ind Indicator) error {
	data, err := json.Marshal(ind)
	if err != nil {
		return fmt.Errorf("failed to marshal indicator: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndicators)
		key := []byte(ind.Value)
		if b.Get(key) != nil {
			return ErrDuplicate
		}
		return b.Put(key, data)
	})
}

// Search returns matching indicators, oldest first. Records that fail to
// decode are skipped.
func (s *BoltStore) Search(ctx context.Context, q Query) ([]Indicator, error) {
	var out []Indicator
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndicators).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ind Indicator
			if err := json.Unmarshal(v, &ind); err != nil {
				return nil
			}
			if q.Matches(ind) {
				out = append(out, ind)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search indicators: %w", err)
	}
	sortIndicators(out)
	return out, nil
}

// Count returns the number of stored indicators.
func (s *BoltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketIndicators).Stats().KeyN
		return nil
	})
	return n, err
}
