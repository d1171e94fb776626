package quarantine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/invisible-tech/download-sentinel/internal/types"
)

// Record describes one quarantined file.
type Record struct {
	ID             string            `json:"id"`
	OriginalPath   string            `json:"original_path"`
	QuarantinePath string            `json:"quarantine_path"`
	SHA256         string            `json:"sha256"`
	Size           int64             `json:"size"`
	Mode           uint32            `json:"mode"`
	ThreatLevel    types.ThreatLevel `json:"threat_level"`
	ThreatScore    float64           `json:"threat_score"`
	Confidence     float64           `json:"confidence"`
	Reason         string            `json:"reason"`
	Behaviors      []string          `json:"behaviors,omitempty"`
	Rules          []string          `json:"rules,omitempty"`
	QuarantinedAt  time.Time         `json:"quarantined_at"`
}

var (
	bucketRecords  = []byte("records")
	bucketHashes   = []byte("hashes")
	bucketRestored = []byte("restored")
)

// recordStore persists records in bbolt. The hashes bucket indexes
// records by content hash and enforces its uniqueness inside the same
// transaction that inserts the record. The restored bucket maps the hash
// of every restored file to the time it was restored.
type recordStore struct {
	db *bbolt.DB
}

func openRecordStore(path string) (*recordStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketHashes, bucketRestored} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create quarantine buckets: %w", err)
	}
	return &recordStore{db: db}, nil
}

func (s *recordStore) close() error {
	return s.db.Close()
}

func (s *recordStore) insert(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		hashes := tx.Bucket(bucketHashes)
		if hashes.Get([]byte(rec.SHA256)) != nil {
			return ErrAlreadyQuarantined
		}
		if err := tx.Bucket(bucketRecords).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return hashes.Put([]byte(rec.SHA256), []byte(rec.ID))
	})
}

func (s *recordStore) get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (s *recordStore) hasHash(sha string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketHashes).Get([]byte(sha)) != nil
		return nil
	})
	return found, err
}

func (s *recordStore) remove(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		data := records.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		if err := records.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketHashes).Delete([]byte(rec.SHA256))
	})
}

func (s *recordStore) markRestored(sha string, at time.Time) error {
	stamp, err := at.UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRestored).Put([]byte(sha), stamp)
	})
}

func (s *recordStore) unmarkRestored(sha string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRestored).Delete([]byte(sha))
	})
}

func (s *recordStore) restoredAt(sha string) (time.Time, bool, error) {
	var at time.Time
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		stamp := tx.Bucket(bucketRestored).Get([]byte(sha))
		if stamp == nil {
			return nil
		}
		found = true
		return at.UnmarshalText(stamp)
	})
	return at, found, err
}

// list returns all records ordered by quarantine time.
func (s *recordStore) list() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QuarantinedAt.Equal(out[j].QuarantinedAt) {
			return out[i].QuarantinedAt.Before(out[j].QuarantinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
