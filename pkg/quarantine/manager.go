// Package quarantine encrypts files judged malicious, removes the
// originals and tracks them until they are restored, deleted or expire.
package quarantine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/internal/types"
)

var (
	// ErrAlreadyQuarantined is returned when identical content is already
	// held in quarantine. It is an expected outcome, not a failure.
	ErrAlreadyQuarantined = errors.New("content already quarantined")
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("quarantine record not found")
	// ErrOriginalNotRemoved marks a quarantine whose artifact and record
	// were written but whose original file is still on disk.
	ErrOriginalNotRemoved = errors.New("original file not removed")
	// ErrIntegrity is returned when restored content does not match the
	// recorded hash.
	ErrIntegrity = errors.New("restored content does not match recorded hash")
	// ErrDestinationExists is returned when a restore would overwrite a file.
	ErrDestinationExists = errors.New("restore destination already exists")
	// ErrTooLarge is returned for files above the configured size limit.
	ErrTooLarge = errors.New("file exceeds quarantine size limit")
)

// PartialQuarantineError reports a quarantine that encrypted and recorded
// the file but could not remove the original. The record stays valid, so
// the caller can retry the removal or restore from it.
type PartialQuarantineError struct {
	Record Record
	Err    error
}

func (e *PartialQuarantineError) Error() string {
	return fmt.Sprintf("quarantined %s as %s but failed to remove original: %v", e.Record.OriginalPath, e.Record.ID, e.Err)
}

func (e *PartialQuarantineError) Unwrap() []error {
	return []error{ErrOriginalNotRemoved, e.Err}
}

// Config configures a Manager.
type Config struct {
	Dir         string
	MaxFileSize int64
}

// DefaultMaxFileSize bounds how large a file may be quarantined.
const DefaultMaxFileSize = 512 << 20

const (
	masterKeyFile = "master.key"
	databaseFile  = "quarantine.db"
	filesDir      = "files"
)

// Stats are quarantine counters. CurrentCount and TotalSize describe the
// records held right now.
type Stats struct {
	TotalQuarantined uint64 `json:"total_quarantined"`
	TotalRestored    uint64 `json:"total_restored"`
	TotalDeleted     uint64 `json:"total_deleted"`
	ExpiredCleaned   uint64 `json:"expired_cleaned"`
	CurrentCount     int    `json:"current_count"`
	TotalSize        int64  `json:"total_size"`
}

// Manager owns the quarantine directory. Mutating operations are
// serialized; reads may run concurrently with each other.
type Manager struct {
	cfg   Config
	log   *logrus.Logger
	store *recordStore
	enc   *FileEncryption
	files string

	mu    sync.Mutex
	stats Stats

	now    func() time.Time
	remove func(string) error
}

// New opens (or initializes) the quarantine at cfg.Dir.
func New(cfg Config, log *logrus.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("quarantine directory must be set")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	files := filepath.Join(cfg.Dir, filesDir)
	for _, d := range []string{cfg.Dir, files} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
		}
		if err := os.Chmod(d, 0700); err != nil {
			return nil, fmt.Errorf("failed to restrict quarantine directory: %w", err)
		}
	}

	identity, err := LoadOrCreateIdentity(filepath.Join(cfg.Dir, masterKeyFile))
	if err != nil {
		return nil, err
	}
	enc, err := NewFileEncryption(identity, uint64(cfg.MaxFileSize))
	if err != nil {
		return nil, err
	}
	store, err := openRecordStore(filepath.Join(cfg.Dir, databaseFile))
	if err != nil {
		enc.Close()
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		log:    log,
		store:  store,
		enc:    enc,
		files:  files,
		now:    time.Now,
		remove: os.Remove,
	}
	if recs, err := store.list(); err == nil {
		quarantinedFiles.Set(float64(len(recs)))
	}
	return m, nil
}

// Close releases the database and encryption resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enc.Close()
	return m.store.close()
}

// QuarantineFile encrypts the file at path into the quarantine, records
// it with the verdict and removes the original.
//
// Identical content already in quarantine yields ErrAlreadyQuarantined and
// leaves the file alone. If the original cannot be removed the returned
// error is a *PartialQuarantineError carrying the persisted record.
func (m *Manager) QuarantineFile(path string, v types.Verdict) (*Record, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("refusing to quarantine non-regular file %s", path)
	}
	if info.Size() > m.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"path": path, "sha256": digest})
	if dup, err := m.store.hasHash(digest); err != nil {
		return nil, fmt.Errorf("failed to check quarantine index: %w", err)
	} else if dup {
		quarantineOps.WithLabelValues("quarantine", "duplicate").Inc()
		log.Info("Content already quarantined")
		return nil, ErrAlreadyQuarantined
	}

	blob, err := m.enc.Seal(data, sum[:])
	if err != nil {
		quarantineOps.WithLabelValues("quarantine", "error").Inc()
		return nil, fmt.Errorf("failed to encrypt file: %w", err)
	}

	now := m.now()
	rec := Record{
		ID:            uuid.NewString(),
		OriginalPath:  path,
		SHA256:        digest,
		Size:          info.Size(),
		Mode:          uint32(info.Mode().Perm()),
		ThreatLevel:   v.ThreatLevel,
		ThreatScore:   v.CompositeScore,
		Confidence:    v.Confidence,
		Reason:        v.Summary(),
		Behaviors:     v.DetectedBehaviors,
		Rules:         v.TriggeredRules,
		QuarantinedAt: now,
	}
	rec.QuarantinePath = filepath.Join(m.files, artifactName(now, digest, "", path))

	err = writeFileExclusive(rec.QuarantinePath, blob, 0600)
	if errors.Is(err, fs.ErrExist) {
		rec.QuarantinePath = filepath.Join(m.files, artifactName(now, digest, rec.ID[:8], path))
		err = writeFileExclusive(rec.QuarantinePath, blob, 0600)
	}
	if err != nil {
		quarantineOps.WithLabelValues("quarantine", "error").Inc()
		return nil, fmt.Errorf("failed to write quarantine artifact: %w", err)
	}
	if err := m.store.insert(rec); err != nil {
		if rmErr := os.Remove(rec.QuarantinePath); rmErr != nil {
			log.WithError(rmErr).Error("Failed to remove artifact after record insert failed")
		}
		quarantineOps.WithLabelValues("quarantine", "error").Inc()
		if errors.Is(err, ErrAlreadyQuarantined) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist quarantine record: %w", err)
	}

	m.stats.TotalQuarantined++
	quarantinedFiles.Inc()

	if err := m.remove(path); err != nil {
		quarantineOps.WithLabelValues("quarantine", "partial").Inc()
		log.WithError(err).WithField("id", rec.ID).Error("File encrypted into quarantine but original could not be removed")
		return &rec, &PartialQuarantineError{Record: rec, Err: err}
	}

	quarantineOps.WithLabelValues("quarantine", "ok").Inc()
	log.WithFields(logrus.Fields{
		"id":           rec.ID,
		"threat_level": rec.ThreatLevel.String(),
		"score":        rec.ThreatScore,
	}).Warn("File quarantined")
	return &rec, nil
}

// RestoreFile decrypts the record's artifact to destination, which must
// not exist, then removes the artifact and the record.
func (m *Manager) RestoreFile(id, destination string) (*Record, error) {
	if destination == "" {
		return nil, fmt.Errorf("restore destination must be set")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.get(id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(destination); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDestinationExists, destination)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to check destination: %w", err)
	}

	blob, err := os.ReadFile(rec.QuarantinePath)
	if err != nil {
		quarantineOps.WithLabelValues("restore", "error").Inc()
		return nil, fmt.Errorf("failed to read quarantine artifact: %w", err)
	}
	digest, err := hex.DecodeString(rec.SHA256)
	if err != nil {
		return nil, fmt.Errorf("%w: bad recorded hash", ErrIntegrity)
	}
	plaintext, err := m.enc.Open(blob, digest)
	if err != nil {
		quarantineOps.WithLabelValues("restore", "error").Inc()
		return nil, err
	}
	if sum := sha256.Sum256(plaintext); hex.EncodeToString(sum[:]) != rec.SHA256 {
		quarantineOps.WithLabelValues("restore", "error").Inc()
		return nil, ErrIntegrity
	}

	mode := os.FileMode(rec.Mode).Perm()
	if mode == 0 {
		mode = 0600
	}
	// The mark goes in before the file appears, so a watcher that sees
	// the restored file already finds it.
	_, marked, err := m.store.restoredAt(rec.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to check restore history: %w", err)
	}
	if err := m.store.markRestored(rec.SHA256, m.now()); err != nil {
		return nil, fmt.Errorf("failed to record restore: %w", err)
	}
	if err := writeFileExclusive(destination, plaintext, mode); err != nil {
		if !marked {
			if uerr := m.store.unmarkRestored(rec.SHA256); uerr != nil {
				m.log.WithError(uerr).WithField("id", id).Warn("Failed to clear restore mark")
			}
		}
		quarantineOps.WithLabelValues("restore", "error").Inc()
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, destination)
		}
		return nil, fmt.Errorf("failed to write restored file: %w", err)
	}

	if err := os.Remove(rec.QuarantinePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		quarantineOps.WithLabelValues("restore", "error").Inc()
		return nil, fmt.Errorf("restored to %s but failed to remove artifact: %w", destination, err)
	}
	if err := m.store.remove(id); err != nil {
		return nil, fmt.Errorf("restored to %s but failed to remove record: %w", destination, err)
	}

	m.stats.TotalRestored++
	quarantinedFiles.Dec()
	quarantineOps.WithLabelValues("restore", "ok").Inc()
	m.log.WithFields(logrus.Fields{"id": id, "destination": destination}).Info("File restored from quarantine")
	return &rec, nil
}

// DeleteFile permanently removes a record and its artifact. No plaintext
// is produced.
func (m *Manager) DeleteFile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteLocked(id); err != nil {
		return err
	}
	m.stats.TotalDeleted++
	quarantineOps.WithLabelValues("delete", "ok").Inc()
	m.log.WithField("id", id).Info("Quarantined file deleted")
	return nil
}

func (m *Manager) deleteLocked(id string) error {
	rec, err := m.store.get(id)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.QuarantinePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove quarantine artifact: %w", err)
	}
	if err := m.store.remove(id); err != nil {
		return fmt.Errorf("failed to remove quarantine record: %w", err)
	}
	quarantinedFiles.Dec()
	return nil
}

// CleanupExpired deletes every record older than retention and returns
// how many were removed. A retention of zero or less removes everything.
func (m *Manager) CleanupExpired(retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.store.list()
	if err != nil {
		return 0, err
	}
	now := m.now()
	removed := 0
	var errs []error
	for _, rec := range recs {
		if retention > 0 && now.Sub(rec.QuarantinedAt) <= retention {
			continue
		}
		if err := m.deleteLocked(rec.ID); err != nil {
			m.log.WithError(err).WithField("id", rec.ID).Error("Failed to remove expired quarantine record")
			errs = append(errs, err)
			continue
		}
		removed++
	}
	m.stats.ExpiredCleaned += uint64(removed)
	if removed > 0 {
		quarantineOps.WithLabelValues("cleanup", "ok").Add(float64(removed))
		m.log.WithFields(logrus.Fields{"removed": removed, "retention": retention.String()}).Info("Expired quarantine records removed")
	}
	return removed, errors.Join(errs...)
}

// List returns the quarantined records, oldest first, optionally
// restricted to one threat level.
func (m *Manager) List(level *types.ThreatLevel) ([]Record, error) {
	recs, err := m.store.list()
	if err != nil {
		return nil, err
	}
	if level == nil {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.ThreatLevel == *level {
			out = append(out, r)
		}
	}
	return out, nil
}

// Get returns the record with id.
func (m *Manager) Get(id string) (Record, error) {
	return m.store.get(id)
}

// IsQuarantined reports whether content with the given SHA-256 is held.
func (m *Manager) IsQuarantined(sha256Hex string) (bool, error) {
	return m.store.hasHash(strings.ToLower(sha256Hex))
}

// WasRestored reports whether content with the given SHA-256 was ever
// restored from quarantine, and when. The mark survives restarts.
func (m *Manager) WasRestored(sha256Hex string) (bool, time.Time, error) {
	at, ok, err := m.store.restoredAt(strings.ToLower(sha256Hex))
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to check restore history: %w", err)
	}
	return ok, at, nil
}

// Stats returns the counters along with the current holdings.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := m.stats
	m.mu.Unlock()

	recs, err := m.store.list()
	if err != nil {
		m.log.WithError(err).Warn("Failed to list quarantine records for stats")
		return st
	}
	st.CurrentCount = len(recs)
	for _, r := range recs {
		st.TotalSize += r.Size
	}
	return st
}

// artifactName is "<unix>_<first 8 of sha256>_<base name>.quar", with
// "_<disambiguator>" after the hash prefix when one is given.
func artifactName(at time.Time, digest, disambiguator, original string) string {
	base := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, filepath.Base(original))
	if len(base) > 128 {
		base = base[:128]
	}
	prefix := digest[:8]
	if disambiguator != "" {
		prefix += "_" + disambiguator
	}
	return fmt.Sprintf("%d_%s_%s.quar", at.Unix(), prefix, base)
}

// writeFileExclusive writes data to a temp file beside path, syncs it and
// links it into place. It never replaces an existing file: if path exists
// the error matches fs.ErrExist and nothing is written.
func writeFileExclusive(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	err = os.Link(tmpName, path)
	os.Remove(tmpName)
	if err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
