// Package blobstore implements the content-addressed snapshot store.
// Blobs are keyed by the SHA-256 digest of their plaintext; the stored
// value is compressed (zstd) and then encrypted. Retention is bounded:
// every write may evict the oldest-written blobs to stay under the cap.
package blobstore

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"fim-go/internal/checksum"
	"fim-go/internal/fim"
)

const (
	// DefaultRetention is the number of blobs kept when no cap is configured.
	DefaultRetention = 100

	// DefaultMaxBlobSize is the plaintext size ceiling for snapshots (1 MiB).
	DefaultMaxBlobSize = 1 << 20
)

// Entry describes one stored blob for retention ordering.
type Entry struct {
	Key       string
	WrittenAt time.Time
}

// Backend is the raw storage mechanics behind a Store. Backends hold
// opaque bytes; compression, encryption, and digest verification all
// happen in the Store.
type Backend interface {
	// Put stores data under key. Overwriting an existing key is allowed.
	Put(key string, data []byte) error

	// Get returns the data for key, or fim.ErrSnapshotNotFound.
	Get(key string) ([]byte, error)

	// Exists reports whether a blob is stored under key.
	Exists(key string) (bool, error)

	// Delete removes a blob. Deleting an absent key is not an error.
	Delete(key string) error

	// List returns all stored blobs with their write times.
	List() ([]Entry, error)
}

// Config tunes a Store. Zero values select the defaults.
type Config struct {
	Retention   int
	MaxBlobSize int64
}

// Store is the content-addressed snapshot store. It has a single writer
// per scan; reads may happen concurrently with that writer only through
// the backend's own guarantees.
type Store struct {
	backend   Backend
	encryptor fim.Encryptor
	logger    fim.Logger
	retention int
	maxSize   int64
	zenc      *zstd.Encoder
	zdec      *zstd.Decoder
}

var _ fim.SnapshotStore = (*Store)(nil)

// NewStore wraps a backend with compression, encryption, and retention.
func NewStore(backend Backend, encryptor fim.Encryptor, logger fim.Logger, cfg Config) (*Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = DefaultMaxBlobSize
	}

	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{
		backend:   backend,
		encryptor: encryptor,
		logger:    logger,
		retention: cfg.Retention,
		maxSize:   cfg.MaxBlobSize,
		zenc:      zenc,
		zdec:      zdec,
	}, nil
}

// Put stores plaintext keyed by its digest and returns the digest.
// Idempotent: if a blob with that digest already exists it is not
// rewritten and no retention pass runs.
func (s *Store) Put(plaintext []byte) (string, error) {
	if int64(len(plaintext)) > s.maxSize {
		return "", fmt.Errorf("content size %d exceeds snapshot ceiling %d", len(plaintext), s.maxSize)
	}

	digest := checksum.Sum(plaintext)

	exists, err := s.backend.Exists(digest)
	if err != nil {
		return "", fmt.Errorf("checking for existing snapshot: %w", err)
	}
	if exists {
		return digest, nil
	}

	compressed := s.zenc.EncodeAll(plaintext, nil)
	envelope, err := s.encryptor.Encrypt(compressed)
	if err != nil {
		return "", fmt.Errorf("encrypting snapshot: %w", err)
	}

	if err := s.backend.Put(digest, envelope); err != nil {
		return "", fmt.Errorf("storing snapshot: %w", err)
	}

	if err := s.enforceRetention(); err != nil {
		// The blob itself is stored; eviction failure is logged, not fatal.
		s.logger.Warn("snapshot retention enforcement failed", "error", err)
	}

	return digest, nil
}

// Get retrieves and verifies the plaintext for a digest. Decryption
// failures, decompression failures, and digest mismatches are all
// reported as fim.ErrSnapshotNotFound: a corrupt blob is never surfaced
// as wrong content.
func (s *Store) Get(digest string) ([]byte, error) {
	envelope, err := s.backend.Get(digest)
	if err != nil {
		if errors.Is(err, fim.ErrSnapshotNotFound) {
			return nil, fim.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	compressed, err := s.encryptor.Decrypt(envelope)
	if err != nil {
		s.logger.Warn("snapshot failed decryption", "digest", digest)
		return nil, fim.ErrSnapshotNotFound
	}

	plaintext, err := s.zdec.DecodeAll(compressed, nil)
	if err != nil {
		s.logger.Warn("snapshot failed decompression", "digest", digest)
		return nil, fim.ErrSnapshotNotFound
	}

	if checksum.Sum(plaintext) != digest {
		s.logger.Warn("snapshot digest mismatch", "digest", digest)
		return nil, fim.ErrSnapshotNotFound
	}

	return plaintext, nil
}

// Accepts reports whether plaintext of the given size fits under the
// store's blob size ceiling.
func (s *Store) Accepts(size int64) bool {
	return size <= s.maxSize
}

// Count returns the number of stored blobs.
func (s *Store) Count() (int, error) {
	entries, err := s.backend.List()
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}
	return len(entries), nil
}

// enforceRetention deletes oldest-by-write-time blobs until the count is
// at or under the configured cap.
func (s *Store) enforceRetention() error {
	entries, err := s.backend.List()
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if len(entries) <= s.retention {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].WrittenAt.Before(entries[j].WrittenAt)
	})

	for _, entry := range entries[:len(entries)-s.retention] {
		if err := s.backend.Delete(entry.Key); err != nil {
			return fmt.Errorf("evicting snapshot %s: %w", entry.Key, err)
		}
		s.logger.Debug("snapshot evicted", "digest", entry.Key)
	}
	return nil
}
