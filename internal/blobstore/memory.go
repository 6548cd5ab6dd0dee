package blobstore

import (
	"sync"
	"time"

	"fim-go/internal/fim"
)

// MemoryBackend is an in-memory Backend, safe for concurrent use.
// Useful for tests. Write times use a monotonic counter layered on the
// wall clock so same-instant writes still have a stable eviction order.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	times map[string]time.Time
	seq   int64
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blobs: make(map[string][]byte),
		times: make(map[string]time.Time),
	}
}

func (b *MemoryBackend) Put(key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = append([]byte(nil), data...)
	b.seq++
	b.times[key] = time.Now().Add(time.Duration(b.seq) * time.Nanosecond)
	return nil
}

func (b *MemoryBackend) Get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fim.ErrSnapshotNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Exists(key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[key]
	return ok, nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	delete(b.times, key)
	return nil
}

func (b *MemoryBackend) List() ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]Entry, 0, len(b.blobs))
	for key := range b.blobs {
		entries = append(entries, Entry{Key: key, WrittenAt: b.times[key]})
	}
	return entries, nil
}

// Corrupt overwrites the stored bytes for a key in place. Test helper for
// exercising the corrupt-blob degrade path.
func (b *MemoryBackend) Corrupt(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.blobs[key]; ok && len(data) > 0 {
		data[len(data)/2] ^= 0xFF
	}
}
