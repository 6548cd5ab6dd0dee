package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"fim-go/internal/checksum"
	"fim-go/internal/encryption"
	"fim-go/internal/fim"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	store, err := NewStore(backend, encryption.NewTestEncryptor(), fim.NewNopLogger(), cfg)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, backend
}

func TestStore_PutGet(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t, Config{})

		content := []byte("<?php echo 'v1';\n")
		digest, err := store.Put(content)
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if digest != checksum.Sum(content) {
			t.Errorf("digest = %s, want plaintext digest", digest)
		}

		got, err := store.Get(digest)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("Get() = %q, want %q", got, content)
		}
	})

	t.Run("put is idempotent", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t, Config{})

		first, err := store.Put([]byte("same"))
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		second, err := store.Put([]byte("same"))
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if first != second {
			t.Errorf("digests differ: %s vs %s", first, second)
		}

		count, err := store.Count()
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if count != 1 {
			t.Errorf("stored blob count = %d, want 1", count)
		}
	})

	t.Run("missing digest reports not found", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t, Config{})

		_, err := store.Get("deadbeef")
		if !errors.Is(err, fim.ErrSnapshotNotFound) {
			t.Errorf("Get() error = %v, want ErrSnapshotNotFound", err)
		}
	})

	t.Run("corrupt blob reports not found, never wrong content", func(t *testing.T) {
		t.Parallel()
		store, backend := newTestStore(t, Config{})

		digest, err := store.Put([]byte("precious content"))
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		backend.Corrupt(digest)

		got, err := store.Get(digest)
		if !errors.Is(err, fim.ErrSnapshotNotFound) {
			t.Errorf("Get(corrupt) error = %v, want ErrSnapshotNotFound", err)
		}
		if got != nil {
			t.Error("Get(corrupt) returned content")
		}
	})

	t.Run("oversize content is rejected", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t, Config{MaxBlobSize: 16})

		if _, err := store.Put(make([]byte, 17)); err == nil {
			t.Error("expected error for oversize content")
		}

		// Accepts mirrors the Put ceiling so callers can check before
		// buffering content.
		if store.Accepts(17) {
			t.Error("Accepts(17) = true with a 16-byte ceiling")
		}
		if !store.Accepts(16) {
			t.Error("Accepts(16) = false with a 16-byte ceiling")
		}
	})
}

func TestStore_Retention(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, Config{Retention: 3})

	var digests []string
	for i := 0; i < 5; i++ {
		d, err := store.Put([]byte(fmt.Sprintf("content %d", i)))
		if err != nil {
			t.Fatalf("Put(%d) error = %v", i, err)
		}
		digests = append(digests, d)
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("blob count = %d, want 3", count)
	}

	// Oldest two evicted, newest three retained.
	for _, d := range digests[:2] {
		if _, err := store.Get(d); !errors.Is(err, fim.ErrSnapshotNotFound) {
			t.Errorf("oldest blob %s still retrievable", d)
		}
	}
	for _, d := range digests[2:] {
		if _, err := store.Get(d); err != nil {
			t.Errorf("recent blob %s not retrievable: %v", d, err)
		}
	}
}

func TestFilesystemBackend(t *testing.T) {
	t.Parallel()
	backend, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend() error = %v", err)
	}

	if err := backend.Put("abc123", []byte("data")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := backend.Get("abc123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "data" {
		t.Errorf("Get() = %q", got)
	}

	exists, err := backend.Exists("abc123")
	if err != nil || !exists {
		t.Errorf("Exists() = %v, %v, want true", exists, err)
	}

	entries, err := backend.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "abc123" {
		t.Errorf("List() = %+v", entries)
	}

	if err := backend.Delete("abc123"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := backend.Get("abc123"); !errors.Is(err, fim.ErrSnapshotNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrSnapshotNotFound", err)
	}

	// Deleting an absent key is not an error.
	if err := backend.Delete("missing"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}
