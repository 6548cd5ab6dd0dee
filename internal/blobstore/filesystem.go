package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fim-go/internal/fim"
)

// FilesystemBackend stores blobs as files named by digest under a single
// directory. Writes are atomic (temp file + rename); write time for
// retention ordering comes from the file's modification time.
type FilesystemBackend struct {
	dir string
}

var _ Backend = (*FilesystemBackend)(nil)

// NewFilesystemBackend creates the blob directory if needed.
func NewFilesystemBackend(dir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FilesystemBackend{dir: dir}, nil
}

func (b *FilesystemBackend) path(key string) string {
	return filepath.Join(b.dir, key)
}

func (b *FilesystemBackend) Put(key string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path(key)); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func (b *FilesystemBackend) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fim.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

func (b *FilesystemBackend) Exists(key string) (bool, error) {
	if _, err := os.Stat(b.path(key)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

func (b *FilesystemBackend) Delete(key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

func (b *FilesystemBackend) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("reading blob directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".tmp-") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Key:       de.Name(),
			WrittenAt: info.ModTime(),
		})
	}
	return entries, nil
}
