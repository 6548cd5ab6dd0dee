package blobstore

import (
	"fmt"

	"fim-go/internal/config"
	"fim-go/internal/fim"
)

// NewStoreFromConfig creates a snapshot store with the backend selected by
// the config type.
func NewStoreFromConfig(cfg config.SnapshotConfig, encryptor fim.Encryptor, logger fim.Logger) (*Store, error) {
	storeCfg := Config{
		Retention:   cfg.Retention,
		MaxBlobSize: cfg.MaxBlobSize,
	}

	switch cfg.Type {
	case "filesystem", "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem snapshot store requires dir to be set")
		}
		backend, err := NewFilesystemBackend(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		return NewStore(backend, encryptor, logger, storeCfg)
	case "memory":
		return NewStore(NewMemoryBackend(), encryptor, logger, storeCfg)
	case "s3":
		backend, err := NewS3Backend(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("creating s3 backend: %w", err)
		}
		return NewStore(backend, encryptor, logger, storeCfg)
	default:
		return nil, fmt.Errorf("unknown snapshot store type: %q", cfg.Type)
	}
}
