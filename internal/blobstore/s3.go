package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fim-go/internal/config"
	"fim-go/internal/fim"
)

// S3Backend stores blobs in an S3-compatible object store (MinIO, AWS S3)
// under a common key prefix. Write time for retention ordering comes from
// the object's LastModified timestamp.
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ Backend = (*S3Backend)(nil)

// NewS3Backend connects to the configured endpoint and ensures the bucket
// exists.
func NewS3Backend(cfg config.S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", cfg.Bucket, err)
		}
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (b *S3Backend) key(key string) string {
	return b.prefix + key
}

func (b *S3Backend) Put(key string, data []byte) error {
	_, err := b.client.PutObject(context.Background(), b.bucket, b.key(key),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("uploading blob: %w", err)
	}
	return nil
}

func (b *S3Backend) Get(key string) ([]byte, error) {
	obj, err := b.client.GetObject(context.Background(), b.bucket, b.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("requesting blob: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, fim.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("downloading blob: %w", err)
	}
	return data, nil
}

func (b *S3Backend) Exists(key string) (bool, error) {
	_, err := b.client.StatObject(context.Background(), b.bucket, b.key(key), minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

func (b *S3Backend) Delete(key string) error {
	err := b.client.RemoveObject(context.Background(), b.bucket, b.key(key), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

func (b *S3Backend) List() ([]Entry, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var entries []Entry
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing blobs: %w", obj.Err)
		}
		entries = append(entries, Entry{
			Key:       strings.TrimPrefix(obj.Key, b.prefix),
			WrittenAt: obj.LastModified,
		})
	}
	return entries, nil
}
