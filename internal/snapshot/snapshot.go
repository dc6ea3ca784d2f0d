// Package snapshot keeps a copy of every accepted registration photo in
// object storage so signatures can be recomputed after a model upgrade.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store persists registration images.
type Store interface {
	Put(ctx context.Context, subjectID int64, image []byte) (string, error)
	Remove(ctx context.Context, subjectID int64) error
}

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectAPI is the subset of *minio.Client used by the store.
type ObjectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// MinioStore writes one object per subject; a re-registration overwrites
// the previous photo.
type MinioStore struct {
	api    ObjectAPI
	bucket string
}

// Connect creates a client and makes sure the bucket exists.
func Connect(ctx context.Context, cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint cannot be empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	store := NewMinioStore(client, cfg.Bucket)
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewMinioStore wraps an existing client.
func NewMinioStore(api ObjectAPI, bucket string) *MinioStore {
	return &MinioStore{api: api, bucket: bucket}
}

// EnsureBucket creates the bucket when missing.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists, bucket: %v, err: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	return s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// ObjectKey is where the subject's photo lives.
func ObjectKey(subjectID int64) string {
	return fmt.Sprintf("snouts/%d/registration", subjectID)
}

// Put implements Store and returns the object key.
func (s *MinioStore) Put(ctx context.Context, subjectID int64, image []byte) (string, error) {
	key := ObjectKey(subjectID)
	_, err := s.api.PutObject(ctx, s.bucket, key, bytes.NewReader(image), int64(len(image)), minio.PutObjectOptions{
		ContentType: http.DetectContentType(image),
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return key, nil
}

// Remove implements Store.
func (s *MinioStore) Remove(ctx context.Context, subjectID int64) error {
	key := ObjectKey(subjectID)
	if err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove snapshot %s: %w", key, err)
	}
	return nil
}

// Nop stores nothing. It is used when object storage is not configured.
type Nop struct{}

// Put implements Store.
func (Nop) Put(context.Context, int64, []byte) (string, error) { return "", nil }

// Remove implements Store.
func (Nop) Remove(context.Context, int64) error { return nil }
