// Package blob stores raw document bytes in MinIO-compatible object storage.
// The metadata store only keeps the object path; the pipeline fetches bytes
// back through this package when a worker claims a document.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/docflow-ai/docflow/config"
)

// Storage reads and writes raw document bytes addressed by object path.
type Storage interface {
	Put(ctx context.Context, filename, mimeType string, content []byte) (string, error)
	Get(ctx context.Context, objectPath string) ([]byte, error)
	PresignedURL(ctx context.Context, objectPath string) (string, error)
}

// MinioStorage implements Storage on a MinIO bucket.
type MinioStorage struct {
	client    *minio.Client
	bucket    string
	urlExpiry time.Duration
}

// NewMinioStorage connects to the object store and ensures the bucket exists.
func NewMinioStorage(ctx context.Context, cfg config.BlobConfig) (*MinioStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &MinioStorage{client: client, bucket: cfg.Bucket, urlExpiry: expiry}, nil
}

// Put stores the content under a date-partitioned object path and returns it.
func (s *MinioStorage) Put(ctx context.Context, filename, mimeType string, content []byte) (string, error) {
	objectPath := fmt.Sprintf("%s/%s-%s",
		time.Now().UTC().Format("2006/01/02"), uuid.NewString()[:8], path.Base(filename))
	_, err := s.client.PutObject(ctx, s.bucket, objectPath, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: mimeType})
	if err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	return objectPath, nil
}

// Get fetches the full object content.
func (s *MinioStorage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// PresignedURL returns a time-limited download URL for the object.
func (s *MinioStorage) PresignedURL(ctx context.Context, objectPath string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectPath, s.urlExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}
