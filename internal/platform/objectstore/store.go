package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

var ErrObjectNotFound = errors.New("object not found")

// Store abstracts S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, loc Location, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, loc Location) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, loc Location) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Location addresses one object. The string form is s3://bucket/key.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	if l.Bucket == "" && l.Key == "" {
		return ""
	}
	return "s3://" + l.Bucket + "/" + l.Key
}

func (l Location) IsZero() bool {
	return strings.TrimSpace(l.Bucket) == "" && strings.TrimSpace(l.Key) == ""
}

// ParseLocation accepts s3://bucket/key. A bare key resolves against
// defaultBucket.
func ParseLocation(raw string, defaultBucket string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, errors.New("location is required")
	}
	if strings.Contains(raw, "://") {
		if !strings.HasPrefix(raw, "s3://") {
			return Location{}, fmt.Errorf("unsupported location scheme: %q", raw)
		}
		rest := strings.TrimPrefix(raw, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || strings.TrimSpace(bucket) == "" || strings.TrimSpace(key) == "" {
			return Location{}, fmt.Errorf("location must be s3://bucket/key: %q", raw)
		}
		return Location{Bucket: bucket, Key: key}, nil
	}
	if strings.TrimSpace(defaultBucket) == "" {
		return Location{}, fmt.Errorf("location %q has no bucket", raw)
	}
	return Location{Bucket: defaultBucket, Key: strings.TrimPrefix(raw, "/")}, nil
}

type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg Config) (*MinioStore, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client}, nil
}

func NewMinioStoreWithClient(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, loc Location, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, loc.Bucket, loc.Key, body, size, opts)
	return err
}

func (s *MinioStore) Get(ctx context.Context, loc Location) (io.ReadCloser, ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, ObjectInfo{}, fmt.Errorf("minio store not initialized")
	}
	info, err := s.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapMinioError(err)
	}
	obj, err := s.client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapMinioError(err)
	}
	return obj, ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

func (s *MinioStore) Delete(ctx context.Context, loc Location) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	return s.client.RemoveObject(ctx, loc.Bucket, loc.Key, minio.RemoveObjectOptions{})
}

func mapMinioError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, resp.Message)
	}
	return err
}
