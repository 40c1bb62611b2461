// Package s3store is a destination for S3-compatible object storage.
package s3store

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	Prefix    string
	Timeout   time.Duration
}

type Store struct {
	client  *minio.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

func NewWithClient(client *minio.Client, cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, timeout: timeout}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) ObjectName(name string) string {
	return s.prefix + name
}

func (s *Store) Put(ctx context.Context, name string, body io.Reader, size int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.client.PutObject(ctx, s.bucket, s.ObjectName(name), body, size, minio.PutObjectOptions{
		ContentType: contentType(name),
	})
	if err != nil {
		return info.Size, fmt.Errorf("put object %s/%s: %w", s.bucket, s.ObjectName(name), err)
	}
	return info.Size, nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
