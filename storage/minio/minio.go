// Package minio stores result artifacts in an S3-compatible bucket.
package minio

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/xraph/renderq/storage"
)

var _ storage.Storage = (*Store)(nil)

// Config holds connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// DefaultBucket is used when Config.Bucket is empty.
const DefaultBucket = "renderq-results"

// Store writes objects to one bucket. References are object names.
type Store struct {
	client *miniogo.Client
	bucket string
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New connects to the endpoint in cfg.
func New(cfg Config, opts ...Option) (*Store, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage/minio: connect: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	return NewFromClient(client, bucket, opts...), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *miniogo.Client, bucket string, opts ...Option) *Store {
	s := &Store{client: client, bucket: bucket, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("storage/minio: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("storage/minio: make bucket: %w", err)
	}
	s.logger.Info("created bucket", slog.String("bucket", s.bucket))
	return nil
}

// Put uploads r as an object named key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	name, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, r, size, miniogo.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("storage/minio: put %s: %w", name, err)
	}
	return name, nil
}

// Open streams the object behind ref.
func (s *Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, ref, miniogo.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage/minio: stat %s: %w", ref, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, ref, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage/minio: get %s: %w", ref, err)
	}
	return obj, nil
}

// Delete removes the object behind ref. S3 deletes are idempotent, so a
// missing object is not reported.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ref, miniogo.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage/minio: delete %s: %w", ref, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return miniogo.ToErrorResponse(err).Code == "NoSuchKey"
}
