package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// ErrArtifactNotFound is returned when an artifact key does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore keeps state and plan files in a MinIO bucket.
type ArtifactStore struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewArtifactStore connects to the MinIO endpoint in cfg.
func NewArtifactStore(cfg MinIOConfig, logger zerolog.Logger) (*ArtifactStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &ArtifactStore{
		client:  client,
		bucket:  cfg.Bucket,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "artifact-store").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Bucket returns the default bucket.
func (s *ArtifactStore) Bucket() string {
	return s.bucket
}

// EnsureBucket creates the bucket when it does not exist.
func (s *ArtifactStore) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info().Msg("created artifact bucket")
	return nil
}

// Put implements engine.ArtifactStore.
func (s *ArtifactStore) Put(ctx context.Context, key string, r io.Reader, size int64) (*engine.ArtifactRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, engine.NewTransientError("failed to upload artifact "+key, err)
	}

	s.logger.Debug().Str("key", key).Int64("size", info.Size).Msg("stored artifact")
	return &engine.ArtifactRef{
		Bucket: s.bucket,
		Key:    key,
		ETag:   info.ETag,
		Size:   info.Size,
	}, nil
}

// Get implements engine.ArtifactStore. The returned reader is not bound
// by the store timeout.
func (s *ArtifactStore) Get(ctx context.Context, ref engine.ArtifactRef) (io.ReadCloser, error) {
	bucket := ref.Bucket
	if bucket == "" {
		bucket = s.bucket
	}
	if _, err := s.stat(ctx, bucket, ref.Key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, engine.NewTransientError("failed to open artifact "+ref.Key, err)
	}
	return obj, nil
}

// Stat returns a pointer to key in the default bucket.
func (s *ArtifactStore) Stat(ctx context.Context, key string) (*engine.ArtifactRef, error) {
	return s.stat(ctx, s.bucket, key)
}

func (s *ArtifactStore) stat(ctx context.Context, bucket, key string) (*engine.ArtifactRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrArtifactNotFound, bucket, key)
		}
		return nil, engine.NewTransientError("failed to stat artifact "+key, err)
	}
	return &engine.ArtifactRef{Bucket: bucket, Key: key, ETag: info.ETag, Size: info.Size}, nil
}

// Delete removes key from the default bucket.
func (s *ArtifactStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound
}
