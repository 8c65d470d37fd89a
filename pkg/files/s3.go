package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// maxFileSize caps a single fetched configuration file.
const maxFileSize = 8 << 20

// S3Fetcher reads configuration files from an S3 bucket.
type S3Fetcher struct {
	client *s3.Client
	logger zerolog.Logger
}

// NewS3Fetcher creates a fetcher for cfg.
func NewS3Fetcher(cfg S3Config, logger zerolog.Logger) *S3Fetcher {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return NewS3FetcherWithClient(s3.New(opts), logger)
}

// NewS3FetcherWithClient wraps an existing client.
func NewS3FetcherWithClient(client *s3.Client, logger zerolog.Logger) *S3Fetcher {
	return &S3Fetcher{
		client: client,
		logger: logger.With().Str("component", "s3-fetcher").Logger(),
	}
}

// Fetch implements engine.FileFetcher. Objects are read from
// <prefix>/<path> where the prefix comes from the source location.
func (f *S3Fetcher) Fetch(ctx context.Context, src engine.SourceRef, paths []string) (engine.FileBundle, error) {
	bucket, prefix, err := s3Location(src)
	if err != nil {
		return nil, err
	}

	bundle := make(engine.FileBundle, len(paths))
	for _, p := range paths {
		name, err := cleanPath(p)
		if err != nil {
			return nil, err
		}
		key := path.Join(prefix, name)

		content, found, err := f.get(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		if !found {
			f.logger.Debug().Str("bucket", bucket).Str("key", key).Msg("file not found")
			continue
		}
		bundle[p] = content
	}
	return bundle, nil
}

func (f *S3Fetcher) get(ctx context.Context, bucket, key string) (string, bool, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, engine.NewTransientError(fmt.Sprintf("failed to get s3://%s/%s", bucket, key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxFileSize+1))
	if err != nil {
		return "", false, engine.NewTransientError(fmt.Sprintf("failed to read s3://%s/%s", bucket, key), err)
	}
	if len(data) > maxFileSize {
		return "", false, engine.NewPermanentError(fmt.Sprintf("s3://%s/%s exceeds %d bytes", bucket, key, maxFileSize), nil)
	}
	return string(data), true, nil
}

// s3Location returns the bucket and key prefix for src. An s3:// RepoURL
// carries both; otherwise Bucket names the bucket and RepoURL, if set, is
// the prefix.
func s3Location(src engine.SourceRef) (bucket, prefix string, err error) {
	if strings.HasPrefix(src.RepoURL, "s3://") {
		u, err := url.Parse(src.RepoURL)
		if err != nil {
			return "", "", engine.NewInvalidConfigurationError("invalid s3 url "+src.RepoURL, err)
		}
		bucket, prefix = u.Host, strings.Trim(u.Path, "/")
	} else {
		bucket, prefix = src.Bucket, strings.Trim(src.RepoURL, "/")
	}
	if bucket == "" {
		return "", "", engine.NewInvalidConfigurationError("s3 source has no bucket", nil)
	}
	return bucket, prefix, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
