package files

import (
	"context"
	"strings"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Router sends a fetch to the S3 fetcher when the source names a bucket
// and to the local fetcher otherwise.
type Router struct {
	Local engine.FileFetcher
	S3    engine.FileFetcher
}

// Fetch implements engine.FileFetcher.
func (r *Router) Fetch(ctx context.Context, src engine.SourceRef, paths []string) (engine.FileBundle, error) {
	if len(paths) == 0 {
		return engine.FileBundle{}, nil
	}
	if IsS3Source(src) {
		if r.S3 == nil {
			return nil, engine.NewInvalidConfigurationError("s3 sources are not configured", nil)
		}
		return r.S3.Fetch(ctx, src, paths)
	}
	if r.Local == nil {
		return nil, engine.NewInvalidConfigurationError("local sources are not configured", nil)
	}
	return r.Local.Fetch(ctx, src, paths)
}

// IsS3Source reports whether src lives in S3.
func IsS3Source(src engine.SourceRef) bool {
	return src.Bucket != "" || strings.HasPrefix(src.RepoURL, "s3://")
}
