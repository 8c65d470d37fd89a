package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// LocalFetcher reads files from a directory on disk. A file:// RepoURL
// names the directory directly. Any other RepoURL maps to a checkout under
// Root laid out as <host>/<repo> or <host>/<repo>@<revision>, kept current
// by whatever syncs the repositories.
type LocalFetcher struct {
	Root   string
	logger zerolog.Logger
}

// NewLocalFetcher creates a fetcher rooted at root.
func NewLocalFetcher(root string, logger zerolog.Logger) *LocalFetcher {
	return &LocalFetcher{
		Root:   root,
		logger: logger.With().Str("component", "local-fetcher").Logger(),
	}
}

// Fetch implements engine.FileFetcher.
func (f *LocalFetcher) Fetch(ctx context.Context, src engine.SourceRef, paths []string) (engine.FileBundle, error) {
	base, err := f.Dir(src)
	if err != nil {
		return nil, err
	}
	f.logger.Debug().Str("dir", base).Int("paths", len(paths)).Msg("fetching files")

	bundle := make(engine.FileBundle, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := cleanPath(p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(name)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		bundle[p] = string(data)
	}
	return bundle, nil
}

// Dir returns the directory holding src.
func (f *LocalFetcher) Dir(src engine.SourceRef) (string, error) {
	if strings.HasPrefix(src.RepoURL, "file://") {
		return strings.TrimPrefix(src.RepoURL, "file://"), nil
	}
	if f.Root == "" {
		return "", engine.NewInvalidConfigurationError("local source has no directory", nil)
	}
	if src.RepoURL == "" {
		return f.Root, nil
	}

	u, err := url.Parse(src.RepoURL)
	if err != nil || u.Host == "" {
		return "", engine.NewInvalidConfigurationError("invalid repository url "+src.RepoURL, err)
	}
	repo := filepath.Join(f.Root, u.Host, filepath.FromSlash(strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")))

	for _, rev := range []string{src.Commit, src.Branch} {
		if rev == "" {
			continue
		}
		candidate := repo + "@" + strings.ReplaceAll(rev, "/", "_")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return repo, nil
}

// cleanPath rejects paths that escape the source root.
func cleanPath(p string) (string, error) {
	name := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(p, "./")))
	if name == "." || !filepath.IsLocal(name) {
		return "", engine.NewInvalidConfigurationError(fmt.Sprintf("file path %q escapes the source root", p), nil)
	}
	return name, nil
}
