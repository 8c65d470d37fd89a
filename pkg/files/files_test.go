package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/engine"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocalFetcher(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "env", "prod.tfvars"), `region = "us-east-1"`)

	f := NewLocalFetcher(root, zerolog.Nop())
	bundle, err := f.Fetch(context.Background(), engine.SourceRef{}, []string{"env/prod.tfvars", "env/missing.tfvars"})
	require.NoError(t, err)
	assert.Equal(t, engine.FileBundle{"env/prod.tfvars": `region = "us-east-1"`}, bundle)
}

func TestLocalFetcherFileURL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.tfvars"), "a = 1")

	f := NewLocalFetcher("", zerolog.Nop())
	bundle, err := f.Fetch(context.Background(), engine.SourceRef{RepoURL: "file://" + dir}, []string{"./a.tfvars"})
	require.NoError(t, err)
	assert.Equal(t, "a = 1", bundle["./a.tfvars"])
}

func TestLocalFetcherRepositoryCheckouts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "git.example.com", "infra", "vars.tfvars"), "rev = \"head\"")
	writeFile(t, filepath.Join(root, "git.example.com", "infra@release_1", "vars.tfvars"), "rev = \"release\"")

	f := NewLocalFetcher(root, zerolog.Nop())
	ctx := context.Background()

	bundle, err := f.Fetch(ctx, engine.SourceRef{RepoURL: "https://git.example.com/infra.git"}, []string{"vars.tfvars"})
	require.NoError(t, err)
	assert.Equal(t, "rev = \"head\"", bundle["vars.tfvars"])

	bundle, err = f.Fetch(ctx, engine.SourceRef{RepoURL: "https://git.example.com/infra.git", Branch: "release/1"}, []string{"vars.tfvars"})
	require.NoError(t, err)
	assert.Equal(t, "rev = \"release\"", bundle["vars.tfvars"])

	bundle, err = f.Fetch(ctx, engine.SourceRef{RepoURL: "https://git.example.com/infra.git", Branch: "unknown"}, []string{"vars.tfvars"})
	require.NoError(t, err)
	assert.Equal(t, "rev = \"head\"", bundle["vars.tfvars"], "unknown revisions fall back to the default checkout")
}

func TestLocalFetcherRejectsEscapes(t *testing.T) {
	f := NewLocalFetcher(t.TempDir(), zerolog.Nop())
	for _, p := range []string{"../secrets", "/etc/passwd", "a/../../b", "."} {
		_, err := f.Fetch(context.Background(), engine.SourceRef{}, []string{p})
		require.Error(t, err, p)
		assert.True(t, engine.IsInvalidConfiguration(err), p)
	}
}

func newTestS3Fetcher(t *testing.T, url string) *S3Fetcher {
	t.Helper()
	return NewS3Fetcher(S3Config{
		Endpoint:        url,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	}, zerolog.Nop())
}

func TestS3Fetcher(t *testing.T) {
	objects, srv := newObjectServer(t)
	objects.put("templates", "stacks/app/params.json", `{"env":"prod"}`)
	objects.put("templates", "root.tfvars", "x = 1")

	f := newTestS3Fetcher(t, srv.URL)
	ctx := context.Background()

	bundle, err := f.Fetch(ctx, engine.SourceRef{RepoURL: "s3://templates/stacks/app"}, []string{"params.json", "missing.json"})
	require.NoError(t, err)
	assert.Equal(t, engine.FileBundle{"params.json": `{"env":"prod"}`}, bundle)

	bundle, err = f.Fetch(ctx, engine.SourceRef{Bucket: "templates"}, []string{"root.tfvars"})
	require.NoError(t, err)
	assert.Equal(t, "x = 1", bundle["root.tfvars"])
}

func TestS3FetcherRequiresBucket(t *testing.T) {
	_, srv := newObjectServer(t)
	f := newTestS3Fetcher(t, srv.URL)

	_, err := f.Fetch(context.Background(), engine.SourceRef{RepoURL: "stacks"}, []string{"a"})
	require.Error(t, err)
	assert.True(t, engine.IsInvalidConfiguration(err))
}

type recordingFetcher struct {
	name  string
	calls []engine.SourceRef
}

func (r *recordingFetcher) Fetch(_ context.Context, src engine.SourceRef, _ []string) (engine.FileBundle, error) {
	r.calls = append(r.calls, src)
	return engine.FileBundle{"from": r.name}, nil
}

func TestRouter(t *testing.T) {
	local := &recordingFetcher{name: "local"}
	s3 := &recordingFetcher{name: "s3"}
	r := &Router{Local: local, S3: s3}
	ctx := context.Background()

	tests := []struct {
		src  engine.SourceRef
		want string
	}{
		{engine.SourceRef{RepoURL: "https://git.example.com/infra.git"}, "local"},
		{engine.SourceRef{RepoURL: "s3://bucket/prefix"}, "s3"},
		{engine.SourceRef{Bucket: "bucket"}, "s3"},
		{engine.SourceRef{}, "local"},
	}
	for _, tt := range tests {
		bundle, err := r.Fetch(ctx, tt.src, []string{"x"})
		require.NoError(t, err)
		assert.Equal(t, tt.want, bundle["from"], "%+v", tt.src)
	}

	bundle, err := r.Fetch(ctx, engine.SourceRef{Bucket: "b"}, nil)
	require.NoError(t, err)
	assert.Empty(t, bundle)
	assert.Len(t, s3.calls, 2, "empty path lists must not reach a fetcher")

	_, err = (&Router{Local: local}).Fetch(ctx, engine.SourceRef{Bucket: "b"}, []string{"x"})
	assert.True(t, engine.IsInvalidConfiguration(err))
}

func newTestArtifactStore(t *testing.T) (*objectServer, *ArtifactStore) {
	t.Helper()
	objects, srv := newObjectServer(t)
	store, err := NewArtifactStore(MinIOConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "artifacts",
	}, zerolog.Nop())
	require.NoError(t, err)
	return objects, store
}

func TestArtifactStorePutGet(t *testing.T) {
	_, store := newTestArtifactStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureBucket(ctx))

	state := []byte(`{"version":4,"serial":7}`)
	ref, err := store.Put(ctx, StateKey("ent-1"), bytes.NewReader(state), int64(len(state)))
	require.NoError(t, err)
	assert.Equal(t, "artifacts", ref.Bucket)
	assert.Equal(t, "state/ent-1/terraform.tfstate", ref.Key)
	assert.NotEmpty(t, ref.ETag)

	rc, err := store.Get(ctx, *ref)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	_, err = store.Get(ctx, engine.ArtifactRef{Key: "state/none/terraform.tfstate"})
	assert.True(t, errors.Is(err, ErrArtifactNotFound))

	require.NoError(t, store.Delete(ctx, ref.Key))
	_, err = store.Stat(ctx, ref.Key)
	assert.True(t, errors.Is(err, ErrArtifactNotFound))
}

func TestNewArtifactStoreValidates(t *testing.T) {
	_, err := NewArtifactStore(MinIOConfig{Bucket: "b"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewArtifactStore(MinIOConfig{Endpoint: "localhost:9000"}, zerolog.Nop())
	assert.Error(t, err)
}

type fakeLocator map[string]*engine.ArtifactRef

func (f fakeLocator) Stat(_ context.Context, key string) (*engine.ArtifactRef, error) {
	if key == "state/broken/terraform.tfstate" {
		return nil, errors.New("boom")
	}
	if ref, ok := f[key]; ok {
		return ref, nil
	}
	return nil, ErrArtifactNotFound
}

func TestResolveState(t *testing.T) {
	ctx := context.Background()
	current := &engine.ArtifactRef{Key: StateKey("new")}
	legacy := &engine.ArtifactRef{Key: StateKey("old")}

	both := fakeLocator{current.Key: current, legacy.Key: legacy}
	ref, err := ResolveState(ctx, both, "new", "old")
	require.NoError(t, err)
	assert.Same(t, current, ref)

	onlyLegacy := fakeLocator{legacy.Key: legacy}
	ref, err = ResolveState(ctx, onlyLegacy, "new", "old")
	require.NoError(t, err)
	assert.Same(t, legacy, ref)

	ref, err = ResolveState(ctx, fakeLocator{}, "new", "")
	require.NoError(t, err)
	assert.Nil(t, ref)

	_, err = ResolveState(ctx, fakeLocator{}, "broken", "old")
	assert.EqualError(t, err, "boom")
}

func TestPlanKey(t *testing.T) {
	assert.Equal(t, "plan/ent-1/corr-9.tfplan", PlanKey("ent-1", "corr-9"))
}
