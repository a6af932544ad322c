package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowDocs blocks every call until its context is done.
type slowDocs struct{}

func (slowDocs) GetDocument(ctx context.Context, _, _ string) (Document, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowDocs) CreateDocument(ctx context.Context, _, _ string, _ Document) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowDocs) MergeDocument(ctx context.Context, _, _ string, _ Document) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowDocs) QueryByField(ctx context.Context, _, _ string, _ any) ([]Document, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type slowBlobs struct{}

func (slowBlobs) Put(ctx context.Context, _ string, _ []byte, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowBlobs) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowBlobs) SignedURL(ctx context.Context, _ string, _ time.Duration) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (slowBlobs) Location(path string) string { return "slow://" + path }

func TestDocumentStoreWithDeadline_TimeoutIsUnavailable(t *testing.T) {
	docs := DocumentStoreWithDeadline(slowDocs{}, 10*time.Millisecond)
	ctx := context.Background()

	_, err := docs.GetDocument(ctx, "packages", "foo")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, docs.CreateDocument(ctx, "versions", "foo@1", Document{}), ErrUnavailable)
	assert.ErrorIs(t, docs.MergeDocument(ctx, "packages", "foo", Document{}), ErrUnavailable)

	_, err = docs.QueryByField(ctx, "versions", "package_name", "foo")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBlobStoreWithDeadline_TimeoutIsUnavailable(t *testing.T) {
	blobs := BlobStoreWithDeadline(slowBlobs{}, 10*time.Millisecond)
	ctx := context.Background()

	assert.ErrorIs(t, blobs.Put(ctx, "foo/1/package.tar.gz", nil, "application/gzip"), ErrUnavailable)

	_, err := blobs.Get(ctx, "foo/1/package.tar.gz")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = blobs.SignedURL(ctx, "foo/1/package.tar.gz", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, "slow://foo/1/package.tar.gz", blobs.Location("foo/1/package.tar.gz"))
}

func TestDeadline_CallerCancellationPassesThrough(t *testing.T) {
	docs := DocumentStoreWithDeadline(slowDocs{}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := docs.GetDocument(ctx, "packages", "foo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestMergeDocuments(t *testing.T) {
	dst := Document{
		"name":   "foo",
		"admin":  map[string]any{"discontinued": true},
		"latest": map[string]any{"version": "1.0.0", "pubspec": map[string]any{"dependencies": map[string]any{"http": "^1.0.0"}}},
	}
	src := Document{
		"latest": map[string]any{"version": "2.0.0", "pubspec": map[string]any{}},
	}

	merged := MergeDocuments(dst, src)

	assert.Equal(t, "foo", merged["name"])
	assert.Equal(t, map[string]any{"discontinued": true}, merged["admin"])
	assert.Equal(t, map[string]any{"version": "2.0.0", "pubspec": map[string]any{}}, merged["latest"],
		"a merged field replaces the stored value whole")
	assert.Equal(t, "1.0.0", dst["latest"].(map[string]any)["version"], "inputs are not modified")
}
