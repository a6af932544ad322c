package client

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-registry/bifrost/pkg/api"
	"github.com/bifrost-registry/bifrost/pkg/registry"
	"github.com/bifrost-registry/bifrost/pkg/storage/blobfs"
	"github.com/bifrost-registry/bifrost/pkg/storage/memory"
)

func testArchive(t *testing.T, name, version string) []byte {
	t.Helper()
	pubspec := fmt.Sprintf("name: %s\nversion: %s\n", name, version)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "pubspec.yaml", Mode: 0o644, Size: int64(len(pubspec)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(pubspec))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// newRegistryServer runs the full API over in-memory metadata and a
// filesystem blob store.
func newRegistryServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	blobs, err := blobfs.New(blobfs.Config{
		Root:       t.TempDir(),
		SigningKey: []byte("client-test-key"),
		BaseURL:    ts.URL,
		Logger:     logger,
	})
	require.NoError(t, err)
	docs := memory.NewDocumentStore()

	reg := registry.NewRegistry(blobs, docs, logger)
	srv := api.NewServer(
		registry.NewPublisher(reg, logger),
		registry.NewQueryService(docs, logger),
		registry.NewDownloadResolver(blobs, docs, time.Minute, logger),
		logger,
		api.WithPublicURL(ts.URL),
		api.WithBlobHandler(blobs.Handler()),
	)
	handler = srv.Routes()
	return ts
}

func quietLogger() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClientAgainstServer(t *testing.T) {
	ts := newRegistryServer(t)
	c := New(ts.URL+"/", quietLogger())
	defer c.Close()
	ctx := context.Background()

	info, err := c.PackageInfo(ctx, "foo")
	require.NoError(t, err)
	assert.Nil(t, info.Latest)
	assert.Empty(t, info.Versions)

	data := testArchive(t, "foo", "1.0.0")
	require.NoError(t, c.Publish(ctx, bytes.NewReader(data)))
	require.NoError(t, c.Publish(ctx, bytes.NewReader(testArchive(t, "foo", "1.1.0"))))

	info, err = c.PackageInfo(ctx, "foo")
	require.NoError(t, err)
	require.NotNil(t, info.Latest)
	assert.Equal(t, "1.1.0", info.Latest.Version)
	assert.Len(t, info.Versions, 2)

	v, err := c.Version(ctx, "foo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.Version)

	u, err := c.DownloadURL(ctx, "foo", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, u, ts.URL+"/blobs/foo/1.0.0/package.tar.gz?token=")

	var buf bytes.Buffer
	n, err := c.Download(ctx, "foo", "1.0.0", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, buf.Bytes())

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", h.Status)
}

func TestClientErrors(t *testing.T) {
	ts := newRegistryServer(t)
	c := New(ts.URL, quietLogger())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, bytes.NewReader(testArchive(t, "foo", "1.0.0"))))

	err := c.Publish(ctx, bytes.NewReader(testArchive(t, "foo", "1.0.0")))
	require.ErrorIs(t, err, ErrVersionConflict)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "VERSION_CONFLICT", apiErr.Code)

	err = c.Publish(ctx, bytes.NewReader([]byte("not an archive")))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "MALFORMED_ARCHIVE", apiErr.Code)

	_, err = c.Version(ctx, "foo", "9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.DownloadURL(ctx, "bar", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "closed", c.BreakerState())
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"foo","latest":null,"versions":[]}`))
	}))
	defer ts.Close()

	c := New(ts.URL, WithRetryInterval(time.Millisecond), quietLogger())
	defer c.Close()

	info, err := c.PackageInfo(context.Background(), "foo")
	require.NoError(t, err)
	assert.Equal(t, "foo", info.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	c := New(ts.URL, WithMaxRetries(2), WithRetryInterval(time.Millisecond), quietLogger())
	defer c.Close()

	_, err := c.PackageInfo(context.Background(), "foo")
	require.ErrorIs(t, err, ErrServerUnavailable)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "down", apiErr.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"not found: foo 1.0.0"}}`))
	}))
	defer ts.Close()

	c := New(ts.URL, WithRetryInterval(time.Millisecond), quietLogger())
	defer c.Close()

	_, err := c.Version(context.Background(), "foo", "1.0.0")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	slow := backoff.NewExponentialBackOff()
	slow.InitialInterval = time.Hour
	slow.Reset()
	breaker := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    slow,
		ShouldTrip: circuit.ThresholdTripFunc(2),
	})

	c := New(ts.URL, WithBreaker(breaker), WithMaxRetries(0), quietLogger())
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.PackageInfo(ctx, "foo")
		require.ErrorIs(t, err, ErrServerUnavailable)
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.PackageInfo(ctx, "foo")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestHeaders(t *testing.T) {
	ids := make(chan string, 2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bifrostctl/test", r.UserAgent())
		ids <- r.Header.Get(RequestIDHeader)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}))
	defer ts.Close()

	c := New(ts.URL, WithUserAgent("bifrostctl/test"), quietLogger())
	defer c.Close()

	for i := 0; i < 2; i++ {
		_, err := c.Health(context.Background())
		require.NoError(t, err)
	}
	first, second := <-ids, <-ids
	assert.Len(t, first, 36)
	assert.NotEqual(t, first, second)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(ts.URL, WithMaxRetries(100), WithRetryInterval(20*time.Millisecond), quietLogger())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.PackageInfo(ctx, "foo")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAPIErrorIs(t *testing.T) {
	err := &APIError{StatusCode: http.StatusConflict, Code: "VERSION_CONFLICT"}
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrServerUnavailable))
	assert.Contains(t, err.Error(), "409 VERSION_CONFLICT")
}
