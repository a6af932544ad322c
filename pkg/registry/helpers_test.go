package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bifrost-registry/bifrost/pkg/storage"
	"github.com/bifrost-registry/bifrost/pkg/storage/memory"
)

type tarEntry struct {
	name string
	body string
}

func buildArchive(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// packageArchive builds an archive whose manifest declares name and version.
// extra distinguishes archives with the same name and version.
func packageArchive(t *testing.T, name, version, extra string) []byte {
	t.Helper()
	pubspec := fmt.Sprintf("name: %s\nversion: %s\ndescription: %s\nmax_retries: 3\n", name, version, extra)
	return buildArchive(t,
		tarEntry{name: "pubspec.yaml", body: pubspec},
		tarEntry{name: "lib/" + name + ".dart", body: "// " + extra},
	)
}

// faultyDocs wraps a memory document store and injects failures.
type faultyDocs struct {
	*memory.DocumentStore

	mu        sync.Mutex
	getErr    error
	createErr error
	mergeErr  error
	queryErr  error
	creates   int
	merges    int

	// hiddenVersionGets makes the next n version lookups report nothing,
	// simulating a racer that passed the pre-check.
	hiddenVersionGets int
}

func newFaultyDocs() *faultyDocs {
	return &faultyDocs{DocumentStore: memory.NewDocumentStore()}
}

func (f *faultyDocs) set(fn func(f *faultyDocs)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyDocs) GetDocument(ctx context.Context, collection, key string) (storage.Document, error) {
	f.mu.Lock()
	err := f.getErr
	hide := collection == CollectionVersions && f.hiddenVersionGets > 0
	if hide {
		f.hiddenVersionGets--
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hide {
		return nil, nil
	}
	return f.DocumentStore.GetDocument(ctx, collection, key)
}

func (f *faultyDocs) CreateDocument(ctx context.Context, collection, key string, data storage.Document) error {
	f.mu.Lock()
	f.creates++
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.DocumentStore.CreateDocument(ctx, collection, key, data)
}

func (f *faultyDocs) MergeDocument(ctx context.Context, collection, key string, partial storage.Document) error {
	f.mu.Lock()
	f.merges++
	err := f.mergeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.DocumentStore.MergeDocument(ctx, collection, key, partial)
}

func (f *faultyDocs) QueryByField(ctx context.Context, collection, field string, value any) ([]storage.Document, error) {
	f.mu.Lock()
	err := f.queryErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.DocumentStore.QueryByField(ctx, collection, field, value)
}

// harness wires every service over shared in-memory stores.
type harness struct {
	blobs     *memory.BlobStore
	docs      *faultyDocs
	registry  *Registry
	query     *QueryService
	resolver  *DownloadResolver
	publisher *Publisher
	logs      *bytes.Buffer

	// advance moves the registry clock forward.
	advance func(d time.Duration)
}

func newHarness(t *testing.T, opts ...PublisherOption) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	blobs := memory.NewBlobStore()
	docs := newFaultyDocs()
	reg := NewRegistry(blobs, docs, logger)

	// Strictly increasing clock so creation order is deterministic.
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	var skew time.Duration
	reg.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(skew + time.Duration(tick)*time.Millisecond)
	}

	return &harness{
		blobs:     blobs,
		docs:      docs,
		registry:  reg,
		query:     NewQueryService(docs, logger),
		resolver:  NewDownloadResolver(blobs, docs, 0, logger),
		publisher: NewPublisher(reg, logger, opts...),
		logs:      logs,
		advance: func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			skew += d
		},
	}
}

func (h *harness) publish(t *testing.T, data []byte) (*PublishResult, error) {
	t.Helper()
	return h.publisher.Publish(context.Background(), bytes.NewReader(data))
}

type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
