// Package memory provides process-local BlobStore and DocumentStore
// implementations for development and tests.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/bifrost-registry/bifrost/pkg/storage"
)

type blob struct {
	data        []byte
	contentType string
}

// BlobStore keeps blobs in a map. Signed URLs are memory:// references
// carrying their expiry; they are not served over HTTP.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
	now   func() time.Time
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		blobs: make(map[string]blob),
		now:   time.Now,
	}
}

func (s *BlobStore) Put(_ context.Context, path string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = blob{data: cp, contentType: contentType}
	return nil
}

func (s *BlobStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", path, storage.ErrNotFound)
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp, nil
}

func (s *BlobStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("blob %s: %w", path, storage.ErrNotFound)
	}

	q := url.Values{}
	q.Set("expires", s.now().Add(ttl).UTC().Format(time.RFC3339))
	return s.Location(path) + "?" + q.Encode(), nil
}

func (s *BlobStore) Location(path string) string {
	return "memory://blobs/" + path
}

// ContentType returns the content type recorded for path.
func (s *BlobStore) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs[path].contentType
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

type document struct {
	data    storage.Document
	created int64
}

// DocumentStore keeps documents in per-collection maps. Stored documents go
// through a JSON round trip so callers observe the same value shapes a
// database-backed store returns.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]document
	seq         int64
}

// NewDocumentStore creates an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]map[string]document)}
}

func (s *DocumentStore) GetDocument(_ context.Context, collection, key string) (storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][key]
	if !ok {
		return nil, nil
	}
	return clone(doc.data)
}

func (s *DocumentStore) CreateDocument(_ context.Context, collection, key string, data storage.Document) error {
	cp, err := clone(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	if _, exists := coll[key]; exists {
		return fmt.Errorf("document %s/%s: %w", collection, key, storage.ErrAlreadyExists)
	}
	s.seq++
	coll[key] = document{data: cp, created: s.seq}
	return nil
}

func (s *DocumentStore) MergeDocument(_ context.Context, collection, key string, partial storage.Document) error {
	cp, err := clone(partial)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	existing, ok := coll[key]
	if !ok {
		s.seq++
		coll[key] = document{data: cp, created: s.seq}
		return nil
	}
	existing.data = storage.MergeDocuments(existing.data, cp)
	coll[key] = existing
	return nil
}

func (s *DocumentStore) QueryByField(_ context.Context, collection, field string, value any) ([]storage.Document, error) {
	want, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var matches []document
	for _, doc := range s.collections[collection] {
		if v, ok := doc.data[field]; ok && reflect.DeepEqual(v, want) {
			matches = append(matches, doc)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].created < matches[j].created })

	out := make([]storage.Document, 0, len(matches))
	for _, m := range matches {
		cp, err := clone(m.data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// collection returns the named collection, creating it. Must be called with
// s.mu held for writing.
func (s *DocumentStore) collection(name string) map[string]document {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]document)
		s.collections[name] = coll
	}
	return coll
}

func clone(doc storage.Document) (storage.Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out storage.Document
	if err := decode(data, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode query value: %w", err)
	}
	var out any
	if err := decode(data, &out); err != nil {
		return nil, fmt.Errorf("decode query value: %w", err)
	}
	return out, nil
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
