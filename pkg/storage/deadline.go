package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout is the per-call deadline applied by the deadline wrappers.
const DefaultTimeout = 10 * time.Second

// BlobStoreWithDeadline wraps a BlobStore so every call runs under timeout.
// A call that runs out of time fails with ErrUnavailable.
func BlobStoreWithDeadline(inner BlobStore, timeout time.Duration) BlobStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &deadlineBlobStore{inner: inner, timeout: timeout}
}

// DocumentStoreWithDeadline wraps a DocumentStore so every call runs under
// timeout. A call that runs out of time fails with ErrUnavailable.
func DocumentStoreWithDeadline(inner DocumentStore, timeout time.Duration) DocumentStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &deadlineDocumentStore{inner: inner, timeout: timeout}
}

// asUnavailable maps a deadline expiry onto ErrUnavailable. Errors that
// already carry ErrUnavailable, and caller cancellation, pass through.
func asUnavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return err
}

type deadlineBlobStore struct {
	inner   BlobStore
	timeout time.Duration
}

func (s *deadlineBlobStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return asUnavailable("put blob", s.inner.Put(ctx, path, data, contentType))
}

func (s *deadlineBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.inner.Get(ctx, path)
	return data, asUnavailable("get blob", err)
}

func (s *deadlineBlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	u, err := s.inner.SignedURL(ctx, path, ttl)
	return u, asUnavailable("sign blob url", err)
}

func (s *deadlineBlobStore) Location(path string) string {
	return s.inner.Location(path)
}

type deadlineDocumentStore struct {
	inner   DocumentStore
	timeout time.Duration
}

func (s *deadlineDocumentStore) GetDocument(ctx context.Context, collection, key string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	doc, err := s.inner.GetDocument(ctx, collection, key)
	return doc, asUnavailable("get document", err)
}

func (s *deadlineDocumentStore) CreateDocument(ctx context.Context, collection, key string, data Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return asUnavailable("create document", s.inner.CreateDocument(ctx, collection, key, data))
}

func (s *deadlineDocumentStore) MergeDocument(ctx context.Context, collection, key string, partial Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return asUnavailable("merge document", s.inner.MergeDocument(ctx, collection, key, partial))
}

func (s *deadlineDocumentStore) QueryByField(ctx context.Context, collection, field string, value any) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	docs, err := s.inner.QueryByField(ctx, collection, field, value)
	return docs, asUnavailable("query documents", err)
}

// Ping forwards to the wrapped store when it implements Pinger.
func (s *deadlineDocumentStore) Ping(ctx context.Context) error {
	p, ok := s.inner.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return asUnavailable("ping", p.Ping(ctx))
}
