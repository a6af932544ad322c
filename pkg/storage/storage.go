// Package storage defines the blob and document storage contracts the
// registry is built on, and the errors every backend reports through.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by blob stores when no blob exists at a path.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by CreateDocument when the key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidPath is returned by blob stores for paths they cannot hold.
	// Retrying the same path never succeeds.
	ErrInvalidPath = errors.New("invalid blob path")

	// ErrUnavailable wraps transient backend failures, including timeouts.
	// Callers may retry.
	ErrUnavailable = errors.New("storage unavailable")
)

// Document is a structured document: JSON-compatible values keyed by field.
type Document map[string]any

// BlobStore stores opaque byte artifacts addressed by path.
type BlobStore interface {
	// Put stores data at path in a single atomic write, replacing any
	// previous content.
	Put(ctx context.Context, path string, data []byte, contentType string) error

	// Get returns the blob at path or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// SignedURL returns a retrieval URL for the blob at path that stops
	// working after ttl. Returns ErrNotFound when the blob does not exist.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Location returns a durable reference to path. It does not imply the
	// reference is publicly readable.
	Location(path string) string
}

// DocumentStore stores documents in named collections.
type DocumentStore interface {
	// GetDocument returns the document or nil, nil when it does not exist.
	GetDocument(ctx context.Context, collection, key string) (Document, error)

	// CreateDocument stores a new document. It fails with ErrAlreadyExists
	// when the key exists; of two concurrent creates exactly one succeeds.
	CreateDocument(ctx context.Context, collection, key string, data Document) error

	// MergeDocument applies the top-level fields of partial to the stored
	// document, creating it when absent. Fields not in partial are kept;
	// a field present in partial replaces the stored value whole.
	MergeDocument(ctx context.Context, collection, key string, partial Document) error

	// QueryByField returns every document of the collection whose top-level
	// field equals value, oldest first.
	QueryByField(ctx context.Context, collection, field string, value any) ([]Document, error)
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MergeDocuments returns dst with every top-level field of src applied on
// top. Neither input is modified.
func MergeDocuments(dst, src Document) Document {
	out := make(Document, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
