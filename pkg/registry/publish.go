package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bifrost-registry/bifrost/pkg/archive"
	"github.com/bifrost-registry/bifrost/pkg/manifest"
)

// PublishResult describes an accepted upload.
type PublishResult struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	ArchiveURL    string `json:"archive_url"`
	ArchiveSHA256 string `json:"archive_sha256"`
}

// PublishHook runs after an upload has been accepted.
type PublishHook func(ctx context.Context, res *PublishResult)

// Publisher runs the upload pipeline: read the archive, extract and parse
// its manifest, then store it. Every validation failure happens before the
// first storage write.
type Publisher struct {
	registry *Registry
	maxSize  int64
	hooks    []PublishHook
	logger   *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMaxArchiveSize bounds both the uploaded and the decompressed archive.
func WithMaxArchiveSize(n int64) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// WithOnPublished registers a hook run after each accepted upload.
func WithOnPublished(hook PublishHook) PublisherOption {
	return func(p *Publisher) {
		p.hooks = append(p.hooks, hook)
	}
}

// NewPublisher creates a Publisher storing into reg.
func NewPublisher(reg *Registry, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{registry: reg, maxSize: archive.DefaultMaxSize, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish reads a gzip-compressed tar archive from r and registers it.
func (p *Publisher) Publish(ctx context.Context, r io.Reader) (*PublishResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > p.maxSize {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", archive.ErrArchiveTooLarge, p.maxSize)
	}

	content, found, err := archive.ExtractFile(bytes.NewReader(data), manifest.IsManifestFile, archive.WithMaxSize(p.maxSize))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &manifest.MissingFieldError{Field: manifest.FileNames[0]}
	}

	m, err := manifest.Parse(content)
	if err != nil {
		return nil, err
	}

	url, err := p.registry.Store(ctx, data, m)
	if err != nil {
		return nil, err
	}

	res := &PublishResult{
		Name:          m.Name,
		Version:       m.Version,
		ArchiveURL:    url,
		ArchiveSHA256: archiveDigest(data),
	}
	for _, hook := range p.hooks {
		hook(ctx, res)
	}
	return res, nil
}
