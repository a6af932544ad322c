package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bifrost-registry/bifrost/pkg/storage"
)

// DefaultDownloadTTL is how long a resolved download URL stays valid.
const DefaultDownloadTTL = 15 * time.Minute

// DownloadResolver turns a package version into a time-limited archive URL.
type DownloadResolver struct {
	blobs  storage.BlobStore
	docs   storage.DocumentStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewDownloadResolver creates a resolver issuing URLs valid for ttl, or
// DefaultDownloadTTL when ttl is not positive.
func NewDownloadResolver(blobs storage.BlobStore, docs storage.DocumentStore, ttl time.Duration, logger *slog.Logger) *DownloadResolver {
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadResolver{blobs: blobs, docs: docs, ttl: ttl, logger: logger}
}

// TTL returns the validity of issued URLs.
func (d *DownloadResolver) TTL() time.Duration {
	return d.ttl
}

// ResolveDownload returns a signed archive URL for the version, or for the
// latest version when version is empty. Only registered versions resolve;
// an orphaned blob at the same path is never exposed.
func (d *DownloadResolver) ResolveDownload(ctx context.Context, name, version string) (string, error) {
	if version == "" {
		latest, err := d.latestVersion(ctx, name)
		if err != nil {
			return "", err
		}
		version = latest
	} else {
		doc, err := d.docs.GetDocument(ctx, CollectionVersions, VersionKey(name, version))
		if err != nil {
			return "", fmt.Errorf("get version %s %s: %w", name, version, unavailable(err))
		}
		if doc == nil {
			return "", fmt.Errorf("%w: %s %s", ErrNotFound, name, version)
		}
	}

	blobPath := BlobPath(name, version)
	url, err := d.blobs.SignedURL(ctx, blobPath, d.ttl)
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn("registered version has no archive", "name", name, "version", version, "blob_path", blobPath)
		return "", fmt.Errorf("%w: archive of %s %s", ErrNotFound, name, version)
	}
	if err != nil {
		return "", fmt.Errorf("sign archive url %s: %w", blobPath, unavailable(err))
	}
	return url, nil
}

func (d *DownloadResolver) latestVersion(ctx context.Context, name string) (string, error) {
	doc, err := d.docs.GetDocument(ctx, CollectionPackages, name)
	if err != nil {
		return "", fmt.Errorf("get package %s: %w", name, unavailable(err))
	}
	if doc == nil {
		return "", fmt.Errorf("%w: package %s", ErrNotFound, name)
	}
	var pkg PackageRecord
	if err := fromDocument(doc, &pkg); err != nil {
		return "", fmt.Errorf("package record of %s: %w", name, err)
	}
	if pkg.Latest == nil || pkg.Latest.Version == "" {
		return "", fmt.Errorf("%w: package %s has no versions", ErrNotFound, name)
	}
	return pkg.Latest.Version, nil
}
