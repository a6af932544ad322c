// Package registry implements the package registry's write and read paths:
// storing versions with one-time-write semantics and reconstructing package
// views from the document store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bifrost-registry/bifrost/pkg/manifest"
	"github.com/bifrost-registry/bifrost/pkg/storage"
)

// DefaultResumeAfter is how old a version record must be before an
// identical re-upload may finish its interrupted publish.
const DefaultResumeAfter = time.Minute

// Registry stores package versions. Each (name, version) is accepted once;
// concurrent uploads of the same version are arbitrated by the document
// store's create-if-absent, not by locks held here.
type Registry struct {
	blobs       storage.BlobStore
	docs        storage.DocumentStore
	resumeAfter time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithResumeAfter sets how long after its record was created an interrupted
// publish may be finished by an identical re-upload. It must exceed the time
// a publish can spend between creating the version record and advancing
// latest, or a concurrent identical upload could be accepted twice.
func WithResumeAfter(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.resumeAfter = d
		}
	}
}

// NewRegistry creates a Registry over the given stores.
func NewRegistry(blobs storage.BlobStore, docs storage.DocumentStore, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{blobs: blobs, docs: docs, resumeAfter: DefaultResumeAfter, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store registers archive as version m.Version of package m.Name and returns
// the archive's durable location. The archive is written before the version
// record, so a failure in between leaves an unreferenced blob, reported as
// *OrphanedBlobError.
//
// A version whose record was written but whose latest update failed is
// finished by uploading the same archive again once the record is older
// than the resume window. Any other upload of an existing version conflicts.
func (r *Registry) Store(ctx context.Context, archive []byte, m *manifest.Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	name, version := m.Name, m.Version
	key := VersionKey(name, version)
	digest := archiveDigest(archive)

	existing, err := r.docs.GetDocument(ctx, CollectionVersions, key)
	if err != nil {
		return "", fmt.Errorf("check version %s: %w", key, unavailable(err))
	}
	if existing != nil {
		return r.resume(ctx, existing, digest)
	}

	blobPath := BlobPath(name, version)
	rec := VersionRecord{
		PackageName:   name,
		Version:       version,
		ArchiveURL:    r.blobs.Location(blobPath),
		ArchiveSHA256: digest,
		Pubspec:       pubspecOf(m),
		CreatedAt:     r.now().UTC(),
	}
	record, err := toDocument(rec)
	if err != nil {
		return "", err
	}
	pkg, err := latestDocument(&rec)
	if err != nil {
		return "", err
	}

	if err := r.blobs.Put(ctx, blobPath, archive, ArchiveContentType); err != nil {
		if errors.Is(err, storage.ErrInvalidPath) {
			return "", fmt.Errorf("%w: %w", manifest.ErrInvalidManifest, err)
		}
		return "", fmt.Errorf("store archive %s: %w", blobPath, unavailable(err))
	}

	if err := r.docs.CreateDocument(ctx, CollectionVersions, key, record); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			r.warnIfReplaced(ctx, name, version, blobPath, digest)
			return "", fmt.Errorf("%w: %s %s", ErrVersionConflict, name, version)
		}
		r.logger.Error("archive stored but version record was not written; blob is orphaned",
			"name", name, "version", version, "blob_path", blobPath, "error", err)
		return "", &OrphanedBlobError{BlobPath: blobPath, Err: err}
	}

	if err := r.advanceLatest(ctx, &rec, pkg); err != nil {
		return "", err
	}
	r.logger.Info("version stored", "name", name, "version", version, "archive_sha256", digest, "size", len(archive))
	return rec.ArchiveURL, nil
}

// resume handles an upload of an already registered version. It advances
// latest only when the archive is the registered one, the package has not
// been updated since the record was created, and the record is old enough
// that its own publish has finished.
func (r *Registry) resume(ctx context.Context, existing storage.Document, digest string) (string, error) {
	var rec VersionRecord
	if err := fromDocument(existing, &rec); err != nil {
		return "", fmt.Errorf("version record: %w", err)
	}
	conflict := fmt.Errorf("%w: %s %s", ErrVersionConflict, rec.PackageName, rec.Version)
	if rec.ArchiveSHA256 == "" || rec.ArchiveSHA256 != digest {
		return "", conflict
	}
	if r.now().Sub(rec.CreatedAt) < r.resumeAfter {
		return "", conflict
	}

	pkgDoc, err := r.docs.GetDocument(ctx, CollectionPackages, rec.PackageName)
	if err != nil {
		return "", fmt.Errorf("check package %s: %w", rec.PackageName, unavailable(err))
	}
	if pkgDoc != nil {
		var pkg PackageRecord
		if err := fromDocument(pkgDoc, &pkg); err != nil {
			return "", fmt.Errorf("package record of %s: %w", rec.PackageName, err)
		}
		if !pkg.UpdatedAt.Before(rec.CreatedAt) {
			return "", conflict
		}
	}

	pkg, err := latestDocument(&rec)
	if err != nil {
		return "", err
	}
	r.logger.Info("resuming publish whose latest update failed", "name", rec.PackageName, "version", rec.Version)
	if err := r.advanceLatest(ctx, &rec, pkg); err != nil {
		return "", err
	}
	return rec.ArchiveURL, nil
}

func (r *Registry) advanceLatest(ctx context.Context, rec *VersionRecord, pkg storage.Document) error {
	if err := r.docs.MergeDocument(ctx, CollectionPackages, rec.PackageName, pkg); err != nil {
		r.logger.Error("version registered but latest pointer was not advanced",
			"name", rec.PackageName, "version", rec.Version, "error", err)
		return fmt.Errorf("version %s registered but latest was not advanced: %w",
			VersionKey(rec.PackageName, rec.Version), unavailable(err))
	}
	return nil
}

// latestDocument is the package record update pointing latest at rec. Its
// updated_at is the record's creation time, which is how resume tells
// whether the update was applied.
func latestDocument(rec *VersionRecord) (storage.Document, error) {
	return toDocument(PackageRecord{
		Name: rec.PackageName,
		Latest: &LatestVersion{
			Version:       rec.Version,
			ArchiveURL:    rec.ArchiveURL,
			ArchiveSHA256: rec.ArchiveSHA256,
			Pubspec:       rec.Pubspec,
		},
		UpdatedAt: rec.CreatedAt,
	})
}

// warnIfReplaced runs after losing the create race. The loser's blob put may
// have landed after the winner's, leaving the registered version pointing at
// the loser's bytes; the recorded digest tells whether that happened.
func (r *Registry) warnIfReplaced(ctx context.Context, name, version, blobPath, digest string) {
	doc, err := r.docs.GetDocument(ctx, CollectionVersions, VersionKey(name, version))
	if err != nil || doc == nil {
		r.logger.Warn("lost version create race; could not read winning record",
			"name", name, "version", version, "blob_path", blobPath, "error", err)
		return
	}
	winner, _ := doc["archive_sha256"].(string)
	if winner != "" && winner != digest {
		r.logger.Error("registered archive may have been replaced by a conflicting upload",
			"name", name, "version", version, "blob_path", blobPath,
			"registered_sha256", winner, "conflicting_sha256", digest)
	}
}

// pubspecOf returns the manifest fields with name and version set to their
// validated string values.
func pubspecOf(m *manifest.Manifest) map[string]any {
	out := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		out[k] = v
	}
	out[manifest.FieldName] = m.Name
	out[manifest.FieldVersion] = m.Version
	return out
}
