package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bifrost-registry/bifrost/pkg/storage"
)

// QueryService answers metadata queries from the document store.
type QueryService struct {
	docs   storage.DocumentStore
	logger *slog.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(docs storage.DocumentStore, logger *slog.Logger) *QueryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryService{docs: docs, logger: logger}
}

// GetPackageInfo returns the package's latest version and its version
// history, oldest first. An unknown package yields an empty view, not an
// error.
func (q *QueryService) GetPackageInfo(ctx context.Context, name string) (*PackageInfo, error) {
	pkgDoc, err := q.docs.GetDocument(ctx, CollectionPackages, name)
	if err != nil {
		return nil, fmt.Errorf("get package %s: %w", name, unavailable(err))
	}
	versionDocs, err := q.docs.QueryByField(ctx, CollectionVersions, fieldPackageName, name)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", name, unavailable(err))
	}

	records := make([]VersionRecord, 0, len(versionDocs))
	for _, doc := range versionDocs {
		var rec VersionRecord
		if err := fromDocument(doc, &rec); err != nil {
			return nil, fmt.Errorf("version record of %s: %w", name, err)
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Version < records[j].Version
	})

	info := &PackageInfo{Name: name, Versions: make([]VersionView, 0, len(records))}
	for i := range records {
		info.Versions = append(info.Versions, records[i].view())
	}

	if pkgDoc == nil {
		if len(records) == 0 {
			q.logger.Debug("package not found", "name", name)
		}
		return info, nil
	}
	var pkg PackageRecord
	if err := fromDocument(pkgDoc, &pkg); err != nil {
		return nil, fmt.Errorf("package record of %s: %w", name, err)
	}
	if pkg.Latest == nil || pkg.Latest.Version == "" {
		return info, nil
	}

	latest := VersionView{
		Version:       pkg.Latest.Version,
		ArchiveURL:    pkg.Latest.ArchiveURL,
		ArchiveSHA256: pkg.Latest.ArchiveSHA256,
		Pubspec:       pkg.Latest.Pubspec,
		Published:     pkg.UpdatedAt,
	}
	for _, v := range info.Versions {
		if v.Version == latest.Version {
			latest.Published = v.Published
			break
		}
	}
	info.Latest = &latest
	return info, nil
}

// GetVersion returns one registered version or ErrNotFound.
func (q *QueryService) GetVersion(ctx context.Context, name, version string) (*VersionView, error) {
	doc, err := q.docs.GetDocument(ctx, CollectionVersions, VersionKey(name, version))
	if err != nil {
		return nil, fmt.Errorf("get version %s %s: %w", name, version, unavailable(err))
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, name, version)
	}
	var rec VersionRecord
	if err := fromDocument(doc, &rec); err != nil {
		return nil, fmt.Errorf("version record of %s %s: %w", name, version, err)
	}
	v := rec.view()
	return &v, nil
}
