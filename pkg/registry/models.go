package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bifrost-registry/bifrost/pkg/storage"
)

// Document collections.
const (
	CollectionPackages = "packages"
	CollectionVersions = "versions"
)

// ArchiveContentType is the content type archives are stored with.
const ArchiveContentType = "application/gzip"

// fieldPackageName is the version record field QueryByField looks up.
const fieldPackageName = "package_name"

// VersionKey is the versions collection key of a package version.
func VersionKey(name, version string) string {
	return name + "@" + version
}

// BlobPath is where the archive of a package version is stored.
func BlobPath(name, version string) string {
	return name + "/" + version + "/package.tar.gz"
}

// VersionRecord is the immutable metadata of one accepted upload.
type VersionRecord struct {
	PackageName   string         `json:"package_name"`
	Version       string         `json:"version"`
	ArchiveURL    string         `json:"archive_url"`
	ArchiveSHA256 string         `json:"archive_sha256,omitempty"`
	Pubspec       map[string]any `json:"pubspec"`
	CreatedAt     time.Time      `json:"created_at"`
}

// LatestVersion is the copy of the most recently accepted version embedded
// in a PackageRecord.
type LatestVersion struct {
	Version       string         `json:"version"`
	ArchiveURL    string         `json:"archive_url"`
	ArchiveSHA256 string         `json:"archive_sha256,omitempty"`
	Pubspec       map[string]any `json:"pubspec"`
}

// PackageRecord is the per-package document holding the latest pointer.
type PackageRecord struct {
	Name      string         `json:"name"`
	Latest    *LatestVersion `json:"latest,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// VersionView is one version as served to clients.
type VersionView struct {
	Version       string         `json:"version"`
	ArchiveURL    string         `json:"archive_url"`
	ArchiveSHA256 string         `json:"archive_sha256,omitempty"`
	Pubspec       map[string]any `json:"pubspec"`
	Published     time.Time      `json:"published"`
}

// PackageInfo aggregates a package's latest version and full history.
type PackageInfo struct {
	Name     string        `json:"name"`
	Latest   *VersionView  `json:"latest"`
	Versions []VersionView `json:"versions"`
}

func (r *VersionRecord) view() VersionView {
	return VersionView{
		Version:       r.Version,
		ArchiveURL:    r.ArchiveURL,
		ArchiveSHA256: r.ArchiveSHA256,
		Pubspec:       r.Pubspec,
		Published:     r.CreatedAt,
	}
}

// toDocument converts a record to its stored form. Times encode as
// RFC 3339 with nanoseconds.
func toDocument(v any) (storage.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var doc storage.Document
	if err := decodeJSON(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return doc, nil
}

// fromDocument decodes a stored document into v. Numbers inside structured
// fields decode as json.Number so they re-encode unchanged.
func fromDocument(doc storage.Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode stored document: %w", err)
	}
	if err := decodeJSON(raw, v); err != nil {
		return fmt.Errorf("decode stored document: %w", err)
	}
	return nil
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func archiveDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
