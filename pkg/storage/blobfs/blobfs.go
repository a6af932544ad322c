// Package blobfs implements storage.BlobStore on the local filesystem and
// serves stored blobs through short-lived signed URLs.
package blobfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bifrost-registry/bifrost/pkg/storage"
)

const (
	// RoutePrefix is the path under which Handler expects to be mounted.
	RoutePrefix = "/blobs/"

	tmpDir     = ".tmp"
	metaSuffix = ".meta"

	defaultContentType = "application/octet-stream"
)

var (
	// ErrInvalidPath is returned for blob paths that are empty, absolute,
	// unclean, inside the scratch directory or that would escape the root.
	ErrInvalidPath = storage.ErrInvalidPath

	// ErrInvalidToken is returned when a download token is missing, expired,
	// forged or issued for another path.
	ErrInvalidToken = errors.New("invalid download token")
)

// Config configures a filesystem blob store.
type Config struct {
	// Root is the directory blobs are written under. Created if missing.
	Root string

	// SigningKey is the HMAC key for download tokens. Required.
	SigningKey []byte

	// BaseURL is the externally visible URL the blob handler is reachable
	// at, without the /blobs suffix.
	BaseURL string

	// Logger for store events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Store is a filesystem-backed blob store.
type Store struct {
	root    string
	key     []byte
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// New creates the store, making sure its root and staging directories exist.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("blobfs: root directory is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("blobfs: signing key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("blobfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o750); err != nil {
		return nil, fmt.Errorf("blobfs: create %s: %w", root, err)
	}

	cfg.Logger.Info("blob storage initialized", "root", root)

	return &Store{
		root:    root,
		key:     cfg.SigningKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// Put writes data to a staging file and renames it into place, so readers
// see either the previous blob or the complete new one.
func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create blob directory: %w: %w", storage.ErrUnavailable, err)
	}

	if contentType == "" {
		contentType = defaultContentType
	}
	if err := s.writeAtomic(target+metaSuffix, []byte(contentType)); err != nil {
		return err
	}
	if err := s.writeAtomic(target, data); err != nil {
		return err
	}

	s.logger.Debug("blob stored", "path", p, "size", len(data))
	return nil
}

func (s *Store) writeAtomic(target string, data []byte) error {
	tmp := filepath.Join(s.root, tmpDir, uuid.NewString())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create staging file: %w: %w", storage.ErrUnavailable, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write staging file: %w: %w", storage.ErrUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync staging file: %w: %w", storage.ErrUnavailable, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close staging file: %w: %w", storage.ErrUnavailable, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move blob into place: %w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", p, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w: %w", p, storage.ErrUnavailable, err)
	}
	return data, nil
}

// SignedURL returns a URL to the blob handler carrying an HS256 token whose
// subject is the blob path and which expires after ttl.
func (s *Store) SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("blob %s: %w", p, storage.ErrNotFound)
		}
		return "", fmt.Errorf("stat blob %s: %w: %w", p, storage.ErrUnavailable, err)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   p,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign download token: %w", err)
	}

	return s.Location(p) + "?" + url.Values{"token": {token}}.Encode(), nil
}

// Location returns the unsigned handler URL of the blob. It is only
// readable with a token from SignedURL.
func (s *Store) Location(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + RoutePrefix + strings.Join(segments, "/")
}

// Handler serves GET requests for RoutePrefix + path, requiring a valid
// token query parameter issued for that path.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		idx := strings.Index(r.URL.Path, RoutePrefix)
		if idx < 0 {
			http.NotFound(w, r)
			return
		}
		p := r.URL.Path[idx+len(RoutePrefix):]

		if err := s.verify(r.URL.Query().Get("token"), p); err != nil {
			s.logger.Debug("rejected blob download", "path", p, "error", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		target, err := s.resolve(p)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		data, err := os.ReadFile(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			s.logger.Error("failed to read blob", "path", p, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		info, err := os.Stat(target)
		modTime := time.Time{}
		if err == nil {
			modTime = info.ModTime()
		}

		w.Header().Set("Content-Type", s.contentType(target))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
		w.Header().Set("Cache-Control", "private, no-store")
		http.ServeContent(w, r, path.Base(p), modTime, bytes.NewReader(data))
	})
}

func (s *Store) verify(tokenString, p string) error {
	if tokenString == "" {
		return fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(p),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

func (s *Store) contentType(target string) string {
	meta, err := os.ReadFile(target + metaSuffix)
	if err != nil || len(meta) == 0 {
		return defaultContentType
	}
	return string(meta)
}

// resolve maps a blob path to its file, rejecting anything that is not a
// clean relative path inside the root.
func (s *Store) resolve(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || path.Clean(p) != p {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." || seg == tmpDir {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	if strings.HasSuffix(p, metaSuffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	target := filepath.Join(s.root, filepath.FromSlash(p))
	rel, err := filepath.Rel(s.root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return target, nil
}
