package blobfs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-registry/bifrost/pkg/storage"
)

const testPath = "foo/1.0.0/package.tar.gz"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		Root:       t.TempDir(),
		SigningKey: []byte("test-signing-key"),
		BaseURL:    "http://registry.test/",
	})
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{SigningKey: []byte("k")})
	assert.Error(t, err)

	_, err = New(Config{Root: t.TempDir()})
	assert.Error(t, err)

	s := newTestStore(t)
	assert.DirExists(t, filepath.Join(s.root, tmpDir))
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, testPath)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, testPath, []byte("first"), "application/gzip"))
	got, err := s.Get(ctx, testPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
	assert.Equal(t, "application/gzip", s.contentType(filepath.Join(s.root, testPath)))

	require.NoError(t, s.Put(ctx, testPath, []byte("second"), "application/gzip"))
	got, err = s.Get(ctx, testPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	staged, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	require.NoError(t, err)
	assert.Empty(t, staged, "staging files must not be left behind")
}

func TestStore_ConcurrentPutsNeverInterleave(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := []byte(strings.Repeat("a", 1<<16))
	b := []byte(strings.Repeat("b", 1<<16))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := a
			if i%2 == 1 {
				data = b
			}
			assert.NoError(t, s.Put(ctx, testPath, data, "application/gzip"))
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, testPath)
	require.NoError(t, err)
	assert.True(t, string(got) == string(a) || string(got) == string(b), "blob must be one complete write")
}

func TestStore_RejectsUnsafePaths(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, p := range []string{
		"",
		"/etc/passwd",
		"../outside",
		"foo/../../outside",
		"foo/./bar",
		"foo//bar",
		`foo\bar`,
		".tmp/x",
		"foo/1.0.0/package.tar.gz.meta",
	} {
		t.Run(p, func(t *testing.T) {
			err := s.Put(ctx, p, []byte("x"), "")
			assert.ErrorIs(t, err, storage.ErrInvalidPath)
			assert.NotErrorIs(t, err, storage.ErrUnavailable, "a bad path is not a transient failure")
			_, err = s.Get(ctx, p)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestStore_Location(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "http://registry.test/blobs/foo/1.0.0/package.tar.gz", s.Location(testPath))
	assert.Equal(t, "http://registry.test/blobs/foo/1.0.0+build/package.tar.gz", s.Location("foo/1.0.0+build/package.tar.gz"))
	assert.Equal(t, "http://registry.test/blobs/foo/a%20b%3F/package.tar.gz", s.Location("foo/a b?/package.tar.gz"))
}

func TestStore_SignedURL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SignedURL(ctx, testPath, time.Minute)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, testPath, []byte("archive"), "application/gzip"))

	raw, err := s.SignedURL(ctx, testPath, time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "registry.test", u.Host)
	assert.Equal(t, "/blobs/"+testPath, u.Path)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(u.Query().Get("token"), claims, func(*jwt.Token) (any, error) {
		return []byte("test-signing-key"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, testPath, claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestStore_Handler(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, testPath, []byte("archive-bytes"), "application/gzip"))
	require.NoError(t, s.Put(ctx, "bar/2.0.0/package.tar.gz", []byte("other"), "application/gzip"))

	signed, err := s.SignedURL(ctx, testPath, time.Minute)
	require.NoError(t, err)
	token := mustToken(t, signed)

	otherSigned, err := s.SignedURL(ctx, "bar/2.0.0/package.tar.gz", time.Minute)
	require.NoError(t, err)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   testPath,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("wrong-key"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: testPath,
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"valid token", "/blobs/" + testPath + "?token=" + token, http.StatusOK},
		{"missing token", "/blobs/" + testPath, http.StatusForbidden},
		{"token for other path", "/blobs/" + testPath + "?token=" + mustToken(t, otherSigned), http.StatusForbidden},
		{"forged token", "/blobs/" + testPath + "?token=" + forged, http.StatusForbidden},
		{"token without expiry", "/blobs/" + testPath + "?token=" + noExpiry, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				body, _ := io.ReadAll(rr.Body)
				assert.Equal(t, "archive-bytes", string(body))
				assert.Equal(t, "application/gzip", rr.Header().Get("Content-Type"))
				assert.Contains(t, rr.Header().Get("Content-Disposition"), "package.tar.gz")
			}
		})
	}
}

func TestStore_HandlerExpiredToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, testPath, []byte("archive"), "application/gzip"))

	signed, err := s.SignedURL(ctx, testPath, time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/blobs/"+testPath+"?token="+mustToken(t, signed), nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestStore_HandlerBlobGone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, testPath, []byte("archive"), "application/gzip"))

	signed, err := s.SignedURL(ctx, testPath, time.Minute)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(s.root, testPath)))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/blobs/"+testPath+"?token="+mustToken(t, signed), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStore_HandlerMethod(t *testing.T) {
	s := newTestStore(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/blobs/"+testPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func mustToken(t *testing.T, signed string) string {
	t.Helper()
	u, err := url.Parse(signed)
	require.NoError(t, err)
	return u.Query().Get("token")
}
