package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t), "")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, &d, cfg)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bifrost.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
listen: ":9000"
public_url: https://pub.example.com
storage:
  blob: fs
  timeout: 3s
blob:
  root: /var/lib/bifrost
  signing_key: from-file
cache:
  max_size: 50
`), 0o600))

	t.Setenv("BIFROST_BLOB_SIGNING_KEY", "from-env")
	t.Setenv("BIFROST_CACHE_ENABLED", "false")
	t.Setenv("BIFROST_LISTEN", ":9100")

	cfg, err := Load(newFlags(t, "--listen", ":9200", "--download-ttl", "1m"), file)
	require.NoError(t, err)

	assert.Equal(t, ":9200", cfg.Listen, "flag beats env")
	assert.Equal(t, "from-env", cfg.Blob.SigningKey, "env beats file")
	assert.Equal(t, BlobFS, cfg.Storage.Blob)
	assert.Equal(t, 3*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, "/var/lib/bifrost", cfg.Blob.Root)
	assert.Equal(t, "https://pub.example.com", cfg.Blob.BaseURL, "base url defaults to public url")
	assert.Equal(t, time.Minute, cfg.Download.TTL)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 50, cfg.Cache.MaxSize)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(newFlags(t, "--blob-store", "fs"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob.signing_key is required")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BIFROST_LOG_LEVEL=debug\nBIFROST_DB_TYPE=postgres\n"), 0o600))

	// Already-set variables win over the file.
	t.Setenv("BIFROST_DB_TYPE", "mysql")
	t.Cleanup(func() { _ = os.Unsetenv("BIFROST_LOG_LEVEL") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env"), envFile))

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "mysql", cfg.DB.Type)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"fs store complete", func(c *Config) {
			c.Storage.Blob = BlobFS
			c.Blob.SigningKey = "secret"
		}, ""},
		{"fs store without root", func(c *Config) {
			c.Storage.Blob = BlobFS
			c.Blob.Root = ""
			c.Blob.SigningKey = "secret"
		}, "blob.root is required"},
		{"unknown blob store", func(c *Config) { c.Storage.Blob = "s3" }, "storage.blob must be"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Documents = DocumentsDB }, ""},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Documents = DocumentsDB
			c.DB.Type = "postgres"
		}, "db.dsn is required for postgres"},
		{"unknown db type", func(c *Config) {
			c.Storage.Documents = DocumentsDB
			c.DB.Type = "oracle"
		}, "db.type must be"},
		{"unknown document store", func(c *Config) { c.Storage.Documents = "firestore" }, "storage.documents must be"},
		{"relative public url", func(c *Config) { c.PublicURL = "pub.example.com" }, "public_url must be"},
		{"zero timeout", func(c *Config) { c.Storage.Timeout = 0 }, "storage.timeout must be positive"},
		{"zero download ttl", func(c *Config) { c.Download.TTL = 0 }, "download.ttl must be positive"},
		{"zero upload size", func(c *Config) { c.Upload.MaxSize = 0 }, "upload.max_size must be positive"},
		{"cache without size", func(c *Config) { c.Cache.MaxSize = 0 }, "cache.ttl and cache.max_size"},
		{"disabled cache without size", func(c *Config) {
			c.Cache.Enabled = false
			c.Cache.MaxSize = 0
		}, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Storage.Timeout = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.timeout")
	assert.Contains(t, err.Error(), "log.format")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "name", "foo")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, `"name":"foo"`)
}
