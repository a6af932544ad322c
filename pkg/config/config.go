// Package config loads server settings from flags, BIFROST_* environment
// variables, .env files and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. BIFROST_DB_DSN.
const EnvPrefix = "BIFROST"

// Backend names.
const (
	BlobFS          = "fs"
	BlobMemory      = "memory"
	DocumentsDB     = "db"
	DocumentsMemory = "memory"
)

// Config holds all server settings.
type Config struct {
	Listen    string         `mapstructure:"listen"`
	PublicURL string         `mapstructure:"public_url"`
	Storage   StorageConfig  `mapstructure:"storage"`
	Blob      BlobConfig     `mapstructure:"blob"`
	Download  DownloadConfig `mapstructure:"download"`
	DB        DBConfig       `mapstructure:"db"`
	Upload    UploadConfig   `mapstructure:"upload"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Log       LogConfig      `mapstructure:"log"`
}

// StorageConfig selects the storage backends.
type StorageConfig struct {
	Blob      string        `mapstructure:"blob"`
	Documents string        `mapstructure:"documents"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// BlobConfig configures the filesystem blob store.
type BlobConfig struct {
	Root       string `mapstructure:"root"`
	SigningKey string `mapstructure:"signing_key"`
	// BaseURL defaults to PublicURL.
	BaseURL string `mapstructure:"base_url"`
}

type DownloadConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// DBConfig configures the SQL document store.
type DBConfig struct {
	Type          string `mapstructure:"type"`
	DSN           string `mapstructure:"dsn"`
	MigrationLock bool   `mapstructure:"migration_lock"`
}

type UploadConfig struct {
	MaxSize int64 `mapstructure:"max_size"`
}

// CacheConfig configures the package metadata cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagBindings maps command-line flags to configuration keys.
var flagBindings = []struct {
	flag  string
	key   string
	usage string
}{
	{"listen", "listen", "address to listen on"},
	{"public-url", "public_url", "externally visible base URL of the server"},
	{"blob-store", "storage.blob", "blob backend (fs or memory)"},
	{"document-store", "storage.documents", "document backend (db or memory)"},
	{"storage-timeout", "storage.timeout", "deadline for each storage call"},
	{"blob-root", "blob.root", "directory for the filesystem blob store"},
	{"blob-signing-key", "blob.signing_key", "HMAC key for signed download URLs"},
	{"blob-base-url", "blob.base_url", "base URL of signed download links (defaults to --public-url)"},
	{"download-ttl", "download.ttl", "validity of signed download URLs"},
	{"db-type", "db.type", "database type (sqlite, postgres or mysql)"},
	{"db-dsn", "db.dsn", "database connection string"},
	{"db-migration-lock", "db.migration_lock", "serialize schema migrations across replicas"},
	{"upload-max-size", "upload.max_size", "maximum archive size in bytes"},
	{"cache-enabled", "cache.enabled", "cache package metadata responses"},
	{"cache-ttl", "cache.ttl", "how long cached metadata is served"},
	{"cache-max-size", "cache.max_size", "maximum number of cached responses"},
	{"log-level", "log.level", "log level (debug, info, warn or error)"},
	{"log-format", "log.format", "log format (text or json)"},
}

// Default returns the built-in settings: in-memory stores on :8080.
func Default() Config {
	return Config{
		Listen: ":8080",
		Storage: StorageConfig{
			Blob:      BlobMemory,
			Documents: DocumentsMemory,
			Timeout:   10 * time.Second,
		},
		Blob:     BlobConfig{Root: "./data/blobs"},
		Download: DownloadConfig{TTL: 15 * time.Minute},
		DB:       DBConfig{Type: "sqlite", MigrationLock: true},
		Upload:   UploadConfig{MaxSize: 100 << 20},
		Cache:    CacheConfig{Enabled: true, TTL: 30 * time.Second, MaxSize: 1000},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// RegisterFlags adds the configuration flags to fs, using defaults from
// Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	defaults := map[string]any{
		"listen":            d.Listen,
		"public_url":        d.PublicURL,
		"storage.blob":      d.Storage.Blob,
		"storage.documents": d.Storage.Documents,
		"storage.timeout":   d.Storage.Timeout,
		"blob.root":         d.Blob.Root,
		"blob.signing_key":  d.Blob.SigningKey,
		"blob.base_url":     d.Blob.BaseURL,
		"download.ttl":      d.Download.TTL,
		"db.type":           d.DB.Type,
		"db.dsn":            d.DB.DSN,
		"db.migration_lock": d.DB.MigrationLock,
		"upload.max_size":   d.Upload.MaxSize,
		"cache.enabled":     d.Cache.Enabled,
		"cache.ttl":         d.Cache.TTL,
		"cache.max_size":    d.Cache.MaxSize,
		"log.level":         d.Log.Level,
		"log.format":        d.Log.Format,
	}
	for _, b := range flagBindings {
		switch v := defaults[b.key].(type) {
		case string:
			fs.String(b.flag, v, b.usage)
		case bool:
			fs.Bool(b.flag, v, b.usage)
		case int:
			fs.Int(b.flag, v, b.usage)
		case int64:
			fs.Int64(b.flag, v, b.usage)
		case time.Duration:
			fs.Duration(b.flag, v, b.usage)
		}
	}
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load resolves the configuration. Precedence, highest first: flags set on
// fs, BIFROST_* environment variables, configFile, defaults. fs and
// configFile may be empty.
func Load(fs *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	if fs != nil {
		for _, b := range flagBindings {
			if f := fs.Lookup(b.flag); f != nil {
				if err := v.BindPFlag(b.key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", b.flag, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Blob.BaseURL == "" {
		cfg.Blob.BaseURL = cfg.PublicURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen", d.Listen)
	v.SetDefault("public_url", d.PublicURL)
	v.SetDefault("storage.blob", d.Storage.Blob)
	v.SetDefault("storage.documents", d.Storage.Documents)
	v.SetDefault("storage.timeout", d.Storage.Timeout)
	v.SetDefault("blob.root", d.Blob.Root)
	v.SetDefault("blob.signing_key", d.Blob.SigningKey)
	v.SetDefault("blob.base_url", d.Blob.BaseURL)
	v.SetDefault("download.ttl", d.Download.TTL)
	v.SetDefault("db.type", d.DB.Type)
	v.SetDefault("db.dsn", d.DB.DSN)
	v.SetDefault("db.migration_lock", d.DB.MigrationLock)
	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen == "" {
		add("listen address is required")
	}
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("public_url must be an absolute http(s) URL, got %q", c.PublicURL)
		}
	}

	switch c.Storage.Blob {
	case BlobMemory:
	case BlobFS:
		if c.Blob.Root == "" {
			add("blob.root is required for the fs blob store")
		}
		if c.Blob.SigningKey == "" {
			add("blob.signing_key is required for the fs blob store")
		}
	default:
		add("storage.blob must be %q or %q, got %q", BlobFS, BlobMemory, c.Storage.Blob)
	}

	switch c.Storage.Documents {
	case DocumentsMemory:
	case DocumentsDB:
		switch c.DB.Type {
		case "sqlite":
		case "postgres", "mysql":
			if c.DB.DSN == "" {
				add("db.dsn is required for %s", c.DB.Type)
			}
		default:
			add("db.type must be sqlite, postgres or mysql, got %q", c.DB.Type)
		}
	default:
		add("storage.documents must be %q or %q, got %q", DocumentsDB, DocumentsMemory, c.Storage.Documents)
	}

	if c.Storage.Timeout <= 0 {
		add("storage.timeout must be positive")
	}
	if c.Download.TTL <= 0 {
		add("download.ttl must be positive")
	}
	if c.Upload.MaxSize <= 0 {
		add("upload.max_size must be positive")
	}
	if c.Cache.Enabled && (c.Cache.TTL <= 0 || c.Cache.MaxSize <= 0) {
		add("cache.ttl and cache.max_size must be positive when the cache is enabled")
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
