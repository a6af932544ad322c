package cache

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// nameParam is the route parameter holding the package name.
const nameParam = "name"

// Config holds configuration for the response cache.
type Config struct {
	// Enabled controls whether caching is active. When false, no middleware
	// is applied and all requests pass through uncached.
	Enabled bool

	// TTL bounds how long a response is served from cache. Other replicas'
	// uploads become visible after at most this long.
	TTL time.Duration

	// MaxSize is the maximum number of cached responses.
	MaxSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		TTL:     30 * time.Second,
		MaxSize: 1000,
	}
}

// Manager caches package metadata responses and drops them when the
// package changes. A nil *Manager is valid and caches nothing.
type Manager struct {
	packages *LRUCache
}

// NewManager creates a Manager. If cfg is disabled, it returns nil.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return nil
	}
	return &Manager{packages: NewLRUCache(cfg.MaxSize, cfg.TTL)}
}

// InvalidatePackage drops every cached response of one package, however
// the requests spelled its name.
func (m *Manager) InvalidatePackage(name string) {
	if m == nil {
		return
	}
	m.packages.InvalidateFunc(func(key string) bool {
		quoted, err := strconv.QuotedPrefix(key)
		if err != nil {
			return false
		}
		keyName, err := strconv.Unquote(quoted)
		return err == nil && keyName == name
	})
}

// InvalidateAll clears the cache.
func (m *Manager) InvalidateAll() {
	if m == nil {
		return
	}
	m.packages.InvalidateAll()
}

// Middleware returns the caching middleware, or a pass-through when m is
// nil. It must run inside a chi route with a {name} parameter.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(m.packages, packageKey)
}

// packageKey keys a response by the decoded package name, the matched route
// pattern, the route's other parameters and the raw query. Escaping
// variants of one request share a key; the quoted name leads so that
// InvalidatePackage can match it exactly. Requests without a routed name
// are not cached.
func packageKey(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	name := routeParam(r, rctx, nameParam)
	if name == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString(strconv.Quote(name))
	b.WriteByte(' ')
	b.WriteString(rctx.RoutePattern())
	for _, k := range rctx.URLParams.Keys {
		if k == nameParam || k == "*" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(k + "=" + routeParam(r, rctx, k)))
	}
	b.WriteByte('?')
	b.WriteString(r.URL.RawQuery)
	return b.String()
}

// routeParam returns a decoded route parameter. chi matches on the raw path
// when the request escaped characters that need no escaping, and its
// parameters are then still escaped.
func routeParam(r *http.Request, rctx *chi.Context, key string) string {
	v := rctx.URLParam(key)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}
