package cache

import (
	"bytes"
	"net/http"
)

// cacheResponseWriter wraps http.ResponseWriter to capture the response body
// and status code so they can be stored in the cache.
type cacheResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *cacheResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// KeyFunc derives the cache key of a request. An empty key leaves the
// request uncached.
type KeyFunc func(r *http.Request) string

func requestURIKey(r *http.Request) string {
	return r.URL.RequestURI()
}

// CacheMiddleware returns HTTP middleware that caches GET responses in c,
// keyed by key, or by request URI when key is nil.
//
// Only 200 responses are stored, along with their Content-Type. Responses
// carry X-Cache: HIT or MISS. A response computed while an invalidation
// happened is served but not stored.
func CacheMiddleware(c *LRUCache, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = requestURIKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, contentType, ok := c.Get(key); ok {
				if contentType != "" {
					w.Header().Set("Content-Type", contentType)
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached)
				return
			}

			gen := c.Generation()
			crw := &cacheResponseWriter{ResponseWriter: w}
			crw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(crw, r)

			if crw.statusCode == http.StatusOK {
				c.SetIfGeneration(key, crw.body.Bytes(), crw.Header().Get("Content-Type"), gen)
			}
		})
	}
}
