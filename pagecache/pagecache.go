// Package pagecache keeps rendered metadata documents (VOSI endpoints,
// OAI-PMH responses) so they are not recomputed for every request.
//
// Entries are keyed by the request URL and the content hash of the
// resource descriptor the document was made from; reloading a changed
// RD thus invalidates its pages without explicit eviction.
package pagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"vo_platform/config"
	"vo_platform/metrics"
	"vo_platform/utils/logging"

	"github.com/zeebo/xxh3"
)

// DefaultTTL is how long pages stay in the cache.
const DefaultTTL = 10 * time.Minute

// maxPage is the largest document stored.
const maxPage = 4 << 20

var ErrMiss = errors.New("page not cached")

type Page struct {
	ContentType string
	Body        []byte
}

type Cache interface {
	// Get returns ErrMiss for unknown keys.
	Get(ctx context.Context, key string) (Page, error)

	Set(ctx context.Context, key string, page Page) error
}

// New makes the cache configured in web.pageCache; it returns nil if
// caching is off.
func New(cfg *config.Config) (Cache, error) {
	switch cfg.Web.PageCache {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(DefaultTTL), nil
	case "redis":
		return NewRedis(cfg.Web.RedisAddr, DefaultTTL), nil
	case "memcached":
		return NewMemcached(cfg.Web.MemcachedAddr, DefaultTTL), nil
	}
	return nil, fmt.Errorf("%w: unknown page cache %s", config.ErrBadConfig, cfg.Web.PageCache)
}

// Key is the cache key of a request for a document built from an RD
// with the given content hash.
func Key(r *http.Request, version uint64) string {
	h := xxh3.HashString(r.Method + " " + r.Host + r.URL.RequestURI())
	return "vopage:" + strconv.FormatUint(h, 16) + ":" + strconv.FormatUint(version, 16)
}

// encode packs a page for caches that only store bytes.
func encode(p Page) []byte {
	buf := make([]byte, 0, len(p.ContentType)+1+len(p.Body))
	buf = append(buf, p.ContentType...)
	buf = append(buf, '\n')
	return append(buf, p.Body...)
}

func decode(b []byte) (Page, error) {
	ct, body, ok := bytes.Cut(b, []byte{'\n'})
	if !ok {
		return Page{}, fmt.Errorf("malformed cache entry")
	}
	return Page{ContentType: string(ct), Body: body}, nil
}

type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	over   bool
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if !r.over {
		if r.buf.Len()+len(b) > maxPage {
			r.over = true
			r.buf.Reset()
		} else {
			r.buf.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}

// Middleware serves GET requests from c and stores successful
// responses of next. version returns the content hash of the RD
// behind the request. A nil cache disables the middleware.
func Middleware(c Cache, version func(r *http.Request) uint64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := Key(r, version(r))
			page, err := c.Get(r.Context(), key)
			if err == nil {
				metrics.PageCacheHits.WithLabelValues("hit").Inc()
				w.Header().Set("Content-Type", page.ContentType)
				w.Header().Set("X-Cache", "hit")
				if _, err := w.Write(page.Body); err != nil {
					slog.Warn("error writing cached page", "code", logging.RENDER_SERIALIZE, "error", err)
				}
				return
			}
			if !errors.Is(err, ErrMiss) {
				slog.Warn("page cache lookup failed", "code", logging.RENDER_ERROR, "key", key, "error", err)
			}
			metrics.PageCacheHits.WithLabelValues("miss").Inc()

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status != http.StatusOK || rec.over {
				return
			}
			page = Page{ContentType: w.Header().Get("Content-Type"), Body: rec.buf.Bytes()}
			if err := c.Set(r.Context(), key, page); err != nil {
				slog.Warn("error storing page", "code", logging.RENDER_ERROR, "key", key, "error", err)
			}
		})
	}
}
