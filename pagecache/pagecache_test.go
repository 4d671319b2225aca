package pagecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"vo_platform/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "http://dc.example.org/tap/tables", nil)
	b := httptest.NewRequest(http.MethodGet, "http://dc.example.org/tap/tables?x=1", nil)

	assert.Equal(t, Key(a, 1), Key(a, 1))
	assert.NotEqual(t, Key(a, 1), Key(b, 1))
	assert.NotEqual(t, Key(a, 1), Key(a, 2))
	assert.LessOrEqual(t, len(Key(b, 1<<63)), 250)
}

func TestEncoding(t *testing.T) {
	p := Page{ContentType: "text/xml", Body: []byte("<a>\n<b/></a>")}
	back, err := decode(encode(p))
	require.NoError(t, err)
	assert.Equal(t, p, back)

	_, err = decode([]byte("no separator"))
	assert.Error(t, err)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	body := []byte("hello")
	require.NoError(t, c.Set(ctx, "k", Page{ContentType: "text/plain", Body: body}))
	body[0] = 'j'

	p, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p.Body))

	c.Flush()
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMiddleware(t *testing.T) {
	calls := 0
	status := http.StatusOK
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("<tableset/>"))
	})
	version := uint64(1)
	h := Middleware(NewMemory(time.Minute), func(*http.Request) uint64 { return version })(next)

	do := func(method string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, "/ex/q/tables", nil))
		return w
	}

	w := do(http.MethodGet)
	assert.Equal(t, "<tableset/>", w.Body.String())
	assert.Empty(t, w.Header().Get("X-Cache"))

	w = do(http.MethodGet)
	assert.Equal(t, "<tableset/>", w.Body.String())
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))
	assert.Equal(t, 1, calls)

	do(http.MethodPost)
	assert.Equal(t, 2, calls)

	version = 2
	do(http.MethodGet)
	assert.Equal(t, 3, calls)
}

func TestMiddlewareSkipsErrors(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "broken", http.StatusInternalServerError)
	})
	h := Middleware(NewMemory(time.Minute), func(*http.Request) uint64 { return 0 })(next)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}
	assert.Equal(t, 2, calls)
}

func TestNew(t *testing.T) {
	cfg := config.Default()

	cfg.Web.PageCache = "none"
	c, err := New(&cfg)
	require.NoError(t, err)
	assert.Nil(t, c)

	cfg.Web.PageCache = "memory"
	c, err = New(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	cfg.Web.PageCache = "disk"
	_, err = New(&cfg)
	assert.ErrorIs(t, err, config.ErrBadConfig)
}

func TestRemoteCaches(t *testing.T) {
	ctx := context.Background()
	page := Page{ContentType: "text/xml", Body: []byte("<capabilities/>")}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c := NewRedis(addr, time.Minute)
		defer c.Close()
		require.NoError(t, c.Set(ctx, "vopage:test", page))
		back, err := c.Get(ctx, "vopage:test")
		require.NoError(t, err)
		assert.Equal(t, page, back)
		_, err = c.Get(ctx, "vopage:absent")
		assert.ErrorIs(t, err, ErrMiss)
	}

	if addr := os.Getenv("MEMCACHED_ADDR"); addr != "" {
		c := NewMemcached(addr, time.Minute)
		require.NoError(t, c.Set(ctx, "vopage:test", page))
		back, err := c.Get(ctx, "vopage:test")
		require.NoError(t, err)
		assert.Equal(t, page, back)
		_, err = c.Get(ctx, "vopage:absent")
		assert.ErrorIs(t, err, ErrMiss)
	}
}
