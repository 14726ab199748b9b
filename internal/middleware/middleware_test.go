package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func send(r http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rdb, _ := newRedis(t)
	r := gin.New()
	r.Use(RateLimit(rdb, 3, zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		codes = append(codes, send(r, http.MethodGet, "/ping", nil).Code)
	}
	// Even when the requests straddle a window boundary one window sees
	// more than three of them.
	limited := 0
	for _, code := range codes {
		if code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 || codes[0] != http.StatusOK {
		t.Fatalf("codes %v", codes)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rdb, mr := newRedis(t)
	r := gin.New()
	r.Use(RateLimit(rdb, 0, nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 10; i++ {
		if code := send(r, http.MethodGet, "/ping", nil).Code; code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("keys written while disabled: %v", keys)
	}
}

func TestIdempotence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rdb, _ := newRedis(t)
	var calls atomic.Int32
	r := gin.New()
	r.Use(Idempotence(rdb))
	r.POST("/caption", func(c *gin.Context) {
		calls.Add(1)
		c.Status(http.StatusOK)
	})
	r.POST("/fail", func(c *gin.Context) {
		calls.Add(1)
		c.Status(http.StatusInternalServerError)
	})

	h := http.Header{IdempotenceHeader: []string{"abc"}}
	if code := send(r, http.MethodPost, "/caption", h).Code; code != http.StatusOK {
		t.Fatalf("first: %d", code)
	}
	if code := send(r, http.MethodPost, "/caption", h).Code; code != http.StatusConflict {
		t.Fatalf("repeat: %d", code)
	}
	if code := send(r, http.MethodPost, "/caption", nil).Code; code != http.StatusOK {
		t.Fatalf("no header: %d", code)
	}
	// A failed attempt releases the token for a retry.
	send(r, http.MethodPost, "/fail", h)
	send(r, http.MethodPost, "/fail", h)
	if got := calls.Load(); got != 4 {
		t.Fatalf("handler calls %d, want 4", got)
	}
}

func TestLoggerQuietPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(Logger(zap.New(core), "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	send(r, http.MethodGet, "/health", nil)
	send(r, http.MethodGet, "/boom", nil)

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zap.WarnLevel {
		t.Fatalf("entries %+v", entries)
	}
}

func TestMetricsDoesNotBreakChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/captions/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if code := send(r, http.MethodGet, "/captions/1", nil).Code; code != http.StatusNoContent {
		t.Fatalf("status %d", code)
	}
	if code := send(r, http.MethodGet, "/nowhere", nil).Code; code != http.StatusNotFound {
		t.Fatalf("status %d", code)
	}
}

func TestResponseCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rdb, mr := newRedis(t)
	var calls atomic.Int32
	r := gin.New()
	r.Use(ResponseCache(rdb, ResponseCacheOptions{TTL: time.Minute}))
	r.GET("/analytics", func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(http.StatusOK, gin.H{"call": n})
	})
	r.GET("/broken", func(c *gin.Context) {
		calls.Add(1)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": 0})
	})

	first := send(r, http.MethodGet, "/analytics", nil)
	second := send(r, http.MethodGet, "/analytics", nil)
	if first.Header().Get(ResponseCacheHeader) != "miss" || second.Header().Get(ResponseCacheHeader) != "hit" {
		t.Fatalf("cache headers %q, %q", first.Header().Get(ResponseCacheHeader), second.Header().Get(ResponseCacheHeader))
	}
	if second.Body.String() != first.Body.String() || calls.Load() != 1 {
		t.Fatalf("second body %q after %d calls", second.Body.String(), calls.Load())
	}
	if ttl := mr.TTL(ResponseCachePrefix + "/analytics"); ttl != time.Minute {
		t.Fatalf("ttl %v", ttl)
	}

	if w := send(r, http.MethodGet, "/analytics?nocache=1", nil); w.Header().Get(ResponseCacheHeader) != "" || calls.Load() != 2 {
		t.Fatalf("bypass served from cache: %q, calls %d", w.Header().Get(ResponseCacheHeader), calls.Load())
	}

	for i := 0; i < 2; i++ {
		send(r, http.MethodGet, "/broken", nil)
	}
	if calls.Load() != 4 || mr.Exists(ResponseCachePrefix+"/broken") {
		t.Fatalf("error response cached (calls %d)", calls.Load())
	}
}
