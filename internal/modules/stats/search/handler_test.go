package search

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rc, err := pkgredis.Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	r := gin.New()
	NewHandler(NewIndex(rc)).RegisterRoutes(r.Group(""))
	return r
}

func get(t *testing.T, r http.Handler, target string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return w.Code, body
}

func TestSearchEmptyQuery(t *testing.T) {
	r := newRouter(t)
	for _, target := range []string{"/search/captions", "/search/knowledge?q=%20"} {
		code, body := get(t, r, target)
		if code != http.StatusOK {
			t.Fatalf("%s: status %d", target, code)
		}
		if body["message"] != emptyQueryMessage || body["total"] != float64(0) {
			t.Fatalf("%s: body %v", target, body)
		}
		if results, ok := body["results"].([]interface{}); !ok || len(results) != 0 {
			t.Fatalf("%s: results %v", target, body["results"])
		}
	}
}

func TestSearchWithoutSearchModule(t *testing.T) {
	// miniredis has no FT.* commands, like a plain Redis server.
	r := newRouter(t)
	code, body := get(t, r, "/search/captions?q=hello")
	if code != http.StatusOK {
		t.Fatalf("status %d, body %v", code, body)
	}
	if body["status"] != "index_unavailable" {
		t.Fatalf("body %v", body)
	}
}

func TestBreakerOpensAfterConfiguredFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := pkgredis.Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	ix := NewIndex(rc, WithBreaker(2, time.Minute))
	for i := 0; i < 2; i++ {
		if _, err := ix.Search(t.Context(), ix.Captions(), Request{Text: "hello"}); !errors.Is(err, ErrIndexUnavailable) {
			t.Fatalf("search %d: err = %v", i, err)
		}
	}
	if st := ix.breaker.State(); st != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", st)
	}
	_, err = ix.Search(t.Context(), ix.Captions(), Request{Text: "hello"})
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("open breaker err = %v", err)
	}
}

func TestSearchUnknownFilter(t *testing.T) {
	ix := NewIndex(nil)
	_, err := ix.Search(t.Context(), ix.Knowledge(), Request{Text: "x", Filters: map[string]string{"nope": "1"}})
	if err == nil {
		t.Fatal("expected error")
	}
}
