package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiograph/internal/logger"
)

type observation struct {
	method, route string
	status        int
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeRecorder) RecordHTTPRequest(method, route string, status int, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{method, route, status})
}

func serve(e *echo.Echo, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsRecordsRoutePattern(t *testing.T) {
	rec := &fakeRecorder{}
	e := echo.New()
	e.Use(NewMetrics(rec))
	e.GET("/items/:id", func(c echo.Context) error { return c.String(http.StatusOK, c.Param("id")) })
	e.GET("/teapot", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot) })
	e.GET("/boom", func(c echo.Context) error { return assert.AnError })

	serve(e, http.MethodGet, "/items/42", nil)
	serve(e, http.MethodGet, "/items/43", nil)
	serve(e, http.MethodGet, "/teapot", nil)
	serve(e, http.MethodGet, "/boom", nil)

	require.Len(t, rec.obs, 4)
	assert.Equal(t, observation{"GET", "/items/:id", http.StatusOK}, rec.obs[0])
	assert.Equal(t, observation{"GET", "/items/:id", http.StatusOK}, rec.obs[1])
	assert.Equal(t, observation{"GET", "/teapot", http.StatusTeapot}, rec.obs[2])
	assert.Equal(t, observation{"GET", "/boom", http.StatusInternalServerError}, rec.obs[3])
}

func TestRequestIDIsGeneratedAndKept(t *testing.T) {
	e := echo.New()
	e.Use(NewRequestID())
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, RequestID(c)) })

	rec := serve(e, http.MethodGet, "/", nil)
	id := rec.Header().Get(echo.HeaderXRequestID)
	assert.Len(t, id, 36)
	assert.Equal(t, id, rec.Body.String())

	rec = serve(e, http.MethodGet, "/", http.Header{echo.HeaderXRequestID: {"client-id"}})
	assert.Equal(t, "client-id", rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, "client-id", rec.Body.String())
}

func TestRequestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(NewRequestID())
	e.Use(NewRequestLogger(logger.NewTestLogger(&buf, logger.LogLevelDebug)))
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	serve(e, http.MethodGet, "/ping", nil)
	out := buf.String()
	assert.Contains(t, out, "request")
	assert.Contains(t, out, "/ping")
	assert.Contains(t, out, "204")
}

func TestPolicyHeaders(t *testing.T) {
	e := echo.New()
	e.Use(Policy{}.Chain()...)
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := serve(e, http.MethodGet, "/", nil)
	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))
	assert.Equal(t, "DENY", rec.Header().Get(echo.HeaderXFrameOptions))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentSecurityPolicy), "default-src 'none'")
}

func TestPolicyBodyLimit(t *testing.T) {
	e := echo.New()
	e.Use(Policy{BodyLimit: "16B"}.Chain()...)
	e.PUT("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	put := func(body string) int {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body)))
		return rec.Code
	}
	assert.Equal(t, http.StatusRequestEntityTooLarge, put(strings.Repeat("x", 64)))
	assert.Equal(t, http.StatusNoContent, put("{}"))
}
