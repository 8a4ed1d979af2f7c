package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/remindr/internal/authz"
)

type memoryCounter struct {
	mu   sync.Mutex
	hits map[string]int64
	err  error
}

func (c *memoryCounter) Hit(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.hits == nil {
		c.hits = make(map[string]int64)
	}
	c.hits[key]++
	return c.hits[key], nil
}

func TestRateLimiterPerOwner(t *testing.T) {
	counter := &memoryCounter{}
	limiter := NewRateLimiter(counter, 2, time.Minute, zerolog.Nop())
	handler := authz.RequireOwner(limiter.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})))

	post := func(owner string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/reminders", nil)
		req.Header.Set(authz.OwnerHeader, owner)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusCreated, post("alice").Code)
	assert.Equal(t, http.StatusCreated, post("alice").Code)

	limited := post("alice")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusCreated, post("bob").Code, "limits are per owner")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	counter := &memoryCounter{err: errors.New("connection refused")}
	limiter := NewRateLimiter(counter, 1, time.Minute, zerolog.Nop())
	handler := authz.RequireOwner(limiter.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/reminders", nil)
		req.Header.Set(authz.OwnerHeader, "alice")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusCreated, rec.Code)
	}
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/health"`)
	assert.Contains(t, buf.String(), `"component":"http"`)
}
