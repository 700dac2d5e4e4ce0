package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/testutil"
)

func TestCORSMiddleware(t *testing.T) {
	handler := NewCORSMiddleware([]string{"claude.ai"}, "X-MCP-API-Key").Handler(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/mcp/tools/add", nil)
	req.Header.Set("Origin", "https://claude.ai")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://claude.ai", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-MCP-API-Key")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_Allowed(t *testing.T) {
	m := NewCORSMiddleware([]string{"claude.ai", "https://app.example.com/", " "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://claude.ai", true},
		{"https://www.claude.ai:8443", true},
		{"http://CLAUDE.AI", true},
		{"https://evilclaude.ai", false},
		{"https://app.example.com", true},
		{"http://app.example.com", false},
		{"https://other.example.com", false},
		{"not a url", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Allowed(tt.origin), tt.origin)
	}

	all := NewCORSMiddleware([]string{"*"})
	assert.True(t, all.Allowed("https://anything.test"))
	assert.False(t, all.Allowed(""))
}

func TestRateLimiter_RejectsAfterBurst(t *testing.T) {
	handler := NewRateLimiter(60, 2, logging.NewNop()).Handler(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own budget")
}

func TestRateLimiter_KeysByUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "ip:192.0.2.1", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.7", clientKey(req))

	req = req.WithContext(logging.WithUserID(req.Context(), "42"))
	assert.Equal(t, "user:42", clientKey(req))
}

func TestLocalLimiter_Cleanup(t *testing.T) {
	l := NewLocalLimiter(60, 1)
	_, _ = l.Allow(context.Background(), "a")
	l.limiters["a"].lastSeen = time.Now().Add(-time.Hour)
	_, _ = l.Allow(context.Background(), "b")

	l.Cleanup(time.Minute)
	assert.NotContains(t, l.limiters, "a")
	assert.Contains(t, l.limiters, "b")
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, assert.AnError
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	handler := NewRateLimiterWith(failingLimiter{}, 10, logging.NewNop()).Handler(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	l := NewRedisLimiter(client, 2, time.Minute)
	key := "test-" + logging.NewTraceID()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracingMiddleware_PropagatesTraceID(t *testing.T) {
	var seen string
	handler := NewTracingMiddleware(logging.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTracingMiddleware_ReplacesUnusableTraceID(t *testing.T) {
	handler := NewTracingMiddleware(logging.NewNop()).Handler(okHandler())

	for _, id := range []string{"", "has space", strings.Repeat("x", 129)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Trace-ID", id)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		got := rec.Header().Get("X-Trace-ID")
		assert.NotEmpty(t, got)
		assert.NotEqual(t, id, got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type Note struct {
	ID   int64  `db:"id"`
	Body string `db:"body"`
}

var notes = orm.Register[Note]()

func TestSessionMiddleware_ScopesSessionToRequest(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "body" FROM "note" ORDER BY "id" ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "body"}).AddRow(1, "hello"))

	var handlerCtx context.Context
	handler := SessionMiddleware(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCtx = r.Context()
		rows, err := notes.All(r.Context())
		require.NoError(t, err)
		require.Len(t, rows, 1)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	_, ok := orm.Get(handlerCtx)
	assert.False(t, ok, "session must be cleared after the request")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionMiddleware_NilDB(t *testing.T) {
	handler := SessionMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := notes.All(r.Context())
		assert.ErrorIs(t, err, orm.ErrSessionUnavailable)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
