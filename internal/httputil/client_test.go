package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastmango/fastmango/internal/errors"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/pkg/orm"
)

// =============================================================================
// Client Tests
// =============================================================================

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://localhost:8000/"})

	assert.Equal(t, "http://localhost:8000", client.baseURL)
	assert.Equal(t, 2, client.maxRetries)
	assert.Equal(t, "X-MCP-API-Key", client.apiKeyHeader)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

func TestClient_AttachesCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "trace-1", r.Header.Get("X-Trace-ID"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		WriteJSON(w, http.StatusOK, map[string]int{"sum": body["a"] + body["b"]})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, APIKeyHeader: "X-Key", APIKey: "secret", Token: "tok"})
	ctx := logging.WithTraceID(context.Background(), "trace-1")

	resp, err := client.Post(ctx, "/add", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, DecodeResponse(resp, &out))
	assert.Equal(t, 3, out["sum"])
}

func fastRetries(t *testing.T) {
	t.Helper()
	prev := retryBackoff
	retryBackoff = time.Millisecond
	t.Cleanup(func() { retryBackoff = prev })
}

func TestClient_RetriesGatewayErrors(t *testing.T) {
	fastRetries(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	resp, err := client.Get(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_RetryStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(ClientConfig{BaseURL: server.URL, MaxRetries: 5})
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := client.Get(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeResponse_ErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorResponse(w, r, http.StatusNotFound, "TOOL_NOT_FOUND", "Tool 'x' not found", nil)
	}))
	defer server.Close()

	resp, err := NewClient(ClientConfig{BaseURL: server.URL}).Get(context.Background(), "/")
	require.NoError(t, err)

	err = DecodeResponse(resp, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Tool 'x' not found")
}

// =============================================================================
// Response Tests
// =============================================================================

func TestWriteServiceError_MapsDataErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&orm.NotFoundError{Model: "User"}, http.StatusNotFound, "NOT_FOUND"},
		{&orm.InvalidFieldError{Model: "User", Field: "age"}, http.StatusBadRequest, "INVALID_FIELD"},
		{&orm.IntegrityError{Model: "User", Constraint: "user_username_key"}, http.StatusConflict, "CONFLICT"},
		{orm.ErrSessionUnavailable, http.StatusInternalServerError, "SESSION_UNAVAILABLE"},
		{errors.Unauthorized("nope"), http.StatusUnauthorized, "UNAUTHORIZED"},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(logging.WithTraceID(req.Context(), "t-1"))
		rec := httptest.NewRecorder()

		WriteServiceError(rec, req, tc.err)

		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.code, body.Code)
		assert.False(t, body.Success)
		assert.Equal(t, "t-1", body.TraceID)
	}
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	err := DecodeJSON(ioNopCloser(`{"name":"a","extra":1}`), &dst)
	require.Error(t, err)
	se := errors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus)

	require.NoError(t, DecodeJSON(ioNopCloser(`{"name":"a"}`), &dst))
	assert.Equal(t, "a", dst.Name)
}

func TestReadAllWithLimit(t *testing.T) {
	data, truncated, err := ReadAllWithLimit(strings.NewReader("abcdef"), 4)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "abcd", string(data))

	data, truncated, err = ReadAllWithLimit(strings.NewReader("ab"), 4)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "ab", string(data))
}

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }

func ioNopCloser(s string) nopCloser {
	return nopCloser{strings.NewReader(s)}
}
