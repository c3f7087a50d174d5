package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "service-secret", discardLogger(), opts...)
}

func TestUpsertSendsHeadersAndConflictKey(t *testing.T) {
	var captured *http.Request
	var body []byte
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})

	res, err := client.Upsert(context.Background(), "gfx_sessions",
		map[string]any{"file_hash": "abc", "table_type": "UNKNOWN"}, "file_hash")
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.NotNil(t, captured)
	assert.Equal(t, "/rest/v1/gfx_sessions", captured.URL.Path)
	assert.Equal(t, "file_hash", captured.URL.Query().Get("on_conflict"))
	assert.Equal(t, "service-secret", captured.Header.Get("apikey"))
	assert.Equal(t, "Bearer service-secret", captured.Header.Get("Authorization"))
	assert.Equal(t, "resolution=merge-duplicates,return=minimal", captured.Header.Get("Prefer"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "abc", sent["file_hash"])
}

func TestUpsertClassifiesRateLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	res, err := client.Upsert(context.Background(), "gfx_sessions", map[string]any{}, "")
	assert.False(t, res.Success)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 7*time.Second, rle.RetryAfter)
	assert.Equal(t, int64(1), client.Metrics().RateLimited.Load())
}

func TestUpsertClassifiesClientError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"message":"invalid input syntax"}`)
	})

	res, err := client.Upsert(context.Background(), "gfx_sessions", map[string]any{}, "")
	assert.False(t, res.Success)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Body, "invalid input syntax")
}

func TestUpsertServerErrorIsRetryableNotTyped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	res, err := client.Upsert(context.Background(), "gfx_sessions", map[string]any{}, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "server 503", res.Detail)
}

func TestUpsertTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}, WithTimeout(20*time.Millisecond))

	res, err := client.Upsert(context.Background(), "gfx_sessions", map[string]any{}, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Detail)
}

func TestUpsertBatchSendsArrayAtomically(t *testing.T) {
	var body []byte
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})

	records := []map[string]any{
		{"file_hash": "a"},
		{"file_hash": "b"},
	}
	res, err := client.UpsertBatch(context.Background(), "gfx_sessions", records, "file_hash")
	require.NoError(t, err)
	assert.True(t, res.Success)

	var sent []map[string]any
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Len(t, sent, 2)
	assert.Equal(t, int64(2), client.Metrics().RecordsWritten.Load())
}

func TestUpsertBatchEmptyIsNoop(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty batch")
	})

	res, err := client.UpsertBatch(context.Background(), "gfx_sessions", nil, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSelectDecodesRows(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.42", r.URL.Query().Get("session_id"))
		io.WriteString(w, `[{"session_id": 42, "table_type": "FEATURE_TABLE"}]`)
	})

	q := url.Values{"session_id": {"eq.42"}}
	rows, err := client.Select(context.Background(), "gfx_sessions", q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "FEATURE_TABLE", rows[0]["table_type"])
}

func TestDeleteRequiresFilter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unfiltered delete must never reach the server")
	})

	err := client.Delete(context.Background(), "gfx_sessions", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a filter")
}

func TestHealthCheck(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		require.NoError(t, client.HealthCheck(context.Background()))
		assert.Equal(t, int64(1), client.Metrics().Reachable.Load())
	})

	t.Run("4xx still proves reachability", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		require.NoError(t, client.HealthCheck(context.Background()))
	})

	t.Run("server error is unhealthy", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		err := client.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Equal(t, int64(0), client.Metrics().Reachable.Load())
	})
}

func TestJWTMinting(t *testing.T) {
	var auth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}, WithJWTSecret("signing-secret"))

	_, err := client.Upsert(context.Background(), "gfx_sessions", map[string]any{}, "")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(auth, "Bearer "))
	raw := strings.TrimPrefix(auth, "Bearer ")
	assert.NotEqual(t, "service-secret", raw)

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte("signing-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "service_role", claims["role"])
	assert.Equal(t, "gfx-sync-agent", claims["iss"])
}

func TestJWTReusedAcrossCalls(t *testing.T) {
	tokens := make(map[string]int)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		tokens[r.Header.Get("Authorization")]++
		w.WriteHeader(http.StatusOK)
	}, WithJWTSecret("signing-secret"))

	for i := 0; i < 3; i++ {
		_, err := client.Upsert(context.Background(), "gfx_sessions", map[string]any{}, "")
		require.NoError(t, err)
	}
	assert.Len(t, tokens, 1, "token should be cached between calls")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
