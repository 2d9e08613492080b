package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"learning-platform/internal/ratelimit"
	"learning-platform/pkg/errors"
)

func newTestRegistry(endpoint string) *Registry {
	r := NewRegistry()
	r.Register(Entry{
		Name:     "quiz",
		Version:  "v1",
		Endpoint: endpoint,
		Timeout:  2 * time.Second,
	})
	return r
}

func TestCall_FreshResponse(t *testing.T) {
	var gotBody callBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("ETag", `"v42"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"questions":["q1","q2"]}`))
	}))
	defer srv.Close()

	c := NewClient(newTestRegistry(srv.URL), nil)
	res, err := c.Call(context.Background(), "quiz", CallArgs{
		UserID:  "u1",
		Mode:    "generate",
		Payload: map[string]string{"topic": "goroutines"},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, `"v42"`, res.ETag)
	require.False(t, res.NotModified())
	require.Equal(t, "generate", gotBody.Action)
	require.Equal(t, "u1", gotBody.UserID)

	cond, ok := res.Conditional()
	require.True(t, ok)
	require.True(t, cond.IsFresh())
	require.JSONEq(t, `{"questions":["q1","q2"]}`, string(cond.Data()))
}

func TestCall_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, `"v42"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := NewClient(newTestRegistry(srv.URL), nil)
	res, err := c.Call(context.Background(), "quiz", CallArgs{
		UserID:          "u1",
		Mode:            "generate",
		ETagIfNoneMatch: `"v42"`,
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, res.NotModified())
	require.Empty(t, res.Data)

	cond, ok := res.Conditional()
	require.True(t, ok)
	require.False(t, cond.IsFresh())
	require.Equal(t, `"v42"`, cond.ETag(), "the still-valid tag is carried through the cached branch")
}

func TestCall_ClientErrorIsNotDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(newTestRegistry(srv.URL), nil)
	res, err := c.Call(context.Background(), "quiz", CallArgs{UserID: "u1", Mode: "generate"})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.False(t, res.Degraded, "4xx should not be marked degraded")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCall_ServerErrorIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(newTestRegistry(srv.URL), nil)
	res, err := c.Call(context.Background(), "quiz", CallArgs{UserID: "u1", Mode: "generate"})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.True(t, res.Degraded, "5xx should be retryable")
}

func TestCall_NetworkFailureIsDegraded(t *testing.T) {
	// Endpoint nobody listens on.
	c := NewClient(newTestRegistry("http://127.0.0.1:1"), nil)
	res, err := c.Call(context.Background(), "quiz", CallArgs{UserID: "u1", Mode: "generate"})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.True(t, res.Degraded)
}

func TestCall_UnknownTool(t *testing.T) {
	c := NewClient(NewRegistry(), nil)
	_, err := c.Call(context.Background(), "nope", CallArgs{UserID: "u1"})
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestCall_RateLimited(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(Entry{Name: "quiz", Endpoint: srv.URL, PerMinute: 2, Timeout: time.Second})
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultConfig())
	c := NewClient(reg, limiter)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := c.Call(ctx, "quiz", CallArgs{UserID: "u1", Mode: "generate"})
		require.NoError(t, err)
		require.True(t, res.OK)
	}
	res, err := c.Call(ctx, "quiz", CallArgs{UserID: "u1", Mode: "generate"})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.True(t, res.RateLimited)
	require.False(t, res.Degraded)
	require.Equal(t, 2, calls, "denied call must not reach the upstream")

	// A different user has an independent bucket.
	res, err = c.Call(ctx, "quiz", CallArgs{UserID: "u2", Mode: "generate"})
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestCall_IdempotencyKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "run-1:step-a", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(newTestRegistry(srv.URL), nil)
	res, err := c.Call(context.Background(), "quiz", CallArgs{
		UserID:         "u1",
		Mode:           "generate",
		IdempotencyKey: "run-1:step-a",
	})
	require.NoError(t, err)
	require.True(t, res.OK)
}

// failingLimitStore simulates a shared bucket backend outage.
type failingLimitStore struct{}

func (failingLimitStore) Admit(ctx context.Context, key string, tokens float64, cfg ratelimit.Config, now time.Time) (bool, ratelimit.Bucket, error) {
	return false, ratelimit.Bucket{}, context.DeadlineExceeded
}

func (failingLimitStore) Status(ctx context.Context, key string, cfg ratelimit.Config, now time.Time) (ratelimit.Bucket, error) {
	return ratelimit.Bucket{}, context.DeadlineExceeded
}

func (failingLimitStore) Reset(ctx context.Context, key string, cfg ratelimit.Config, now time.Time) error {
	return context.DeadlineExceeded
}

func TestCall_LimiterStoreFailureIsInfrastructure(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(Entry{Name: "quiz", Endpoint: srv.URL, PerMinute: 4, Timeout: time.Second})
	c := NewClient(reg, ratelimit.NewLimiter(failingLimitStore{}, ratelimit.Config{}))

	_, err := c.Call(context.Background(), "quiz", CallArgs{UserID: "u1", Mode: "generate"})
	require.Error(t, err)
	require.Equal(t, errors.KindInfrastructure, errors.KindOf(err))
	require.True(t, errors.IsRetryable(err))
	require.False(t, called, "the upstream must not be called when admission errors")
}

func TestParseResult(t *testing.T) {
	res := Result{OK: true, Data: json.RawMessage(`{"plan":{"days":5},"notes":"x"}`)}

	fields, err := ParseResult(res, "plan")
	require.NoError(t, err)
	require.Contains(t, fields, "plan")
	require.Contains(t, fields, "notes")

	_, err = ParseResult(res, "plan", "missing")
	require.Error(t, err)
	require.Equal(t, errors.KindLogic, errors.KindOf(err))

	_, err = ParseResult(Result{OK: false, Err: "boom"})
	require.Error(t, err)
	require.Equal(t, errors.KindLogic, errors.KindOf(err))

	_, err = ParseResult(Result{OK: true, Data: json.RawMessage(`not json`)}, "plan")
	require.Error(t, err)
	require.Equal(t, errors.KindLogic, errors.KindOf(err))
}
