package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"learning-platform/internal/ratelimit"
	"learning-platform/internal/tool"
	"learning-platform/pkg/log"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	l, err := log.NewLogger(&log.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return l
}

func startEngine(t *testing.T, s Store, limiter *ratelimit.Limiter, endpoint string, perMinute float64) *Engine {
	t.Helper()
	reg := tool.NewRegistry()
	for _, name := range []string{"clo", "lecture", "socratic", "workspace", "quiz"} {
		reg.Register(tool.Entry{Name: name, Endpoint: endpoint, PerMinute: perMinute, Timeout: 2 * time.Second})
	}
	e := NewEngine(s, tool.NewClient(reg, limiter), EngineConfig{
		MaxConcurrency: 2,
		PollInterval:   5 * time.Millisecond,
		RateLimitDelay: 5 * time.Millisecond,
	}, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Stop()
	})
	return e
}

// waitForStatus polls until the job reaches want or the deadline passes.
func waitForStatus(t *testing.T, s Store, jobID string, want Status) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if j.Status == want {
			return *j
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, _ := s.GetJob(context.Background(), jobID)
	t.Fatalf("job %s did not reach %s, still %s after %d attempts", jobID, want, j.Status, j.Attempts)
	return Job{}
}

func singleStepRun(t *testing.T, s Store, maxAttempts int, baseDelay time.Duration) (Run, Job) {
	t.Helper()
	now := time.Now()
	run := Run{ID: "run-e1", WorkflowKey: "daily_flow_v1", UserID: "u1", Status: RunRunning, CreatedAt: now}
	job := Job{
		ID: "job-e1", RunID: run.ID, StepID: "quiz_gen", UserID: "u1", Status: StatusQueued,
		MaxAttempts: maxAttempts, NextRunAt: now, CreatedAt: now, UpdatedAt: now,
		Payload: StepPayload{
			Tool: "quiz", Mode: "generate", Timeout: time.Second,
			Retry: RetryPolicy{MaxAttempts: maxAttempts, BackoffKind: BackoffExp, BaseDelay: baseDelay},
		},
	}
	require.NoError(t, s.CreateRun(context.Background(), run, []Job{job}))
	return run, job
}

func TestEngineRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"questions":[]}`))
	}))
	defer srv.Close()

	s := NewMemoryStore()
	run, job := singleStepRun(t, s, 5, time.Millisecond)
	startEngine(t, s, nil, srv.URL, 0)

	got := waitForStatus(t, s, job.ID, StatusDone)
	require.Equal(t, 3, got.Attempts)

	atts, err := s.ListAttempts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, atts, 4, "3 failed attempts and 1 successful attempt")
	failed := 0
	for _, a := range atts {
		if !a.Success {
			failed++
			require.Equal(t, http.StatusServiceUnavailable, a.StatusCode)
		}
	}
	require.Equal(t, 3, failed)

	r, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, r.Status)
}

func TestEngineClientErrorGoesDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewMemoryStore()
	run, job := singleStepRun(t, s, 5, time.Millisecond)
	startEngine(t, s, nil, srv.URL, 0)

	got := waitForStatus(t, s, job.ID, StatusDead)
	require.Equal(t, 1, got.Attempts, "a 4xx must not be retried")

	atts, err := s.ListAttempts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)

	r, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunFailed, r.Status)
}

func TestEngineRateLimitDoesNotConsumeAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{Capacity: 1, RefillPerSec: 20})
	s := NewMemoryStore()
	_, job := singleStepRun(t, s, 2, time.Millisecond)

	// Drain the bucket so the first claim is denied locally.
	admitted, err := limiter.Admit(context.Background(), "user:u1:agent:quiz", 1, ratelimit.Config{})
	require.NoError(t, err)
	require.True(t, admitted)

	startEngine(t, s, limiter, srv.URL, 0)

	got := waitForStatus(t, s, job.ID, StatusDone)
	require.Equal(t, 0, got.Attempts, "rate-limited attempts are free")

	atts, err := s.ListAttempts(context.Background(), job.ID)
	require.NoError(t, err)
	denied := 0
	for _, a := range atts {
		if a.ErrorText == "rate limited" {
			denied++
		}
	}
	require.GreaterOrEqual(t, denied, 1, "at least one attempt was denied by the bucket")
}

// flakyLimitStore fails the first n Admit calls, then delegates.
type flakyLimitStore struct {
	*ratelimit.MemoryStore
	failures int32
}

func (s *flakyLimitStore) Admit(ctx context.Context, key string, tokens float64, cfg ratelimit.Config, now time.Time) (bool, ratelimit.Bucket, error) {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return false, ratelimit.Bucket{}, context.DeadlineExceeded
	}
	return s.MemoryStore.Admit(ctx, key, tokens, cfg, now)
}

func TestEngineRetriesWhenLimiterStoreFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// Shared bucket backend outage on the first two admits: an
	// infrastructure failure, retried with backoff, never dead on attempt 1.
	limiter := ratelimit.NewLimiter(&flakyLimitStore{MemoryStore: ratelimit.NewMemoryStore(), failures: 2}, ratelimit.Config{})
	s := NewMemoryStore()
	run, job := singleStepRun(t, s, 5, time.Millisecond)
	startEngine(t, s, limiter, srv.URL, 0)

	got := waitForStatus(t, s, job.ID, StatusDone)
	require.Equal(t, 2, got.Attempts, "the two store failures count as failed attempts")

	r, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, r.Status)
}

func TestEngineSendsIdempotencyKey(t *testing.T) {
	keys := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case keys <- r.Header.Get("Idempotency-Key"):
		default:
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewMemoryStore()
	run, job := singleStepRun(t, s, 1, time.Millisecond)
	startEngine(t, s, nil, srv.URL, 0)

	waitForStatus(t, s, job.ID, StatusDone)
	require.Equal(t, run.ID+":"+job.StepID, <-keys)
}
