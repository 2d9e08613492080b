package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"learning-platform/internal/tool"
	"learning-platform/pkg/errors"
	"learning-platform/pkg/log"
)

// toolServer fakes every reasoning service behind one endpoint, routing on
// the action field. Handlers can be swapped per action to simulate failures.
type toolServer struct {
	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	actions  []string
	srv      *httptest.Server
}

func newToolServer(t *testing.T) *toolServer {
	t.Helper()
	ts := &toolServer{handlers: make(map[string]func(http.ResponseWriter, *http.Request))}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action string `json:"action"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		ts.mu.Lock()
		ts.actions = append(ts.actions, body.Action)
		h := ts.handlers[body.Action]
		ts.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"action":%q}`, body.Action)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *toolServer) setHandler(action string, h func(http.ResponseWriter, *http.Request)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlers[action] = h
}

func (ts *toolServer) seen() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.actions...)
}

func newTestEngine(t *testing.T, ts *toolServer) (*Engine, *MemoryStore) {
	t.Helper()
	reg := tool.NewRegistry()
	for _, name := range []string{"clo", "lecture", "quiz", "workspace", "socratic", "exercise", "grader", "reflection"} {
		reg.Register(tool.Entry{Name: name, Endpoint: ts.srv.URL, Timeout: 2 * time.Second})
	}
	logger, err := log.NewLogger(&log.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	store := NewMemoryStore()
	return NewEngine(store, tool.NewClient(reg, nil), logger), store
}

func TestFullDayProgression(t *testing.T) {
	ts := newToolServer(t)
	e, store := newTestEngine(t, ts)
	ctx := context.Background()

	steps := []struct {
		event   Event
		payload string
		phase   Phase
	}{
		{EventStartDay, `{"focus":"goroutines"}`, PhaseLecture},
		{EventLectureDone, "", PhaseCheck},
		{EventCheckDone, `{"answers":[1,2]}`, PhasePracticePrep},
		{EventPracticeReady, `{"practiceType":"coding"}`, PhasePractice},
		{EventPracticeDone, `{"submission":"main.go"}`, PhaseReflect},
		{EventReflectDone, "", PhaseCompleted},
	}
	for _, st := range steps {
		req := EventRequest{UserID: "u1", Week: 1, Day: 2, Event: st.event}
		if st.payload != "" {
			req.Payload = json.RawMessage(st.payload)
		}
		res, err := e.HandleEvent(ctx, req)
		require.NoError(t, err, "event %s", st.event)
		require.True(t, res.OK, "event %s", st.event)
		require.Equal(t, st.phase, res.Phase, "event %s", st.event)
	}

	s, err := store.Get(ctx, "u1", 1, 2)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, s.Phase)
	for _, name := range []string{"plan", "lecture", "quiz", "check_result", "practice", "practice_result", "reflection"} {
		require.Contains(t, s.Artifacts, name)
	}

	require.Equal(t, []string{
		"plan_day", "deliver", "generate", "grade_check",
		"provision", "grade_practice", "summarize",
	}, ts.seen())
}

func TestOutOfOrderEventRejected(t *testing.T) {
	ts := newToolServer(t)
	e, store := newTestEngine(t, ts)
	ctx := context.Background()

	_, err := e.HandleEvent(ctx, EventRequest{UserID: "u1", Week: 1, Day: 1, Event: EventCheckDone})
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))

	s, err := store.Get(ctx, "u1", 1, 1)
	require.NoError(t, err)
	require.Equal(t, PhasePlanning, s.Phase, "a rejected event must not advance the phase")
	require.Empty(t, ts.seen(), "no tool is called for a rejected event")
}

func TestConcurrentEventsAdvancePhaseOnce(t *testing.T) {
	ts := newToolServer(t)
	e, store := newTestEngine(t, ts)
	ctx := context.Background()

	// Fire the same event from many goroutines on one (user, week, day).
	// The per-session lock serializes them: the first wins, the rest see
	// the advanced phase and are rejected as out of order.
	fire := func(event Event, payload string) int {
		const goroutines = 8
		var wg sync.WaitGroup
		results := make(chan error, goroutines)
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := EventRequest{UserID: "u1", Week: 1, Day: 1, Event: event}
				if payload != "" {
					req.Payload = json.RawMessage(payload)
				}
				res, err := e.HandleEvent(ctx, req)
				if err == nil && res.OK {
					results <- nil
					return
				}
				require.Error(t, err)
				require.Equal(t, errors.KindValidation, errors.KindOf(err))
				results <- err
			}()
		}
		wg.Wait()
		close(results)
		ok := 0
		for err := range results {
			if err == nil {
				ok++
			}
		}
		return ok
	}

	require.Equal(t, 1, fire(EventStartDay, `{"focus":"channels"}`), "exactly one start_day succeeds")
	s, err := store.Get(ctx, "u1", 1, 1)
	require.NoError(t, err)
	require.Equal(t, PhaseLecture, s.Phase)

	require.Equal(t, 1, fire(EventLectureDone, ""), "exactly one lecture_done succeeds")
	s, err = store.Get(ctx, "u1", 1, 1)
	require.NoError(t, err)
	require.Equal(t, PhaseCheck, s.Phase)

	// One save per winning event means one tool-call sequence total:
	// losers are rejected before any tool is touched.
	require.Equal(t, []string{"plan_day", "deliver", "generate"}, ts.seen())
}

func TestPracticeBranching(t *testing.T) {
	for practiceType, wantAction := range map[string]string{
		"dialogue": "open_dialogue",
		"exercise": "generate_set",
	} {
		ts := newToolServer(t)
		e, store := newTestEngine(t, ts)
		ctx := context.Background()

		// Fast-forward the session to practice_prep.
		s, err := store.GetOrCreate(ctx, "u1", 1, 1)
		require.NoError(t, err)
		s.Phase = PhasePracticePrep
		require.NoError(t, store.Save(ctx, s))

		res, err := e.HandleEvent(ctx, EventRequest{
			UserID: "u1", Week: 1, Day: 1, Event: EventPracticeReady,
			Payload: json.RawMessage(fmt.Sprintf(`{"practiceType":%q}`, practiceType)),
		})
		require.NoError(t, err)
		require.True(t, res.OK)
		require.Equal(t, []string{wantAction}, ts.seen())
	}
}

func TestPracticeUnknownTypeRejected(t *testing.T) {
	ts := newToolServer(t)
	e, store := newTestEngine(t, ts)
	ctx := context.Background()

	s, err := store.GetOrCreate(ctx, "u1", 1, 1)
	require.NoError(t, err)
	s.Phase = PhasePracticePrep
	require.NoError(t, store.Save(ctx, s))

	_, err = e.HandleEvent(ctx, EventRequest{
		UserID: "u1", Week: 1, Day: 1, Event: EventPracticeReady,
		Payload: json.RawMessage(`{"practiceType":"osmosis"}`),
	})
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestToolFailureKeepsPhaseAndPartialArtifacts(t *testing.T) {
	ts := newToolServer(t)
	e, store := newTestEngine(t, ts)
	ctx := context.Background()

	failOnce := true
	ts.setHandler("deliver", func(w http.ResponseWriter, r *http.Request) {
		if failOnce {
			failOnce = false
			http.Error(w, "lecture service down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"slides":3}`))
	})

	res, err := e.HandleEvent(ctx, EventRequest{UserID: "u1", Week: 1, Day: 1, Event: EventStartDay})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.True(t, res.Degraded, "the tool failure is returned verbatim")

	s, err := store.Get(ctx, "u1", 1, 1)
	require.NoError(t, err)
	require.Equal(t, PhasePlanning, s.Phase, "phase must not advance on failure")
	require.Contains(t, s.Artifacts, "plan", "the planning call before the failure stays persisted")
	require.NotContains(t, s.Artifacts, "lecture")

	// Retrying the same event is safe.
	res, err = e.HandleEvent(ctx, EventRequest{UserID: "u1", Week: 1, Day: 1, Event: EventStartDay})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, PhaseLecture, res.Phase)
}

func TestNotModifiedShortCircuit(t *testing.T) {
	ts := newToolServer(t)
	e, store := newTestEngine(t, ts)
	ctx := context.Background()

	ts.setHandler("generate", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, `"quiz-v7"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	})

	s, err := store.GetOrCreate(ctx, "u1", 1, 1)
	require.NoError(t, err)
	s.Phase = PhaseLecture
	s.SetArtifact("quiz", json.RawMessage(`{"cached":true}`))
	require.NoError(t, store.Save(ctx, s))

	res, err := e.HandleEvent(ctx, EventRequest{
		UserID: "u1", Week: 1, Day: 1, Event: EventLectureDone,
		ETagIfNoneMatch: `"quiz-v7"`,
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, res.NotModified)
	require.Empty(t, res.Data)
	require.Equal(t, `"quiz-v7"`, res.ETag, "callers can refresh their cached tag on the 304 path too")
	require.Equal(t, PhaseCheck, res.Phase)

	s, err = store.Get(ctx, "u1", 1, 1)
	require.NoError(t, err)
	require.JSONEq(t, `{"cached":true}`, string(s.Artifacts["quiz"]), "the cached artifact is reused untouched")
}

func TestStoreSaveCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, err := store.GetOrCreate(ctx, "u1", 1, 1)
	require.NoError(t, err)
	b, err := store.Get(ctx, "u1", 1, 1)
	require.NoError(t, err)

	a.Phase = PhaseLecture
	require.NoError(t, store.Save(ctx, a))

	b.Phase = PhaseCheck
	require.ErrorIs(t, store.Save(ctx, b), ErrVersionMismatch, "a stale etag must not win")
}

func TestPhaseNext(t *testing.T) {
	require.Equal(t, PhaseLecture, PhasePlanning.Next())
	require.Equal(t, PhaseCompleted, PhaseReflect.Next())
	require.Equal(t, PhaseCompleted, PhaseCompleted.Next())

	// The order is strictly monotonic.
	for i := 1; i < len(phaseOrder); i++ {
		require.Greater(t, phaseOrder[i].Index(), phaseOrder[i-1].Index())
	}
}
