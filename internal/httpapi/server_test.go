package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/admission"
	"github.com/fyrsmithlabs/researchd/internal/cancel"
	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/clarify"
	"github.com/fyrsmithlabs/researchd/internal/orchestrator"
	"github.com/fyrsmithlabs/researchd/internal/run"
	"github.com/fyrsmithlabs/researchd/internal/stage"
)

const serverTestPipeline = `
stages:
  - id: frame
    prompt: "Frame the problem."
    schema:
      fields:
        - name: summary
          kind: string
          max_len: 500
  - id: evaluate
    prompt: "Evaluate the evidence."
    schema:
      fields:
        - name: verdict
          kind: enum
          members: [PROMISING, MIXED, UNPROMISING]
          enum_default: MIXED
      clarify_flag_field: needs_clarification
      clarify_question_field: question
`

type stubInvoker struct {
	mu      sync.Mutex
	pause   bool
	answers int
}

func (s *stubInvoker) Invoke(_ context.Context, stageID string, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stageID == "evaluate" && s.pause && s.answers == 0 {
		s.answers++
		return map[string]any{"needs_clarification": true, "question": "Which segment?"}, nil
	}
	return map[string]any{"summary": "fine", "verdict": "PROMISING"}, nil
}

func newTestServer(t *testing.T, invoker stage.Invoker, admitter admission.Controller) *Server {
	t.Helper()

	store := checkpoint.NewMemoryStore()
	pipeline, err := stage.ParsePipeline([]byte(serverTestPipeline))
	require.NoError(t, err)
	executor, err := stage.NewExecutor(nil, store, invoker, pipeline, nil, zap.NewNop())
	require.NoError(t, err)
	gate, err := clarify.NewGate(nil, store, zap.NewNop())
	require.NoError(t, err)
	monitor, err := cancel.NewMonitor(store, zap.NewNop())
	require.NoError(t, err)

	orch, err := orchestrator.New(&orchestrator.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SweepInterval:  time.Hour,
	}, store, executor, pipeline, gate, monitor, admitter, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	s, err := NewServer(orch, zap.NewNop(), nil)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) RunView {
	t.Helper()
	var view RunView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func getRunUntil(t *testing.T, s *Server, runID string, cond func(RunView) bool) RunView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := doJSON(t, s, http.MethodGet, "/api/v1/runs/"+runID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		view := decodeRun(t, rec)
		if cond(view) {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never reached expected state; status=%s", runID, view.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubInvoker{}, nil)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubInvoker{}, nil)
	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestStartRun_LifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, &stubInvoker{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", StartRunRequest{
		OwnerID: "owner-1",
		Context: map[string]any{"topic": "pricing"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeRun(t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, []string{"frame", "evaluate"}, created.Stages)

	final := getRunUntil(t, s, created.ID, func(v RunView) bool { return v.Status == run.StatusComplete })
	assert.Equal(t, 100, final.PercentComplete)
	assert.Equal(t, "PROMISING", final.Results["evaluate"].Payload["verdict"])
}

func TestStartRun_Validation(t *testing.T) {
	s := newTestServer(t, &stubInvoker{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", StartRunRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/runs", StartRunRequest{
		OwnerID: "owner-1",
		Stages:  []string{"bogus"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRun_Denied(t *testing.T) {
	admitter, err := admission.NewQuotaController(&admission.Config{MaxStagesPerRun: 1}, zap.NewNop())
	require.NoError(t, err)
	s := newTestServer(t, &stubInvoker{}, admitter)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", StartRunRequest{OwnerID: "owner-1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, admission.ReasonRunTooLarge, resp.Error)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestServer(t, &stubInvoker{}, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/runs/absent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOverHTTP(t *testing.T) {
	invoker := &stubInvoker{pause: true}
	s := newTestServer(t, invoker, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", StartRunRequest{OwnerID: "owner-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeRun(t, rec)

	// Wait for the pause so the cancel exercises a suspended run.
	getRunUntil(t, s, created.ID, func(v RunView) bool { return v.Status == run.StatusAwaitingClarification })

	rec = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+created.ID+"/cancel", CancelRequest{RequesterID: "owner-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"recorded":true}`, rec.Body.String())

	final := getRunUntil(t, s, created.ID, func(v RunView) bool { return v.Status == run.StatusCancelled })
	assert.True(t, final.CancelRequested)

	// Repeats are no-ops.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+created.ID+"/cancel", CancelRequest{RequesterID: "owner-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"recorded":false}`, rec.Body.String())
}

func TestClarificationOverHTTP(t *testing.T) {
	invoker := &stubInvoker{pause: true}
	s := newTestServer(t, invoker, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", StartRunRequest{OwnerID: "owner-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeRun(t, rec)

	paused := getRunUntil(t, s, created.ID, func(v RunView) bool { return v.Clarification != nil })
	assert.Equal(t, "evaluate", paused.Clarification.StageID)
	assert.Equal(t, "Which segment?", paused.Clarification.Question)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+created.ID+"/clarification", AnswerRequest{
		RequestID: paused.Clarification.RequestID,
		Answer:    "Enterprise.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"outcome":"resolved"}`, rec.Body.String())

	getRunUntil(t, s, created.ID, func(v RunView) bool { return v.Status == run.StatusComplete })

	// A second answer conflicts.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+created.ID+"/clarification", AnswerRequest{
		RequestID: paused.Clarification.RequestID,
		Answer:    "Consumer.",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClarification_MissingRequestID(t *testing.T) {
	s := newTestServer(t, &stubInvoker{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/runs/some-run/clarification", AnswerRequest{Answer: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
