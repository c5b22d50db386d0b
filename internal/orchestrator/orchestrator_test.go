package orchestrator

import (
	"context"
	"errors"
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
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/run"
	"github.com/fyrsmithlabs/researchd/internal/stage"
)

const testPipelineYAML = `
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
        - name: score
          kind: number
          min: 0
          max: 10
          number_default: 5
      clarify_flag_field: needs_clarification
      clarify_question_field: question
  - id: report
    prompt: "Write the report."
    schema:
      fields:
        - name: summary
          kind: string
          max_len: 500
`

// scriptedInvoker counts calls per stage and delegates to fn with the
// per-stage call number (1-based).
type scriptedInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(stageID string, runCtx map[string]any, call int) (map[string]any, error)
}

func (s *scriptedInvoker) Invoke(_ context.Context, stageID string, runCtx map[string]any) (map[string]any, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[stageID]++
	call := s.calls[stageID]
	s.mu.Unlock()
	return s.fn(stageID, runCtx, call)
}

func (s *scriptedInvoker) callCount(stageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stageID]
}

func (s *scriptedInvoker) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func okPayload(stageID string) map[string]any {
	return map[string]any{"summary": "done: " + stageID, "verdict": "MIXED", "score": 5}
}

type testHarness struct {
	orch    *Orchestrator
	store   checkpoint.Store
	monitor *cancel.Monitor
	gate    *clarify.Gate
	rec     *events.Recorder
}

func newHarness(t *testing.T, invoker stage.Invoker, gateCfg *clarify.Config) *testHarness {
	t.Helper()

	store := checkpoint.NewMemoryStore()
	pipeline, err := stage.ParsePipeline([]byte(testPipelineYAML))
	require.NoError(t, err)

	executor, err := stage.NewExecutor(nil, store, invoker, pipeline, nil, zap.NewNop())
	require.NoError(t, err)
	gate, err := clarify.NewGate(gateCfg, store, zap.NewNop())
	require.NoError(t, err)
	monitor, err := cancel.NewMonitor(store, zap.NewNop())
	require.NoError(t, err)

	rec := &events.Recorder{}
	cfg := &Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SweepInterval:  time.Hour,
	}
	orch, err := New(cfg, store, executor, pipeline, gate, monitor, admission.AllowAll{}, rec, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	return &testHarness{orch: orch, store: store, monitor: monitor, gate: gate, rec: rec}
}

func TestStartRun_AdmissionDenied(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	pipeline, err := stage.ParsePipeline([]byte(testPipelineYAML))
	require.NoError(t, err)
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		return okPayload(stageID), nil
	}}
	executor, err := stage.NewExecutor(nil, store, invoker, pipeline, nil, zap.NewNop())
	require.NoError(t, err)
	gate, err := clarify.NewGate(nil, store, zap.NewNop())
	require.NoError(t, err)
	monitor, err := cancel.NewMonitor(store, zap.NewNop())
	require.NoError(t, err)

	admitter, err := admission.NewQuotaController(&admission.Config{MaxStagesPerRun: 2}, zap.NewNop())
	require.NoError(t, err)
	orch, err := New(nil, store, executor, pipeline, gate, monitor, admitter, nil, zap.NewNop())
	require.NoError(t, err)
	defer orch.Close()

	_, err = orch.StartRun(context.Background(), "owner-1", []string{"frame", "evaluate", "report"}, nil)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, admission.ReasonRunTooLarge, denied.Reason)

	// A denied run leaves no trace.
	all, err := store.ListRunsByStatus(context.Background(),
		run.StatusAdmitted, run.StatusRunning, run.StatusAwaitingClarification,
		run.StatusComplete, run.StatusFailed, run.StatusCancelled)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, invoker.totalCalls())
}

func TestStartRun_UnknownStage(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, nil)

	_, err := h.orch.StartRun(context.Background(), "owner-1", []string{"frame", "bogus"}, nil)
	require.Error(t, err)
	assert.Zero(t, invoker.totalCalls())
}

func TestDrive_EndToEnd(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		if stageID == "evaluate" {
			// Messy model output: the run still completes with typed values.
			return map[string]any{"verdict": "promising - strong fit", "score": "8/10"}, nil
		}
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, nil)

	r, err := h.orch.StartRun(context.Background(), "owner-1", nil, map[string]any{"topic": "market sizing"})
	require.NoError(t, err)

	final, err := h.orch.Drive(context.Background(), r.ID)
	require.NoError(t, err)
	final = waitTerminal(t, h.orch, r.ID)

	assert.Equal(t, run.StatusComplete, final.Status)
	assert.Equal(t, 100, final.PercentComplete())
	require.Contains(t, final.Results, "evaluate")
	assert.Equal(t, "PROMISING", final.Results["evaluate"].Payload["verdict"])
	assert.InDelta(t, 8.0, final.Results["evaluate"].Payload["score"], 1e-9)
	assert.True(t, final.Results["evaluate"].WasCoerced)

	// One billable call per stage, no repeats.
	assert.Equal(t, 1, invoker.callCount("frame"))
	assert.Equal(t, 1, invoker.callCount("evaluate"))
	assert.Equal(t, 1, invoker.callCount("report"))

	history := h.rec.StatusHistory(r.ID)
	require.NotEmpty(t, history)
	assert.Equal(t, run.StatusAdmitted, history[0])
	assert.Equal(t, run.StatusComplete, history[len(history)-1])
}

func TestResumeAll_SkipsCheckpointedStages(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, nil)
	ctx := context.Background()

	// A run interrupted after two stages: both checkpointed, and the
	// crash landed between the second stage's durable write and the
	// snapshot save, so the cursor still points at it.
	r := run.New("owner-1", []string{"frame", "evaluate", "report"}, nil)
	require.NoError(t, r.Transition(run.StatusRunning))
	r.CurrentStage = 1
	require.NoError(t, h.store.CreateRun(ctx, r))
	for _, done := range []string{"frame", "evaluate"} {
		wrote, _, err := h.store.TryWriteStage(ctx, r.ID, &run.StageResult{
			StageID: done,
			Payload: map[string]any{"summary": "before the crash"},
		})
		require.NoError(t, err)
		require.True(t, wrote)
	}

	require.NoError(t, h.orch.ResumeAll(ctx))
	final := waitTerminal(t, h.orch, r.ID)

	assert.Equal(t, run.StatusComplete, final.Status)
	assert.Equal(t, "before the crash", final.Results["frame"].Payload["summary"])
	assert.Equal(t, "before the crash", final.Results["evaluate"].Payload["summary"])

	// Only the stage that never checkpointed is re-invoked.
	assert.Zero(t, invoker.callCount("frame"))
	assert.Zero(t, invoker.callCount("evaluate"))
	assert.Equal(t, 1, invoker.callCount("report"))
}

func TestDrive_ClarificationPauseAndResume(t *testing.T) {
	var (
		answeredMu sync.Mutex
		answered   map[string]any
	)
	invoker := &scriptedInvoker{fn: func(stageID string, runCtx map[string]any, call int) (map[string]any, error) {
		if stageID == "evaluate" {
			if call == 1 {
				return map[string]any{
					"needs_clarification": true,
					"question":            "Which market segment matters most?",
				}, nil
			}
			answeredMu.Lock()
			answered = runCtx
			answeredMu.Unlock()
			return map[string]any{"verdict": "PROMISING", "score": 9}, nil
		}
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, nil)
	ctx := context.Background()

	r, err := h.orch.StartRun(ctx, "owner-1", nil, nil)
	require.NoError(t, err)

	paused, err := h.orch.Drive(ctx, r.ID)
	require.NoError(t, err)
	paused = waitStatus(t, h.orch, r.ID, run.StatusAwaitingClarification)

	require.NotNil(t, paused.Clarification)
	assert.Equal(t, "evaluate", paused.Clarification.StageID)
	assert.Equal(t, "Which market segment matters most?", paused.Clarification.Question)

	// The pausing invocation is never checkpointed.
	_, err = h.store.GetStage(ctx, r.ID, "evaluate")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	// Driving a suspended run is a no-op.
	again, err := h.orch.Drive(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusAwaitingClarification, again.Status)
	assert.Equal(t, 1, invoker.callCount("evaluate"))

	outcome, err := h.orch.AnswerClarification(ctx, r.ID, paused.Clarification.ID, "Focus on enterprise.")
	require.NoError(t, err)
	assert.Equal(t, clarify.OutcomeResolved, outcome)

	final := waitTerminal(t, h.orch, r.ID)
	assert.Equal(t, run.StatusComplete, final.Status)
	assert.Equal(t, 2, invoker.callCount("evaluate"))

	// The re-invocation saw the merged answer.
	answeredMu.Lock()
	seen := answered
	answeredMu.Unlock()
	require.NotNil(t, seen)
	assert.Equal(t, "Focus on enterprise.", seen["clarification."+paused.Clarification.ID])

	// A second answer is a recorded no-op.
	outcome, err = h.orch.AnswerClarification(ctx, r.ID, paused.Clarification.ID, "Actually, consumer.")
	require.NoError(t, err)
	assert.Equal(t, clarify.OutcomeAlreadyResolved, outcome)
}

func TestDrive_ClarificationDeadlineExpires(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		if stageID == "evaluate" {
			return map[string]any{"needs_clarification": true, "question": "Still there?"}, nil
		}
		return okPayload(stageID), nil
	}}
	// A deadline in the past: the question expires the moment it opens.
	h := newHarness(t, invoker, &clarify.Config{AnswerTTL: -time.Minute})
	ctx := context.Background()

	r, err := h.orch.StartRun(ctx, "owner-1", nil, nil)
	require.NoError(t, err)
	paused := waitStatus(t, h.orch, r.ID, run.StatusAwaitingClarification)
	requestID := paused.Clarification.ID

	// The next boundary treats the run as abandoned.
	final, err := h.orch.Drive(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, run.ReasonAbandoned, final.FailureReason)
	assert.Equal(t, "evaluate", final.FailedStage)
	assert.NotEmpty(t, final.ErrorDetail)

	// A late answer reports expiry instead of resuming.
	outcome, err := h.orch.AnswerClarification(ctx, r.ID, requestID, "too late")
	require.NoError(t, err)
	assert.Equal(t, clarify.OutcomeExpired, outcome)
	assert.Equal(t, 1, invoker.callCount("evaluate"))
}

func TestSweep_ExpiresAbandonedRuns(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		if stageID == "evaluate" {
			return map[string]any{"needs_clarification": true, "question": "Still there?"}, nil
		}
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, &clarify.Config{AnswerTTL: -time.Minute})
	ctx := context.Background()

	r, err := h.orch.StartRun(ctx, "owner-1", nil, nil)
	require.NoError(t, err)
	waitStatus(t, h.orch, r.ID, run.StatusAwaitingClarification)

	expired, err := h.gate.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, expired)

	final, err := h.orch.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, run.ReasonAbandoned, final.FailureReason)
}

func TestDrive_CancellationAtBoundary(t *testing.T) {
	var h *testHarness
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		if stageID == "frame" {
			// Signal arrives while the first stage is in flight. It must
			// not interrupt the call, and must be honored before the
			// next stage starts.
			h.cancelLiveRun("owner-1")
		}
		return okPayload(stageID), nil
	}}
	h = newHarness(t, invoker, nil)
	ctx := context.Background()

	r, err := h.orch.StartRun(ctx, "owner-1", nil, nil)
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, r.ID)
	assert.Equal(t, run.StatusCancelled, final.Status)
	assert.True(t, final.CancelRequested)

	// The in-flight stage finished and its result is retained.
	require.Contains(t, final.Results, "frame")

	// No billable work after the boundary.
	assert.Equal(t, 1, invoker.callCount("frame"))
	assert.Zero(t, invoker.callCount("evaluate"))
	assert.Zero(t, invoker.callCount("report"))
}

func TestDrive_CompletionWinsAfterFinalWrite(t *testing.T) {
	var h *testHarness
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		if stageID == "report" {
			h.cancelLiveRun("owner-1")
		}
		return okPayload(stageID), nil
	}}
	h = newHarness(t, invoker, nil)
	ctx := context.Background()

	// The signal lands during the final stage. Its durable write
	// succeeds, so completion wins the race.
	r, err := h.orch.StartRun(ctx, "owner-1", []string{"report"}, nil)
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, r.ID)
	assert.Equal(t, run.StatusComplete, final.Status)
	assert.True(t, final.CancelRequested)
	assert.Equal(t, 100, final.PercentComplete())
}

func TestCancel_TerminalRunIsNoOp(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, nil)
	ctx := context.Background()

	r, err := h.orch.StartRun(ctx, "owner-1", []string{"frame"}, nil)
	require.NoError(t, err)
	waitTerminal(t, h.orch, r.ID)

	recorded, err := h.orch.Cancel(ctx, r.ID, "owner-1")
	require.NoError(t, err)
	assert.False(t, recorded)

	final := waitTerminal(t, h.orch, r.ID)
	assert.Equal(t, run.StatusComplete, final.Status)
}

func TestDrive_RetryableErrorsThenSuccess(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, call int) (map[string]any, error) {
		if stageID == "frame" && call < 3 {
			return nil, errors.New("upstream hiccup")
		}
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, nil)

	r, err := h.orch.StartRun(context.Background(), "owner-1", nil, nil)
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, r.ID)
	assert.Equal(t, run.StatusComplete, final.Status)
	assert.Equal(t, 3, invoker.callCount("frame"))
}

func TestDrive_RetriesExhausted(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		return nil, errors.New("upstream down")
	}}
	h := newHarness(t, invoker, nil)

	r, err := h.orch.StartRun(context.Background(), "owner-1", nil, nil)
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, run.ReasonStageError, final.FailureReason)
	assert.Equal(t, "frame", final.FailedStage)
	assert.Contains(t, final.ErrorDetail, "upstream down")
	assert.Equal(t, 3, invoker.callCount("frame"))
}

func TestDrive_FatalErrorFailsImmediately(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		return nil, stage.Fatal(stageID, errors.New("prompt rejected"))
	}}
	h := newHarness(t, invoker, nil)

	r, err := h.orch.StartRun(context.Background(), "owner-1", nil, nil)
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, run.ReasonStageError, final.FailureReason)
	assert.Equal(t, 1, invoker.callCount("frame"))
}

func TestDrive_TerminalStatusNeverMoves(t *testing.T) {
	invoker := &scriptedInvoker{fn: func(stageID string, _ map[string]any, _ int) (map[string]any, error) {
		return okPayload(stageID), nil
	}}
	h := newHarness(t, invoker, nil)
	ctx := context.Background()

	r, err := h.orch.StartRun(ctx, "owner-1", []string{"frame"}, nil)
	require.NoError(t, err)
	waitTerminal(t, h.orch, r.ID)

	for i := 0; i < 3; i++ {
		final, err := h.orch.Drive(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusComplete, final.Status)
	}
	assert.Equal(t, 1, invoker.totalCalls())
}

// cancelLiveRun signals cancellation for the single live run in the
// store. Harness tests drive one run at a time; it is safe to call from
// an invoker goroutine, and a miss shows up in the test's own status
// assertions.
func (h *testHarness) cancelLiveRun(requesterID string) {
	live, err := h.store.ListRunsByStatus(context.Background(),
		run.StatusAdmitted, run.StatusRunning, run.StatusAwaitingClarification)
	if err != nil || len(live) != 1 {
		return
	}
	_, _ = h.monitor.Request(context.Background(), live[0].ID, requesterID)
}

func waitTerminal(t *testing.T, orch *Orchestrator, runID string) *run.Run {
	t.Helper()
	return waitFor(t, orch, runID, func(r *run.Run) bool { return r.Status.Terminal() })
}

func waitStatus(t *testing.T, orch *Orchestrator, runID string, status run.Status) *run.Run {
	t.Helper()
	return waitFor(t, orch, runID, func(r *run.Run) bool { return r.Status == status })
}

// waitFor polls until the run satisfies cond. StartRun and Kick drive on
// background goroutines, so tests observe convergence rather than joining
// a specific goroutine.
func waitFor(t *testing.T, orch *Orchestrator, runID string, cond func(*run.Run) bool) *run.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := orch.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if cond(r) {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never reached the expected state; status=%s stage=%d", runID, r.Status, r.CurrentStage)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
