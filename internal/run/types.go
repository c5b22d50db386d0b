// Package run defines the data model for pipeline runs: the run record
// itself, per-stage results, clarification requests, and cancellation
// signals. Status transitions are monotonic; a terminal run never moves.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusAdmitted means admission control approved the run but no
	// stage has started.
	StatusAdmitted Status = "admitted"

	// StatusRunning means a stage is executing or about to execute.
	StatusRunning Status = "running"

	// StatusAwaitingClarification means the run is suspended on a
	// question that needs an external answer.
	StatusAwaitingClarification Status = "awaiting_clarification"

	// StatusComplete means every stage finished and was checkpointed.
	StatusComplete Status = "complete"

	// StatusFailed means a fatal error, exhausted retries, or an
	// abandoned clarification stopped the run.
	StatusFailed Status = "failed"

	// StatusCancelled means a cancellation signal was honored at a
	// stage boundary.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// transitions enumerates the legal state machine edges.
var transitions = map[Status][]Status{
	StatusAdmitted: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {
		StatusRunning,
		StatusAwaitingClarification,
		StatusComplete,
		StatusFailed,
		StatusCancelled,
	},
	StatusAwaitingClarification: {StatusRunning, StatusFailed, StatusCancelled},
}

// CanTransitionTo reports whether s -> next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureReason distinguishes why a run reached StatusFailed.
type FailureReason string

const (
	// ReasonStageError covers fatal stage errors and exhausted retries.
	ReasonStageError FailureReason = "stage_error"

	// ReasonAbandoned means a clarification deadline elapsed unanswered.
	ReasonAbandoned FailureReason = "abandoned"
)

// StageResult is the normalized, always-valid output of one stage. Once a
// result is durably recorded it is immutable for the life of the run.
type StageResult struct {
	StageID string `json:"stage_id"`

	// RawRef references the raw output the payload was normalized from,
	// for audit. It is a rendering, not the authoritative data.
	RawRef string `json:"raw_ref,omitempty"`

	// Payload holds the typed values produced by the stage's schema.
	Payload map[string]any `json:"payload"`

	// WasCoerced is true when any payload field needed repair.
	WasCoerced bool     `json:"was_coerced"`
	Warnings   []string `json:"warnings,omitempty"`

	// NeedsClarification signals a mid-pipeline pause. The result of a
	// pausing invocation is never checkpointed; the stage re-runs once
	// an answer arrives.
	NeedsClarification bool   `json:"needs_clarification,omitempty"`
	Question           string `json:"question,omitempty"`

	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// ClarificationRequest is a question that blocks progress until answered
// or until its deadline passes. A run holds at most one open request.
type ClarificationRequest struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StageID   string    `json:"stage_id"`
	Question  string    `json:"question"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`

	Answer     string    `json:"answer,omitempty"`
	Answered   bool      `json:"answered"`
	AnsweredAt time.Time `json:"answered_at,omitempty"`
}

// Open reports whether the request still awaits an answer.
func (c *ClarificationRequest) Open() bool {
	return c != nil && !c.Answered
}

// Expired reports whether the deadline passed without an answer.
func (c *ClarificationRequest) Expired(now time.Time) bool {
	return c.Open() && now.After(c.Deadline)
}

// CancellationSignal records an external request to stop a run. Multiple
// signals for one run collapse to the first.
type CancellationSignal struct {
	RunID       string    `json:"run_id"`
	RequesterID string    `json:"requester_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Run is one execution of the stage pipeline for one owner. The
// orchestrator exclusively owns mutation; everything here is reconstructed
// from the checkpoint store on resume.
type Run struct {
	ID      string   `json:"id"`
	OwnerID string   `json:"owner_id"`
	Stages  []string `json:"stages"`

	// CurrentStage indexes the next stage to execute. It never decreases.
	CurrentStage int    `json:"current_stage"`
	Status       Status `json:"status"`

	// Context accumulates inputs visible to stage invocations: the
	// initial problem statement plus merged clarification answers.
	Context map[string]any `json:"context,omitempty"`

	// Results caches checkpointed stage results keyed by stage id. The
	// checkpoint store is authoritative; this view is reconciled on load.
	Results map[string]*StageResult `json:"results,omitempty"`

	Clarification *ClarificationRequest `json:"clarification,omitempty"`

	CancelRequested bool                `json:"cancel_requested"`
	CancelSignal    *CancellationSignal `json:"cancel_signal,omitempty"`

	FailureReason FailureReason `json:"failure_reason,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	// FailedStage is the last stage attempted before failure, surfaced
	// to the owner for support diagnosis.
	FailedStage string `json:"failed_stage,omitempty"`

	// Version guards concurrent snapshot writes (compare-and-swap in the
	// checkpoint store).
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a run in StatusAdmitted.
func New(ownerID string, stages []string, initialContext map[string]any) *Run {
	now := time.Now().UTC()
	ctx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		ctx[k] = v
	}
	return &Run{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Stages:    append([]string(nil), stages...),
		Status:    StatusAdmitted,
		Context:   ctx,
		Results:   make(map[string]*StageResult),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the run to next, enforcing the state machine. Terminal
// states reject every transition.
func (r *Run) Transition(next Status) error {
	if r.Status == next {
		return nil
	}
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal status transition %s -> %s for run %s", r.Status, next, r.ID)
	}
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// AdvanceStage moves to the next stage index. The index only moves forward.
func (r *Run) AdvanceStage() {
	r.CurrentStage++
	r.UpdatedAt = time.Now().UTC()
}

// Finished reports whether every stage has been executed.
func (r *Run) Finished() bool {
	return r.CurrentStage >= len(r.Stages)
}

// PercentComplete is checkpointed stages over total, 0-100.
func (r *Run) PercentComplete() int {
	if len(r.Stages) == 0 {
		return 100
	}
	return r.CurrentStage * 100 / len(r.Stages)
}

// Clone deep-copies the run so in-memory stores can hand out snapshots
// without sharing mutable state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Stages = append([]string(nil), r.Stages...)
	out.Context = make(map[string]any, len(r.Context))
	for k, v := range r.Context {
		out.Context[k] = v
	}
	out.Results = make(map[string]*StageResult, len(r.Results))
	for k, v := range r.Results {
		cp := *v
		cp.Warnings = append([]string(nil), v.Warnings...)
		cp.Payload = make(map[string]any, len(v.Payload))
		for pk, pv := range v.Payload {
			cp.Payload[pk] = pv
		}
		out.Results[k] = &cp
	}
	if r.Clarification != nil {
		cl := *r.Clarification
		out.Clarification = &cl
	}
	if r.CancelSignal != nil {
		cs := *r.CancelSignal
		out.CancelSignal = &cs
	}
	return &out
}
