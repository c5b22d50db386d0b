package httpapi

import (
	"time"

	"github.com/fyrsmithlabs/researchd/internal/run"
)

// StartRunRequest is the body for POST /api/v1/runs.
type StartRunRequest struct {
	OwnerID string         `json:"owner_id"`
	Stages  []string       `json:"stages,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// CancelRequest is the body for POST /api/v1/runs/:id/cancel.
type CancelRequest struct {
	RequesterID string `json:"requester_id"`
}

// CancelResponse reports whether the signal was newly recorded.
type CancelResponse struct {
	Recorded bool `json:"recorded"`
}

// AnswerRequest is the body for POST /api/v1/runs/:id/clarification.
type AnswerRequest struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// AnswerResponse reports the resolution outcome.
type AnswerResponse struct {
	Outcome string `json:"outcome"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries a machine-readable denial or failure reason.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunView is the external shape of a run.
type RunView struct {
	ID              string                      `json:"id"`
	OwnerID         string                      `json:"owner_id"`
	Status          run.Status                  `json:"status"`
	Stages          []string                    `json:"stages"`
	CurrentStage    int                         `json:"current_stage"`
	PercentComplete int                         `json:"percent_complete"`
	Results         map[string]*run.StageResult `json:"results,omitempty"`
	Clarification   *ClarificationView          `json:"clarification,omitempty"`
	FailureReason   run.FailureReason           `json:"failure_reason,omitempty"`
	ErrorDetail     string                      `json:"error_detail,omitempty"`
	FailedStage     string                      `json:"failed_stage,omitempty"`
	CancelRequested bool                        `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// ClarificationView is the open question shown to the owner.
type ClarificationView struct {
	RequestID string    `json:"request_id"`
	StageID   string    `json:"stage_id"`
	Question  string    `json:"question"`
	Deadline  time.Time `json:"deadline"`
}

func runView(r *run.Run) RunView {
	view := RunView{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Status:          r.Status,
		Stages:          r.Stages,
		CurrentStage:    r.CurrentStage,
		PercentComplete: r.PercentComplete(),
		Results:         r.Results,
		FailureReason:   r.FailureReason,
		ErrorDetail:     r.ErrorDetail,
		FailedStage:     r.FailedStage,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Clarification.Open() {
		view.Clarification = &ClarificationView{
			RequestID: r.Clarification.ID,
			StageID:   r.Clarification.StageID,
			Question:  r.Clarification.Question,
			Deadline:  r.Clarification.Deadline,
		}
	}
	return view
}
