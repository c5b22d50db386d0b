// Package events publishes run lifecycle notifications for the UI and
// notification collaborators. Publishing is best-effort: a lost event
// never stalls or fails a pipeline.
package events

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/run"
)

// Publisher emits the orchestrator's outbound events.
type Publisher interface {
	// RunProgress reports measurable progress, 0-100.
	RunProgress(ctx context.Context, runID, stageID string, percent int)

	// StageCompleted fires after each durable checkpoint write.
	StageCompleted(ctx context.Context, runID, stageID string)

	// StatusChanged fires on every state-machine transition.
	StatusChanged(ctx context.Context, runID string, status run.Status)

	// Close flushes and releases the publisher.
	Close() error
}

// ProgressEvent is the wire payload for run.progress.
type ProgressEvent struct {
	RunID      string    `json:"run_id"`
	StageID    string    `json:"stage_id"`
	Percent    int       `json:"percent"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StageCompletedEvent is the wire payload for run.stage_completed.
type StageCompletedEvent struct {
	RunID      string    `json:"run_id"`
	StageID    string    `json:"stage_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StatusChangedEvent is the wire payload for run.status_changed.
type StatusChangedEvent struct {
	RunID      string     `json:"run_id"`
	Status     run.Status `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Nop discards all events; for tests and standalone mode.
type Nop struct{}

func (Nop) RunProgress(context.Context, string, string, int)  {}
func (Nop) StageCompleted(context.Context, string, string)    {}
func (Nop) StatusChanged(context.Context, string, run.Status) {}
func (Nop) Close() error                                      { return nil }
