package events

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/researchd/internal/run"
)

// Recorder captures events in memory for tests.
type Recorder struct {
	mu       sync.Mutex
	Progress []ProgressEvent
	Stages   []StageCompletedEvent
	Statuses []StatusChangedEvent
}

func (r *Recorder) RunProgress(_ context.Context, runID, stageID string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress = append(r.Progress, ProgressEvent{RunID: runID, StageID: stageID, Percent: percent})
}

func (r *Recorder) StageCompleted(_ context.Context, runID, stageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, StageCompletedEvent{RunID: runID, StageID: stageID})
}

func (r *Recorder) StatusChanged(_ context.Context, runID string, status run.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses = append(r.Statuses, StatusChangedEvent{RunID: runID, Status: status})
}

func (r *Recorder) Close() error { return nil }

// StatusHistory returns the observed statuses for one run, in order.
func (r *Recorder) StatusHistory(runID string) []run.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []run.Status
	for _, e := range r.Statuses {
		if e.RunID == runID {
			out = append(out, e.Status)
		}
	}
	return out
}
