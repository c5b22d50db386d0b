// Package checkpoint persists run state and per-stage results. The store
// is the sole durable owner of both; every orchestrator instance treats
// its in-memory view as a cache to be reconciled from here.
//
// Two write disciplines protect against stale orchestrators racing after a
// redeploy: run snapshots use a version compare-and-swap, and stage results
// use a conditional insert that fails harmlessly when another writer
// already recorded the same stage.
package checkpoint

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/researchd/internal/run"
)

var (
	// ErrNotFound means no record exists for the requested key.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrVersionConflict means another writer updated the run snapshot
	// since it was loaded. Reload and reapply.
	ErrVersionConflict = errors.New("checkpoint: version conflict")

	// ErrAlreadyExists means a record with that key was already created.
	ErrAlreadyExists = errors.New("checkpoint: already exists")
)

// Store is the durable record of runs and stage results.
type Store interface {
	// CreateRun persists a new run. ErrAlreadyExists if the id is taken.
	CreateRun(ctx context.Context, r *run.Run) error

	// LoadRun returns the current snapshot of a run, including all
	// checkpointed stage results. ErrNotFound if absent.
	LoadRun(ctx context.Context, id string) (*run.Run, error)

	// SaveRun writes a run snapshot conditioned on r.Version matching
	// the stored version. On success the stored version (and r.Version)
	// increments. ErrVersionConflict if another writer got there first.
	SaveRun(ctx context.Context, r *run.Run) error

	// TryWriteStage conditionally records a stage result. wrote is false
	// when a result for (runID, stage id) already exists, in which case
	// existing carries the previously recorded result. Once written, a
	// stage result is immutable.
	TryWriteStage(ctx context.Context, runID string, result *run.StageResult) (wrote bool, existing *run.StageResult, err error)

	// GetStage returns the recorded result for one stage.
	// ErrNotFound if the stage has not been checkpointed.
	GetStage(ctx context.Context, runID, stageID string) (*run.StageResult, error)

	// ListRunsByStatus returns runs currently in any of the given
	// statuses, for resume-on-startup and deadline sweeps.
	ListRunsByStatus(ctx context.Context, statuses ...run.Status) ([]*run.Run, error)

	// Close releases the store's resources.
	Close() error
}
