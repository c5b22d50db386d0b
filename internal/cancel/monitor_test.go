package cancel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/run"
)

func newMonitor(t *testing.T, store checkpoint.Store) *Monitor {
	m, err := NewMonitor(store, zap.NewNop())
	require.NoError(t, err)
	return m
}

func createRun(t *testing.T, store checkpoint.Store, status run.Status) *run.Run {
	r := run.New("owner-1", []string{"frame"}, nil)
	require.NoError(t, store.CreateRun(context.Background(), r))
	if status != run.StatusAdmitted {
		loaded, err := store.LoadRun(context.Background(), r.ID)
		require.NoError(t, err)
		if status.Terminal() && status != run.StatusCancelled {
			require.NoError(t, loaded.Transition(run.StatusRunning))
		}
		if status != run.StatusRunning {
			require.NoError(t, loaded.Transition(status))
		} else {
			require.NoError(t, loaded.Transition(run.StatusRunning))
		}
		require.NoError(t, store.SaveRun(context.Background(), loaded))
	}
	return r
}

func TestRequest_SetsFlagOnce(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	m := newMonitor(t, store)
	r := createRun(t, store, run.StatusRunning)

	recorded, err := m.Request(context.Background(), r.ID, "owner-1")
	require.NoError(t, err)
	assert.True(t, recorded)

	// Idempotent: repeats have the effect of exactly one signal.
	for i := 0; i < 3; i++ {
		recorded, err = m.Request(context.Background(), r.ID, "owner-1")
		require.NoError(t, err)
		assert.False(t, recorded)
	}

	stored, err := store.LoadRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)
	require.NotNil(t, stored.CancelSignal)
	assert.Equal(t, "owner-1", stored.CancelSignal.RequesterID)
	// The flag alone never changes status; that happens at a boundary.
	assert.Equal(t, run.StatusRunning, stored.Status)
}

func TestRequest_TerminalRunIsNoOp(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	m := newMonitor(t, store)

	for _, status := range []run.Status{run.StatusComplete, run.StatusFailed, run.StatusCancelled} {
		r := createRun(t, store, status)
		recorded, err := m.Request(context.Background(), r.ID, "owner-1")
		require.NoError(t, err)
		assert.False(t, recorded, "terminal status %s must be a no-op", status)

		stored, err := store.LoadRun(context.Background(), r.ID)
		require.NoError(t, err)
		assert.Equal(t, status, stored.Status)
		assert.False(t, stored.CancelRequested)
	}
}

func TestRequest_UnknownRun(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	m := newMonitor(t, store)

	_, err := m.Request(context.Background(), "missing", "owner-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRequest_AwaitingClarificationRun(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	m := newMonitor(t, store)

	r := run.New("owner-1", []string{"frame"}, nil)
	require.NoError(t, store.CreateRun(context.Background(), r))
	loaded, err := store.LoadRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Transition(run.StatusRunning))
	require.NoError(t, loaded.Transition(run.StatusAwaitingClarification))
	require.NoError(t, store.SaveRun(context.Background(), loaded))

	recorded, err := m.Request(context.Background(), r.ID, "owner-1")
	require.NoError(t, err)
	assert.True(t, recorded)
}
