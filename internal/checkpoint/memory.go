package checkpoint

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/researchd/internal/run"
)

// MemoryStore is an in-process Store for tests and standalone mode. It
// honors the same conditional-write contracts as the SQLite store, so
// redeploy races can be exercised without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*run.Run
	stages map[string]map[string]*run.StageResult
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*run.Run),
		stages: make(map[string]map[string]*run.StageResult),
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.ID]; ok {
		return ErrAlreadyExists
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) LoadRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := stored.Clone()
	for stageID, res := range m.stages[id] {
		cp := *res
		out.Results[stageID] = &cp
	}
	return out, nil
}

func (m *MemoryStore) SaveRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) TryWriteStage(_ context.Context, runID string, result *run.StageResult) (bool, *run.StageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return false, nil, ErrNotFound
	}
	byStage, ok := m.stages[runID]
	if !ok {
		byStage = make(map[string]*run.StageResult)
		m.stages[runID] = byStage
	}
	if existing, ok := byStage[result.StageID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *result
	byStage[result.StageID] = &cp
	return true, nil, nil
}

func (m *MemoryStore) GetStage(_ context.Context, runID, stageID string) (*run.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if existing, ok := m.stages[runID][stageID]; ok {
		cp := *existing
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListRunsByStatus(_ context.Context, statuses ...run.Status) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Run
	for _, r := range m.runs {
		for _, s := range statuses {
			if r.Status == s {
				out = append(out, r.Clone())
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
