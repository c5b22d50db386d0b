package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/run"
)

// SQLiteStore is the durable Store implementation. A single file holds the
// complete record needed to reconstruct in-progress runs after a restart.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (and if needed initializes) the database at path.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			stages TEXT NOT NULL,
			current_stage INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			clarification TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			cancel_signal TEXT,
			failure_reason TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			failed_stage TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stage_results (
			run_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			raw_ref TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			was_coerced INTEGER NOT NULL DEFAULT 0,
			warnings TEXT NOT NULL DEFAULT '[]',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			recorded_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, stage_id),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *run.Run) error {
	stages, err := json.Marshal(r.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	runCtx, err := json.Marshal(r.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, owner_id, stages, current_stage, status, context, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, string(stages), r.CurrentStage, string(r.Status), string(runCtx),
		r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Debug("created run record",
		zap.String("run_id", r.ID),
		zap.String("owner_id", r.OwnerID),
		zap.Int("stages", len(r.Stages)),
	)
	return nil
}

func (s *SQLiteStore) LoadRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, stages, current_stage, status, context, clarification,
		        cancel_requested, cancel_signal, failure_reason, error_detail, failed_stage,
		        version, created_at, updated_at
		 FROM runs WHERE id = ?`, id)

	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_id, raw_ref, payload, was_coerced, warnings, duration_ns, recorded_at
		 FROM stage_results WHERE run_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		res, err := scanStageResult(rows)
		if err != nil {
			return nil, err
		}
		r.Results[res.StageID] = res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stage results: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r *run.Run) error {
	clarification, err := nullableJSON(r.Clarification)
	if err != nil {
		return fmt.Errorf("failed to encode clarification: %w", err)
	}
	cancelSignal, err := nullableJSON(r.CancelSignal)
	if err != nil {
		return fmt.Errorf("failed to encode cancel signal: %w", err)
	}
	runCtx, err := json.Marshal(r.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET current_stage = ?, status = ?, context = ?, clarification = ?,
		     cancel_requested = ?, cancel_signal = ?, failure_reason = ?,
		     error_detail = ?, failed_stage = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		r.CurrentStage, string(r.Status), string(runCtx), clarification,
		boolToInt(r.CancelRequested), cancelSignal, string(r.FailureReason),
		r.ErrorDetail, r.FailedStage, time.Now().UTC(),
		r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check save result: %w", err)
	}
	if n == 0 {
		// Distinguish a missing run from a stale version.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

func (s *SQLiteStore) TryWriteStage(ctx context.Context, runID string, res *run.StageResult) (bool, *run.StageResult, error) {
	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return false, nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	warnings, err := json.Marshal(res.Warnings)
	if err != nil {
		return false, nil, fmt.Errorf("failed to encode warnings: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (run_id, stage_id, raw_ref, payload, was_coerced, warnings, duration_ns, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, stage_id) DO NOTHING`,
		runID, res.StageID, res.RawRef, string(payload), boolToInt(res.WasCoerced),
		string(warnings), res.Duration.Nanoseconds(), res.RecordedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to write stage result: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to check write result: %w", err)
	}
	if n == 0 {
		// Another writer won the race; its result is equally valid.
		existing, err := s.GetStage(ctx, runID, res.StageID)
		if err != nil {
			return false, nil, err
		}
		s.logger.Debug("stage checkpoint already recorded",
			zap.String("run_id", runID),
			zap.String("stage_id", res.StageID),
		)
		return false, existing, nil
	}
	return true, nil, nil
}

func (s *SQLiteStore) GetStage(ctx context.Context, runID, stageID string) (*run.StageResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT stage_id, raw_ref, payload, was_coerced, warnings, duration_ns, recorded_at
		 FROM stage_results WHERE run_id = ? AND stage_id = ?`, runID, stageID)
	return scanStageResult(row)
}

func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, statuses ...run.Status) ([]*run.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run ids: %w", err)
	}

	out := make([]*run.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.LoadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*run.Run, error) {
	var (
		r               run.Run
		stages          string
		status          string
		runCtx          string
		clarification   sql.NullString
		cancelRequested int
		cancelSignal    sql.NullString
		failureReason   string
	)
	err := row.Scan(&r.ID, &r.OwnerID, &stages, &r.CurrentStage, &status, &runCtx,
		&clarification, &cancelRequested, &cancelSignal, &failureReason,
		&r.ErrorDetail, &r.FailedStage, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	r.Status = run.Status(status)
	r.FailureReason = run.FailureReason(failureReason)
	r.CancelRequested = cancelRequested != 0
	r.Results = make(map[string]*run.StageResult)

	if err := json.Unmarshal([]byte(stages), &r.Stages); err != nil {
		return nil, fmt.Errorf("failed to decode stages: %w", err)
	}
	if err := json.Unmarshal([]byte(runCtx), &r.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	if clarification.Valid && clarification.String != "" {
		var c run.ClarificationRequest
		if err := json.Unmarshal([]byte(clarification.String), &c); err != nil {
			return nil, fmt.Errorf("failed to decode clarification: %w", err)
		}
		r.Clarification = &c
	}
	if cancelSignal.Valid && cancelSignal.String != "" {
		var c run.CancellationSignal
		if err := json.Unmarshal([]byte(cancelSignal.String), &c); err != nil {
			return nil, fmt.Errorf("failed to decode cancel signal: %w", err)
		}
		r.CancelSignal = &c
	}
	return &r, nil
}

func scanStageResult(row scanner) (*run.StageResult, error) {
	var (
		res        run.StageResult
		payload    string
		warnings   string
		wasCoerced int
		durationNs int64
	)
	err := row.Scan(&res.StageID, &res.RawRef, &payload, &wasCoerced, &warnings, &durationNs, &res.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stage result: %w", err)
	}

	res.WasCoerced = wasCoerced != 0
	res.Duration = time.Duration(durationNs)
	if err := json.Unmarshal([]byte(payload), &res.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &res.Warnings); err != nil {
		return nil, fmt.Errorf("failed to decode warnings: %w", err)
	}
	return &res, nil
}

func nullableJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *run.ClarificationRequest:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *run.CancellationSignal:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint violations in the error text;
	// matching on it avoids importing the driver's error types here.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
